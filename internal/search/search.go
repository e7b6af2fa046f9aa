// Package search wraps the mayfly metaheuristic for small bounded
// minimization problems.
package search

import (
	"fmt"
	"math/rand"

	"github.com/cwbudde/mayfly"
)

// Minimizer finds a low-cost point of eval inside [lower, upper].
type Minimizer interface {
	Minimize(eval func([]float64) float64, lower, upper []float64, dim int) ([]float64, float64, error)
}

// Mayfly minimizes with the mayfly algorithm.
type Mayfly struct {
	maxIters int
	popSize  int
	seed     int64
}

// MinPopulation is the smallest population mayfly accepts.
const MinPopulation = 20

// NewMayfly creates a seeded mayfly minimizer.
func NewMayfly(maxIters, popSize int, seed int64) *Mayfly {
	return &Mayfly{
		maxIters: maxIters,
		popSize:  max(popSize, MinPopulation),
		seed:     seed,
	}
}

// Minimize runs mayfly on the unit cube and maps each coordinate onto its
// own [lower[i], upper[i]] interval, since mayfly only takes scalar bounds.
func (m *Mayfly) Minimize(eval func([]float64) float64, lower, upper []float64, dim int) ([]float64, float64, error) {
	if dim <= 0 || len(lower) != dim || len(upper) != dim {
		return nil, 0, fmt.Errorf("bounds must have length %d, got %d and %d", dim, len(lower), len(upper))
	}
	for i := range lower {
		if !(upper[i] > lower[i]) {
			return nil, 0, fmt.Errorf("empty interval in dimension %d: [%v, %v]", i, lower[i], upper[i])
		}
	}

	scale := func(u []float64) []float64 {
		x := make([]float64, dim)
		for i, v := range u {
			v = min(max(v, 0), 1)
			x[i] = lower[i] + v*(upper[i]-lower[i])
		}
		return x
	}

	config := mayfly.NewDefaultConfig()
	config.ObjectiveFunc = func(u []float64) float64 { return eval(scale(u)) }
	config.ProblemSize = dim
	config.MaxIterations = m.maxIters
	config.NPop = m.popSize
	config.LowerBound = 0
	config.UpperBound = 1
	config.Rand = rand.New(rand.NewSource(m.seed))

	result, err := mayfly.Optimize(config)
	if err != nil {
		return nil, 0, fmt.Errorf("mayfly: %w", err)
	}
	return scale(result.GlobalBest.Position), result.GlobalBest.Cost, nil
}
