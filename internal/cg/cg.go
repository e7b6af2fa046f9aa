// Package cg precomputes the Clebsch–Gordan coupling coefficients and
// spherical harmonics the model combines angular features with.
package cg

import (
	"fmt"
	"math"

	"github.com/cwbudde/cormorant/internal/device"
)

// OrderError is returned for a negative maximum order.
type OrderError struct {
	Order int
}

func (e *OrderError) Error() string {
	return fmt.Sprintf("invalid angular momentum order: %d", e.Order)
}

// triple identifies one coupling block l1 ⊗ l2 → l.
type triple struct {
	l1, l2, l int
}

// Basis holds the coupling coefficients <l1 m1; l2 m2 | l m> for every
// l1, l2 <= MaxL. Each block is stored densely over (m1, m2); m = m1+m2.
type Basis struct {
	MaxL   int
	Device device.Context
	blocks map[triple][]float64
}

// Coefficient returns <l1 m1; l2 m2 | l m>. Out-of-range arguments yield 0.
func (b *Basis) Coefficient(l1, m1, l2, m2, l, m int) float64 {
	if m != m1+m2 || l1 > b.MaxL || l2 > b.MaxL {
		return 0
	}
	if abs(m1) > l1 || abs(m2) > l2 || abs(m) > l {
		return 0
	}
	block, ok := b.blocks[triple{l1, l2, l}]
	if !ok {
		return 0
	}
	return block[(m1+l1)*(2*l2+1)+(m2+l2)]
}

// Blocks returns the number of coupling blocks held.
func (b *Basis) Blocks() int {
	return len(b.blocks)
}

// Build computes all coupling blocks up to maxl with the Racah formula.
func Build(maxl int, dctx device.Context) (*Basis, error) {
	if maxl < 0 {
		return nil, &OrderError{Order: maxl}
	}

	fact := factorials(4*maxl + 2)
	b := &Basis{
		MaxL:   maxl,
		Device: dctx,
		blocks: make(map[triple][]float64),
	}

	for l1 := 0; l1 <= maxl; l1++ {
		for l2 := 0; l2 <= maxl; l2++ {
			for l := abs(l1 - l2); l <= l1+l2; l++ {
				block := make([]float64, (2*l1+1)*(2*l2+1))
				for m1 := -l1; m1 <= l1; m1++ {
					for m2 := -l2; m2 <= l2; m2++ {
						if abs(m1+m2) > l {
							continue
						}
						c := racah(fact, l1, m1, l2, m2, l, m1+m2)
						block[(m1+l1)*(2*l2+1)+(m2+l2)] = dctx.Round(c)
					}
				}
				b.blocks[triple{l1, l2, l}] = block
			}
		}
	}

	return b, nil
}

func racah(fact []float64, j1, m1, j2, m2, j, m int) float64 {
	pre := math.Sqrt(float64(2*j+1) * fact[j+j1-j2] * fact[j-j1+j2] * fact[j1+j2-j] / fact[j1+j2+j+1])
	pre *= math.Sqrt(fact[j+m] * fact[j-m] * fact[j1-m1] * fact[j1+m1] * fact[j2-m2] * fact[j2+m2])

	kmin := max(0, max(j2-j-m1, j1+m2-j))
	kmax := min(j1+j2-j, min(j1-m1, j2+m2))

	var sum float64
	for k := kmin; k <= kmax; k++ {
		den := fact[k] * fact[j1+j2-j-k] * fact[j1-m1-k] * fact[j2+m2-k] * fact[j-j2+m1+k] * fact[j-j1-m2+k]
		term := 1 / den
		if k%2 == 1 {
			term = -term
		}
		sum += term
	}
	return pre * sum
}

func factorials(n int) []float64 {
	f := make([]float64, n+1)
	f[0] = 1
	for i := 1; i <= n; i++ {
		f[i] = f[i-1] * float64(i)
	}
	return f
}

func abs(x int) int {
	if x < 0 {
		return -x
	}
	return x
}
