// Package invariance checks a model's symmetries before training: atom
// permutation, rigid rotation and independence from batch composition.
package invariance

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"math/rand"

	"github.com/cwbudde/cormorant/internal/data"
	"github.com/cwbudde/cormorant/internal/search"
)

// Check names.
const (
	Permutation    = "permutation"
	Rotation       = "rotation"
	WorstRotation  = "rotation-search"
	Batch          = "batch"
	VectorRotation = "vector-rotation"
)

// Model is the scalar interface under test.
type Model interface {
	Forward(b *data.Batch) ([]float64, error)
}

// VectorModel is implemented by models with a rotation-covariant output,
// one 3-vector per molecule.
type VectorModel interface {
	ForwardVector(b *data.Batch) ([][3]float64, error)
}

// Config controls the harness.
type Config struct {
	Batches   int
	BatchSize int
	Seed      int64
	// Tolerance bounds |a-b| <= Tolerance*max(1,|a|).
	Tolerance float64
	// SearchIters > 0 adds a worst-case rotation search.
	SearchIters int
	SearchPop   int
	// Minimizer overrides the default mayfly search.
	Minimizer search.Minimizer
}

// DefaultConfig returns one batch at 1e-4 relative tolerance.
func DefaultConfig() Config {
	return Config{
		Batches:   1,
		BatchSize: 8,
		Tolerance: 1e-4,
	}
}

// CheckResult is the outcome of one symmetry check.
type CheckResult struct {
	Name      string
	Deviation float64
	Passed    bool
}

// Report summarizes a harness run.
type Report struct {
	Checks    []CheckResult
	Batches   int
	Molecules int
}

// Passed reports whether every check passed.
func (r *Report) Passed() bool {
	for _, c := range r.Checks {
		if !c.Passed {
			return false
		}
	}
	return true
}

// ViolationError names the failed check and the observed deviation.
type ViolationError struct {
	Check     string
	Deviation float64
	Tolerance float64
}

func (e *ViolationError) Error() string {
	return fmt.Sprintf("%s invariance violated: deviation %.3g exceeds tolerance %.3g", e.Check, e.Deviation, e.Tolerance)
}

var errEnough = errors.New("enough batches")

// Run draws batches from split and applies every check to each. The first
// violated check aborts with a *ViolationError; the report lists all checks
// run so far.
func Run(ctx context.Context, m Model, split *data.Split, cfg Config) (*Report, error) {
	if cfg.Batches < 1 {
		cfg.Batches = 1
	}
	if cfg.BatchSize < 1 {
		cfg.BatchSize = 1
	}
	if !(cfg.Tolerance > 0) {
		return nil, fmt.Errorf("tolerance must be positive, got %v", cfg.Tolerance)
	}
	if split == nil || split.Len() == 0 {
		return nil, fmt.Errorf("no molecules to test")
	}

	loader := data.NewLoader(split, data.LoaderOptions{BatchSize: cfg.BatchSize, Shuffle: true, Seed: cfg.Seed})
	var batches []*data.Batch
	err := loader.Iterate(ctx, 0, func(b *data.Batch) error {
		batches = append(batches, b)
		if len(batches) >= cfg.Batches {
			return errEnough
		}
		return nil
	})
	if err != nil && !errors.Is(err, errEnough) {
		return nil, err
	}

	h := &harness{model: m, cfg: cfg, rng: rand.New(rand.NewSource(cfg.Seed)), report: &Report{}}
	for _, b := range batches {
		if err := ctx.Err(); err != nil {
			return h.report, err
		}
		if err := h.batch(b); err != nil {
			return h.report, err
		}
		h.report.Batches++
		h.report.Molecules += b.Size()
	}
	if cfg.SearchIters > 0 {
		if err := h.worstRotation(batches[0]); err != nil {
			return h.report, err
		}
	}

	slog.Info("Invariance checks passed",
		"batches", h.report.Batches,
		"molecules", h.report.Molecules,
		"checks", len(h.report.Checks),
		"tolerance", cfg.Tolerance,
	)
	return h.report, nil
}

type harness struct {
	model  Model
	cfg    Config
	rng    *rand.Rand
	report *Report
}

func (h *harness) batch(b *data.Batch) error {
	ref, err := h.model.Forward(b)
	if err != nil {
		return fmt.Errorf("forward: %w", err)
	}

	permuted, err := h.model.Forward(permuteBatch(b, h.rng))
	if err != nil {
		return fmt.Errorf("forward permuted: %w", err)
	}
	if err := h.record(Permutation, deviation(ref, permuted)); err != nil {
		return err
	}

	rot := randomRotation(h.rng)
	rotated, err := h.model.Forward(rotateBatch(b, rot))
	if err != nil {
		return fmt.Errorf("forward rotated: %w", err)
	}
	if err := h.record(Rotation, deviation(ref, rotated)); err != nil {
		return err
	}

	single := make([]float64, b.Size())
	for i, mol := range b.Molecules {
		out, err := h.model.Forward(&data.Batch{Molecules: []*data.Molecule{mol}, Targets: b.Targets[i : i+1]})
		if err != nil {
			return fmt.Errorf("forward single: %w", err)
		}
		single[i] = out[0]
	}
	if err := h.record(Batch, deviation(ref, single)); err != nil {
		return err
	}

	vm, ok := h.model.(VectorModel)
	if !ok {
		return nil
	}
	vref, err := vm.ForwardVector(b)
	if err != nil {
		return fmt.Errorf("forward vector: %w", err)
	}
	vrot, err := vm.ForwardVector(rotateBatch(b, rot))
	if err != nil {
		return fmt.Errorf("forward vector rotated: %w", err)
	}
	return h.record(VectorRotation, vectorDeviation(rotateVectors(vref, rot), vrot))
}

// worstRotation searches axis-angle space for the rotation with the largest
// deviation on b.
func (h *harness) worstRotation(b *data.Batch) error {
	ref, err := h.model.Forward(b)
	if err != nil {
		return fmt.Errorf("forward: %w", err)
	}

	minimizer := h.cfg.Minimizer
	if minimizer == nil {
		minimizer = search.NewMayfly(h.cfg.SearchIters, h.cfg.SearchPop, h.cfg.Seed)
	}

	var evalErr error
	eval := func(v []float64) float64 {
		out, err := h.model.Forward(rotateBatch(b, axisAngle(v)))
		if err != nil {
			evalErr = err
			return 0
		}
		return -deviation(ref, out)
	}

	lower := []float64{-math.Pi, -math.Pi, -math.Pi}
	upper := []float64{math.Pi, math.Pi, math.Pi}
	_, cost, err := minimizer.Minimize(eval, lower, upper, 3)
	if err != nil {
		return fmt.Errorf("rotation search: %w", err)
	}
	if evalErr != nil {
		return fmt.Errorf("forward rotated: %w", evalErr)
	}
	return h.record(WorstRotation, -cost)
}

func (h *harness) record(name string, dev float64) error {
	passed := dev <= h.cfg.Tolerance
	h.report.Checks = append(h.report.Checks, CheckResult{Name: name, Deviation: dev, Passed: passed})
	slog.Debug("Invariance check", "check", name, "deviation", dev, "passed", passed)
	if !passed {
		return &ViolationError{Check: name, Deviation: dev, Tolerance: h.cfg.Tolerance}
	}
	return nil
}

// deviation is max_i |a_i-b_i| / max(1,|a_i|). NaN counts as infinite.
func deviation(a, b []float64) float64 {
	if len(a) != len(b) {
		return math.Inf(1)
	}
	var worst float64
	for i := range a {
		d := math.Abs(a[i]-b[i]) / math.Max(1, math.Abs(a[i]))
		if math.IsNaN(d) {
			return math.Inf(1)
		}
		worst = math.Max(worst, d)
	}
	return worst
}

func vectorDeviation(a, b [][3]float64) float64 {
	if len(a) != len(b) {
		return math.Inf(1)
	}
	var worst float64
	for i := range a {
		for k := 0; k < 3; k++ {
			d := math.Abs(a[i][k]-b[i][k]) / math.Max(1, math.Abs(a[i][k]))
			if math.IsNaN(d) {
				return math.Inf(1)
			}
			worst = math.Max(worst, d)
		}
	}
	return worst
}
