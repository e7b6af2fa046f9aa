// Package schedule computes learning rates with optional warm restarts.
//
// The schedule is a pure function of (epoch, minibatch): restart boundaries
// are computed once from the configuration and never accumulated, so a
// resumed run sees the same trajectory as an uninterrupted one.
package schedule

import (
	"fmt"
	"math"
	"slices"
)

// Decay curves.
const (
	Cosine      = "cos"
	Exponential = "exp"
)

// Config describes the schedule.
type Config struct {
	NumEpochs int
	LRInit    float64
	LRFinal   float64
	// LRDecay is the exponential decay horizon in epochs; <= 0 means NumEpochs.
	LRDecay   int
	DecayType string

	Restart    bool
	Period0    int
	PeriodMult int

	PerMinibatch        bool
	MinibatchesPerEpoch int
}

// Validate checks the configuration.
func (c Config) Validate() error {
	switch {
	case c.NumEpochs < 0:
		return fmt.Errorf("num_epoch must be >= 0, got %d", c.NumEpochs)
	case !(c.LRInit > 0):
		return fmt.Errorf("lr_init must be positive, got %v", c.LRInit)
	case !(c.LRFinal > 0):
		return fmt.Errorf("lr_final must be positive, got %v", c.LRFinal)
	case c.LRFinal > c.LRInit:
		return fmt.Errorf("lr_final %v exceeds lr_init %v", c.LRFinal, c.LRInit)
	case c.DecayType != Cosine && c.DecayType != Exponential:
		return fmt.Errorf("unknown decay type %q", c.DecayType)
	case c.Restart && c.Period0 < 1:
		return fmt.Errorf("restart period must be >= 1, got %d", c.Period0)
	case c.Restart && c.PeriodMult < 1:
		return fmt.Errorf("restart multiplier must be >= 1, got %d", c.PeriodMult)
	case c.PerMinibatch && c.MinibatchesPerEpoch < 1:
		return fmt.Errorf("minibatches per epoch must be >= 1, got %d", c.MinibatchesPerEpoch)
	}
	return nil
}

// State is the persisted view of the schedule at an epoch.
type State struct {
	Epoch      int   `json:"epoch"`
	Cycle      int   `json:"cycle"`
	Position   int   `json:"position"`
	Boundaries []int `json:"boundaries"`
}

// DriftError reports a stored schedule state that disagrees with the
// configuration it is being resumed under.
type DriftError struct {
	Field    string
	Stored   any
	Computed any
}

func (e *DriftError) Error() string {
	return fmt.Sprintf("schedule %s drifted: stored %v, computed %v", e.Field, e.Stored, e.Computed)
}

// Schedule is immutable after New.
type Schedule struct {
	cfg        Config
	boundaries []int
}

// New validates cfg and precomputes the restart boundaries.
func New(cfg Config) (*Schedule, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.LRDecay <= 0 {
		cfg.LRDecay = max(cfg.NumEpochs, 1)
	}
	return &Schedule{cfg: cfg, boundaries: boundaries(cfg)}, nil
}

func boundaries(cfg Config) []int {
	out := []int{}
	if !cfg.Restart {
		return out
	}
	period := cfg.Period0
	for b := cfg.Period0; b < cfg.NumEpochs; b += period {
		out = append(out, b)
		period *= cfg.PeriodMult
	}
	return out
}

// Config returns the effective configuration.
func (s *Schedule) Config() Config {
	return s.cfg
}

// Boundaries returns the epochs at which the learning rate resets.
func (s *Schedule) Boundaries() []int {
	return slices.Clone(s.boundaries)
}

// cycle locates epoch within the restart structure.
func (s *Schedule) cycle(epoch int) (index, start, length int) {
	if !s.cfg.Restart {
		return 0, 0, max(s.cfg.NumEpochs, 1)
	}
	period := s.cfg.Period0
	for _, b := range s.boundaries {
		if epoch < b {
			break
		}
		index++
		start = b
		period *= s.cfg.PeriodMult
	}
	return index, start, period
}

// LR returns the learning rate for a minibatch of an epoch. minibatch is
// ignored unless the schedule steps per minibatch.
func (s *Schedule) LR(epoch, minibatch int) float64 {
	_, start, length := s.cycle(epoch)
	t := float64(epoch - start)
	period := float64(length)
	horizon := float64(s.cfg.LRDecay)
	if s.cfg.PerMinibatch {
		m := float64(s.cfg.MinibatchesPerEpoch)
		t = t*m + float64(minibatch)
		period *= m
		horizon *= m
	}

	init, final := s.cfg.LRInit, s.cfg.LRFinal
	switch s.cfg.DecayType {
	case Exponential:
		ratio := final / init
		f := math.Exp(t / horizon * math.Log(ratio))
		return init * math.Min(math.Max(f, ratio), 1)
	default:
		return final + (init-final)*(1+math.Cos(math.Pi*t/period))/2
	}
}

// State describes the schedule at the start of epoch.
func (s *Schedule) State(epoch int) State {
	index, start, _ := s.cycle(epoch)
	return State{
		Epoch:      epoch,
		Cycle:      index,
		Position:   epoch - start,
		Boundaries: s.Boundaries(),
	}
}

// Verify rejects a stored state that this schedule would not have produced.
func (s *Schedule) Verify(st State) error {
	if !slices.Equal(st.Boundaries, s.boundaries) {
		return &DriftError{Field: "boundaries", Stored: st.Boundaries, Computed: s.boundaries}
	}
	want := s.State(st.Epoch)
	if st.Cycle != want.Cycle {
		return &DriftError{Field: "cycle", Stored: st.Cycle, Computed: want.Cycle}
	}
	if st.Position != want.Position {
		return &DriftError{Field: "position", Stored: st.Position, Computed: want.Position}
	}
	return nil
}

// Point is one row of the per-epoch trajectory.
type Point struct {
	Epoch   int
	Cycle   int
	LR      float64
	Restart bool
}

// Trajectory lists the epoch-start learning rate for every epoch.
func (s *Schedule) Trajectory() []Point {
	out := make([]Point, 0, s.cfg.NumEpochs)
	for e := 0; e < s.cfg.NumEpochs; e++ {
		st := s.State(e)
		out = append(out, Point{
			Epoch:   e,
			Cycle:   st.Cycle,
			LR:      s.LR(e, 0),
			Restart: slices.Contains(s.boundaries, e),
		})
	}
	return out
}
