package store

import (
	"fmt"
	"math"
	"time"

	"github.com/cwbudde/cormorant/internal/metrics"
	"github.com/cwbudde/cormorant/internal/optim"
	"github.com/cwbudde/cormorant/internal/schedule"
)

// Version is the checkpoint format version written by this package.
const Version = 1

// RunConfig is the part of the configuration a checkpoint must agree with
// to be resumed. Fingerprint hashes the structural model and schedule
// settings.
type RunConfig struct {
	Dataset     string `json:"dataset"`
	Target      string `json:"target"`
	Optim       string `json:"optim"`
	NumParams   int    `json:"num_params"`
	NumEpochs   int    `json:"num_epochs"`
	Fingerprint string `json:"fingerprint"`
}

// Checkpoint is the resumable state of a run taken at an epoch boundary.
//
// Epoch is the next epoch to run, so a checkpoint written after epoch e
// resumes at e+1. BestMetric is nil until a validation metric has been
// recorded; JSON has no infinity.
type Checkpoint struct {
	Version   int    `json:"version"`
	Run       string `json:"run"`
	Session   string `json:"session"`
	Epoch     int    `json:"epoch"`
	Minibatch int    `json:"minibatch"`

	Params    []float64      `json:"params"`
	Optimizer optim.State    `json:"optimizer"`
	Schedule  schedule.State `json:"schedule"`

	BestMetric *float64  `json:"best_metric"`
	BestEpoch  int       `json:"best_epoch"`
	BestParams []float64 `json:"best_params,omitempty"`

	Stats     metrics.Stats `json:"target_stats"`
	Config    RunConfig     `json:"config"`
	Timestamp time.Time     `json:"timestamp"`
}

// Best is the snapshot of the parameters with the lowest validation metric.
type Best struct {
	Version   int           `json:"version"`
	Run       string        `json:"run"`
	Session   string        `json:"session"`
	Epoch     int           `json:"epoch"`
	Metric    float64       `json:"metric"`
	Params    []float64     `json:"params"`
	Stats     metrics.Stats `json:"target_stats"`
	Config    RunConfig     `json:"config"`
	Timestamp time.Time     `json:"timestamp"`
}

// CheckpointInfo contains metadata about a checkpoint without parameters.
type CheckpointInfo struct {
	Run        string    `json:"run"`
	Session    string    `json:"session"`
	Epoch      int       `json:"epoch"`
	NumEpochs  int       `json:"num_epochs"`
	BestMetric *float64  `json:"best_metric"`
	BestEpoch  int       `json:"best_epoch"`
	Dataset    string    `json:"dataset"`
	Target     string    `json:"target"`
	Timestamp  time.Time `json:"timestamp"`
}

// ToInfo converts a full Checkpoint to CheckpointInfo.
func (c *Checkpoint) ToInfo() CheckpointInfo {
	return CheckpointInfo{
		Run:        c.Run,
		Session:    c.Session,
		Epoch:      c.Epoch,
		NumEpochs:  c.Config.NumEpochs,
		BestMetric: c.BestMetric,
		BestEpoch:  c.BestEpoch,
		Dataset:    c.Config.Dataset,
		Target:     c.Config.Target,
		Timestamp:  c.Timestamp,
	}
}

// Best returns the best metric or +Inf when none was recorded.
func (c *Checkpoint) Best() float64 {
	if c.BestMetric == nil {
		return math.Inf(1)
	}
	return *c.BestMetric
}

// Validate checks internal consistency. A checkpoint that decodes but fails
// validation is treated as corrupt.
func (c *Checkpoint) Validate() error {
	if c.Version != Version {
		return &ValidationError{Field: "Version", Reason: fmt.Sprintf("unsupported version %d", c.Version)}
	}
	if c.Run == "" {
		return &ValidationError{Field: "Run", Reason: "cannot be empty"}
	}
	if c.Epoch < 0 {
		return &ValidationError{Field: "Epoch", Reason: "cannot be negative"}
	}
	if c.Minibatch < 0 {
		return &ValidationError{Field: "Minibatch", Reason: "cannot be negative"}
	}
	if len(c.Params) == 0 {
		return &ValidationError{Field: "Params", Reason: "cannot be empty"}
	}
	if len(c.Params) != c.Config.NumParams {
		return &ValidationError{
			Field:  "Params",
			Reason: fmt.Sprintf("length mismatch: expected %d, got %d", c.Config.NumParams, len(c.Params)),
		}
	}
	if c.Config.NumEpochs > 0 && c.Epoch > c.Config.NumEpochs {
		return &ValidationError{Field: "Epoch", Reason: fmt.Sprintf("%d beyond budget %d", c.Epoch, c.Config.NumEpochs)}
	}
	if c.Schedule.Epoch != c.Epoch {
		return &ValidationError{
			Field:  "Schedule.Epoch",
			Reason: fmt.Sprintf("%d does not match checkpoint epoch %d", c.Schedule.Epoch, c.Epoch),
		}
	}
	if c.Optimizer.Kind != c.Config.Optim {
		return &ValidationError{Field: "Optimizer.Kind", Reason: fmt.Sprintf("%q does not match config %q", c.Optimizer.Kind, c.Config.Optim)}
	}
	if c.BestMetric == nil {
		if len(c.BestParams) != 0 {
			return &ValidationError{Field: "BestParams", Reason: "present without best metric"}
		}
	} else {
		if len(c.BestParams) != len(c.Params) {
			return &ValidationError{Field: "BestParams", Reason: "length does not match params"}
		}
		if c.BestEpoch < 0 || c.BestEpoch >= c.Epoch {
			return &ValidationError{Field: "BestEpoch", Reason: fmt.Sprintf("%d outside completed epochs [0,%d)", c.BestEpoch, c.Epoch)}
		}
	}
	if !(c.Stats.Std > 0) {
		return &ValidationError{Field: "Stats.Std", Reason: "must be positive"}
	}
	if c.Timestamp.IsZero() {
		return &ValidationError{Field: "Timestamp", Reason: "cannot be zero"}
	}
	return nil
}

// Validate checks the best snapshot.
func (b *Best) Validate() error {
	if b.Version != Version {
		return &ValidationError{Field: "Version", Reason: fmt.Sprintf("unsupported version %d", b.Version)}
	}
	if b.Run == "" {
		return &ValidationError{Field: "Run", Reason: "cannot be empty"}
	}
	if b.Epoch < 0 {
		return &ValidationError{Field: "Epoch", Reason: "cannot be negative"}
	}
	if len(b.Params) == 0 || len(b.Params) != b.Config.NumParams {
		return &ValidationError{Field: "Params", Reason: fmt.Sprintf("expected %d values, got %d", b.Config.NumParams, len(b.Params))}
	}
	if math.IsNaN(b.Metric) || b.Metric < 0 {
		return &ValidationError{Field: "Metric", Reason: "must be a non-negative number"}
	}
	if !(b.Stats.Std > 0) {
		return &ValidationError{Field: "Stats.Std", Reason: "must be positive"}
	}
	if b.Timestamp.IsZero() {
		return &ValidationError{Field: "Timestamp", Reason: "cannot be zero"}
	}
	return nil
}

// ValidationError represents a checkpoint validation error.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return "validation error: " + e.Field + " " + e.Reason
}

// IsCompatible checks if this checkpoint can be resumed with config.
func (c RunConfig) IsCompatible(config RunConfig) error {
	fields := []struct {
		name          string
		stored, given string
	}{
		{"Dataset", c.Dataset, config.Dataset},
		{"Target", c.Target, config.Target},
		{"Optim", c.Optim, config.Optim},
		{"NumParams", fmt.Sprint(c.NumParams), fmt.Sprint(config.NumParams)},
		{"NumEpochs", fmt.Sprint(c.NumEpochs), fmt.Sprint(config.NumEpochs)},
		{"Fingerprint", c.Fingerprint, config.Fingerprint},
	}
	for _, f := range fields {
		if f.stored != f.given {
			return &CompatibilityError{Field: f.name, Expected: f.stored, Actual: f.given}
		}
	}
	return nil
}

// CompatibilityError represents a checkpoint compatibility error.
type CompatibilityError struct {
	Field    string
	Expected string
	Actual   string
}

func (e *CompatibilityError) Error() string {
	return "compatibility error: " + e.Field + " mismatch (expected " + e.Expected + ", got " + e.Actual + ")"
}
