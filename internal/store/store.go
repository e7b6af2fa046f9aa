package store

import (
	"errors"
	"fmt"
)

// Store persists training runs. Every run lives in its own directory and
// holds at most one resumable checkpoint and one best snapshot.
//
// Error handling conventions:
//   - ErrNotFound (match with errors.Is) when a file does not exist
//   - *CorruptError when a file exists but does not decode or validate
//   - wrapped I/O errors otherwise
type Store interface {
	// SaveCheckpoint atomically replaces the run's checkpoint.
	SaveCheckpoint(run string, checkpoint *Checkpoint) error

	// LoadCheckpoint reads and validates the run's checkpoint.
	LoadCheckpoint(run string) (*Checkpoint, error)

	// SaveBest atomically replaces the run's best snapshot.
	SaveBest(run string, best *Best) error

	// LoadBest reads and validates the run's best snapshot.
	LoadBest(run string) (*Best, error)

	// ListCheckpoints summarizes every run that has a readable checkpoint.
	ListCheckpoints() ([]CheckpointInfo, error)

	// DeleteCheckpoint removes the run directory with all artifacts:
	// checkpoint.json, best.json, trace.jsonl, config.yaml, predictions.
	DeleteCheckpoint(run string) error
}

// ErrNotFound is returned when a requested file does not exist.
// Use errors.Is(err, ErrNotFound) to check for this error.
var ErrNotFound = &NotFoundError{}

// NotFoundError represents a missing run artifact.
type NotFoundError struct {
	Run  string
	File string
}

func (e *NotFoundError) Error() string {
	switch {
	case e.Run != "" && e.File != "":
		return fmt.Sprintf("%s not found for run %s", e.File, e.Run)
	case e.Run != "":
		return "run not found: " + e.Run
	}
	return "checkpoint not found"
}

func (e *NotFoundError) Is(target error) bool {
	_, ok := target.(*NotFoundError)
	return ok
}

// CorruptError reports a file that exists but cannot be trusted. It is
// never a reason to fall back to a fresh start.
type CorruptError struct {
	Path string
	Err  error
}

func (e *CorruptError) Error() string {
	return fmt.Sprintf("corrupt checkpoint %s: %v", e.Path, e.Err)
}

func (e *CorruptError) Unwrap() error {
	return e.Err
}

// IsCorrupt reports whether err is or wraps a *CorruptError.
func IsCorrupt(err error) bool {
	var ce *CorruptError
	return errors.As(err, &ce)
}
