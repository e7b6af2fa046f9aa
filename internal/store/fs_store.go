package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
)

// File names inside a run directory.
const (
	CheckpointFile = "checkpoint.json"
	BestFile       = "best.json"
	TraceFile      = "trace.jsonl"
	ConfigFile     = "config.yaml"
)

// FSStore implements Store on the filesystem. Runs are stored under
// <workdir>/runs/<run>/.
//
// Writes go to a temp file in the same directory, are fsynced and then
// renamed over the target, so a reader sees either the old or the new file.
type FSStore struct {
	workdir string
}

// NewFSStore creates a filesystem store rooted at workdir, creating it if
// needed.
func NewFSStore(workdir string) (*FSStore, error) {
	if err := os.MkdirAll(workdir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create work directory: %w", err)
	}
	return &FSStore{workdir: workdir}, nil
}

// Workdir returns the root directory.
func (fs *FSStore) Workdir() string {
	return fs.workdir
}

// RunDir returns the directory holding a run's artifacts.
func (fs *FSStore) RunDir(run string) string {
	return filepath.Join(fs.workdir, "runs", run)
}

// Path returns the path of a named file inside a run directory.
func (fs *FSStore) Path(run, name string) string {
	return filepath.Join(fs.RunDir(run), name)
}

// SaveCheckpoint atomically saves the run's resumable checkpoint.
func (fs *FSStore) SaveCheckpoint(run string, checkpoint *Checkpoint) error {
	if run == "" {
		return fmt.Errorf("run cannot be empty")
	}
	if checkpoint == nil {
		return fmt.Errorf("checkpoint cannot be nil")
	}
	if err := checkpoint.Validate(); err != nil {
		return fmt.Errorf("refusing to save invalid checkpoint: %w", err)
	}
	path := fs.Path(run, CheckpointFile)
	if err := fs.writeJSON(run, path, checkpoint); err != nil {
		return err
	}
	slog.Debug("Checkpoint saved", "run", run, "epoch", checkpoint.Epoch, "path", path)
	return nil
}

// LoadCheckpoint reads the run's checkpoint.
func (fs *FSStore) LoadCheckpoint(run string) (*Checkpoint, error) {
	if run == "" {
		return nil, fmt.Errorf("run cannot be empty")
	}
	path := fs.Path(run, CheckpointFile)
	var checkpoint Checkpoint
	if err := readJSON(run, path, &checkpoint); err != nil {
		return nil, err
	}
	if err := checkpoint.Validate(); err != nil {
		return nil, &CorruptError{Path: path, Err: err}
	}
	slog.Debug("Checkpoint loaded", "run", run, "epoch", checkpoint.Epoch, "path", path)
	return &checkpoint, nil
}

// SaveBest atomically saves the run's best snapshot.
func (fs *FSStore) SaveBest(run string, best *Best) error {
	if run == "" {
		return fmt.Errorf("run cannot be empty")
	}
	if best == nil {
		return fmt.Errorf("best snapshot cannot be nil")
	}
	if err := best.Validate(); err != nil {
		return fmt.Errorf("refusing to save invalid best snapshot: %w", err)
	}
	path := fs.Path(run, BestFile)
	if err := fs.writeJSON(run, path, best); err != nil {
		return err
	}
	slog.Debug("Best snapshot saved", "run", run, "epoch", best.Epoch, "metric", best.Metric)
	return nil
}

// LoadBest reads the run's best snapshot.
func (fs *FSStore) LoadBest(run string) (*Best, error) {
	if run == "" {
		return nil, fmt.Errorf("run cannot be empty")
	}
	path := fs.Path(run, BestFile)
	var best Best
	if err := readJSON(run, path, &best); err != nil {
		return nil, err
	}
	if err := best.Validate(); err != nil {
		return nil, &CorruptError{Path: path, Err: err}
	}
	return &best, nil
}

// ListCheckpoints returns metadata for all runs with a readable checkpoint,
// sorted by run name. Corrupt checkpoints are logged and skipped.
func (fs *FSStore) ListCheckpoints() ([]CheckpointInfo, error) {
	runsDir := filepath.Join(fs.workdir, "runs")

	entries, err := os.ReadDir(runsDir)
	if errors.Is(err, os.ErrNotExist) {
		return []CheckpointInfo{}, nil
	} else if err != nil {
		return nil, fmt.Errorf("failed to read runs directory: %w", err)
	}

	infos := []CheckpointInfo{}
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		run := entry.Name()
		checkpoint, err := fs.LoadCheckpoint(run)
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			slog.Warn("Failed to load checkpoint for listing", "run", run, "error", err)
			continue
		}
		infos = append(infos, checkpoint.ToInfo())
	}

	sort.Slice(infos, func(i, j int) bool { return infos[i].Run < infos[j].Run })
	slog.Debug("Listed checkpoints", "count", len(infos))
	return infos, nil
}

// DeleteCheckpoint removes the run directory and everything in it.
func (fs *FSStore) DeleteCheckpoint(run string) error {
	if run == "" {
		return fmt.Errorf("run cannot be empty")
	}
	dir := fs.RunDir(run)
	if _, err := os.Stat(dir); errors.Is(err, os.ErrNotExist) {
		return &NotFoundError{Run: run}
	} else if err != nil {
		return fmt.Errorf("failed to stat run directory: %w", err)
	}
	if err := os.RemoveAll(dir); err != nil {
		return fmt.Errorf("failed to remove run directory: %w", err)
	}
	slog.Debug("Run deleted", "run", run, "path", dir)
	return nil
}

// WriteFile atomically writes an arbitrary artifact into the run directory.
func (fs *FSStore) WriteFile(run, name string, data []byte) error {
	if err := os.MkdirAll(fs.RunDir(run), 0755); err != nil {
		return fmt.Errorf("failed to create run directory: %w", err)
	}
	return writeAtomic(fs.Path(run, name), data)
}

func (fs *FSStore) writeJSON(run, path string, v any) error {
	if err := os.MkdirAll(fs.RunDir(run), 0755); err != nil {
		return fmt.Errorf("failed to create run directory: %w", err)
	}
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to serialize %s: %w", filepath.Base(path), err)
	}
	return writeAtomic(path, data)
}

func readJSON(run, path string, v any) error {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return &NotFoundError{Run: run, File: filepath.Base(path)}
	} else if err != nil {
		return fmt.Errorf("failed to read %s: %w", path, err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return &CorruptError{Path: path, Err: err}
	}
	return nil
}

// writeAtomic writes data to a temp file next to path, syncs it and
// renames it into place.
func writeAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".tmp*")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpPath := tmp.Name()
	cleanup := func() {
		tmp.Close()
		os.Remove(tmpPath)
	}

	if _, err := tmp.Write(data); err != nil {
		cleanup()
		return fmt.Errorf("failed to write temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		cleanup()
		return fmt.Errorf("failed to sync temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to close temp file: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to rename %s: %w", filepath.Base(path), err)
	}

	// Persist the rename itself. Not all platforms allow syncing a directory.
	if d, err := os.Open(dir); err == nil {
		_ = d.Sync()
		d.Close()
	}
	return nil
}
