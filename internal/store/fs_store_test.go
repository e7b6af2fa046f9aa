package store

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"testing"
	"time"

	"github.com/cwbudde/cormorant/internal/metrics"
	"github.com/cwbudde/cormorant/internal/optim"
	"github.com/cwbudde/cormorant/internal/schedule"
)

// setupTestStore creates a temporary directory and returns an FSStore for testing.
func setupTestStore(t *testing.T) (*FSStore, string) {
	t.Helper()

	tempDir := t.TempDir()
	store, err := NewFSStore(tempDir)
	if err != nil {
		t.Fatalf("Failed to create test store: %v", err)
	}
	return store, tempDir
}

func testRunConfig() RunConfig {
	return RunConfig{
		Dataset:     "synthetic",
		Target:      "energy",
		Optim:       optim.Adam,
		NumParams:   4,
		NumEpochs:   10,
		Fingerprint: "abc123",
	}
}

// createTestCheckpoint creates a checkpoint taken after epoch 4 with a best
// snapshot from epoch 2.
func createTestCheckpoint(run string) *Checkpoint {
	best := 0.125
	return &Checkpoint{
		Version:   Version,
		Run:       run,
		Session:   "session-1",
		Epoch:     5,
		Minibatch: 12,
		Params:    []float64{0.1, -0.2, 0.3, 1e-17},
		Optimizer: optim.State{
			Kind: optim.Adam,
			Step: 60,
			M:    []float64{0.01, 0.02, 0.03, 0.04},
			V:    []float64{1e-4, 2e-4, 3e-4, 4e-4},
		},
		Schedule: schedule.State{
			Epoch:      5,
			Cycle:      2,
			Position:   2,
			Boundaries: []int{1, 3, 7},
		},
		BestMetric: &best,
		BestEpoch:  2,
		BestParams: []float64{0.11, -0.21, 0.31, 0.41},
		Stats:      metrics.Stats{Mean: -3.5, Std: 0.75},
		Config:     testRunConfig(),
		Timestamp:  time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC),
	}
}

func createTestBest(run string) *Best {
	return &Best{
		Version:   Version,
		Run:       run,
		Session:   "session-1",
		Epoch:     2,
		Metric:    0.125,
		Params:    []float64{0.11, -0.21, 0.31, 0.41},
		Stats:     metrics.Stats{Mean: -3.5, Std: 0.75},
		Config:    testRunConfig(),
		Timestamp: time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC),
	}
}

func TestNewFSStore(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "nested", "work")

	store, err := NewFSStore(dir)
	if err != nil {
		t.Fatalf("NewFSStore failed: %v", err)
	}
	if store.Workdir() != dir {
		t.Errorf("Expected workdir %s, got %s", dir, store.Workdir())
	}
	if _, err := os.Stat(dir); os.IsNotExist(err) {
		t.Fatal("Work directory was not created")
	}
}

func TestSaveCheckpoint(t *testing.T) {
	store, tempDir := setupTestStore(t)

	run := "qm9-run"
	if err := store.SaveCheckpoint(run, createTestCheckpoint(run)); err != nil {
		t.Fatalf("SaveCheckpoint failed: %v", err)
	}

	expectedPath := filepath.Join(tempDir, "runs", run, "checkpoint.json")
	if _, err := os.Stat(expectedPath); os.IsNotExist(err) {
		t.Fatalf("Checkpoint file was not created at %s", expectedPath)
	}

	leftovers, _ := filepath.Glob(expectedPath + ".tmp*")
	if len(leftovers) != 0 {
		t.Errorf("Temp files should not exist after save: %v", leftovers)
	}
}

func TestSaveCheckpoint_Rejects(t *testing.T) {
	store, _ := setupTestStore(t)

	if err := store.SaveCheckpoint("", createTestCheckpoint("x")); err == nil {
		t.Error("Expected error for empty run")
	}
	if err := store.SaveCheckpoint("x", nil); err == nil {
		t.Error("Expected error for nil checkpoint")
	}

	invalid := createTestCheckpoint("x")
	invalid.Schedule.Epoch = 3
	var ve *ValidationError
	if err := store.SaveCheckpoint("x", invalid); !errors.As(err, &ve) {
		t.Errorf("Expected ValidationError, got %v", err)
	}
}

func TestCheckpointRoundTrip(t *testing.T) {
	store, _ := setupTestStore(t)

	tests := []struct {
		name   string
		mutate func(*Checkpoint)
	}{
		{"mid run", func(*Checkpoint) {}},
		{"final epoch", func(c *Checkpoint) {
			c.Epoch = 10
			c.Schedule = schedule.State{Epoch: 10, Cycle: 3, Position: 3, Boundaries: []int{1, 3, 7}}
		}},
		{"no best yet", func(c *Checkpoint) {
			c.Epoch = 0
			c.Minibatch = 0
			c.Schedule = schedule.State{Epoch: 0, Boundaries: []int{1, 3, 7}}
			c.BestMetric = nil
			c.BestEpoch = -1
			c.BestParams = nil
		}},
		{"amsgrad state", func(c *Checkpoint) {
			c.Config.Optim = optim.AMSGrad
			c.Optimizer.Kind = optim.AMSGrad
			c.Optimizer.VMax = []float64{1, 2, 3, 4}
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			original := createTestCheckpoint("rt")
			tt.mutate(original)

			if err := store.SaveCheckpoint("rt", original); err != nil {
				t.Fatalf("SaveCheckpoint failed: %v", err)
			}
			loaded, err := store.LoadCheckpoint("rt")
			if err != nil {
				t.Fatalf("LoadCheckpoint failed: %v", err)
			}
			if !reflect.DeepEqual(loaded, original) {
				t.Errorf("Round trip mismatch:\nsaved  %+v\nloaded %+v", original, loaded)
			}
		})
	}
}

func TestCheckpointBestDefaultsToInfinity(t *testing.T) {
	c := createTestCheckpoint("x")
	if c.Best() != 0.125 {
		t.Errorf("Expected best 0.125, got %v", c.Best())
	}
	c.BestMetric = nil
	if !(c.Best() > 1e308) {
		t.Errorf("Expected +Inf, got %v", c.Best())
	}
}

func TestLoadCheckpoint_NotFound(t *testing.T) {
	store, _ := setupTestStore(t)

	_, err := store.LoadCheckpoint("nonexistent-run")
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("Expected ErrNotFound, got %T: %v", err, err)
	}
	if IsCorrupt(err) {
		t.Error("Missing checkpoint must not be reported as corrupt")
	}
}

func TestLoadCheckpoint_Corrupt(t *testing.T) {
	tests := []struct {
		name    string
		content func(t *testing.T) []byte
	}{
		{"truncated", func(t *testing.T) []byte {
			return []byte(`{"version": 1, "run": "c", "epoch": 5, "par`)
		}},
		{"empty", func(t *testing.T) []byte { return nil }},
		{"not json", func(t *testing.T) []byte { return []byte("PK\x03\x04") }},
		{"inconsistent epoch", func(t *testing.T) []byte {
			return []byte(`{"version":1,"run":"c","epoch":5,"params":[1],"optimizer":{"kind":"adam","step":1},` +
				`"schedule":{"epoch":2,"cycle":0,"position":2,"boundaries":[]},"best_metric":null,"best_epoch":-1,` +
				`"target_stats":{"mean":0,"std":1},"config":{"optim":"adam","num_params":1},"timestamp":"2025-03-01T12:00:00Z"}`)
		}},
		{"future version", func(t *testing.T) []byte {
			return []byte(`{"version":99}`)
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store, tempDir := setupTestStore(t)
			dir := filepath.Join(tempDir, "runs", "c")
			if err := os.MkdirAll(dir, 0755); err != nil {
				t.Fatal(err)
			}
			if err := os.WriteFile(filepath.Join(dir, CheckpointFile), tt.content(t), 0644); err != nil {
				t.Fatal(err)
			}

			_, err := store.LoadCheckpoint("c")
			if !IsCorrupt(err) {
				t.Fatalf("Expected CorruptError, got %T: %v", err, err)
			}
			if errors.Is(err, ErrNotFound) {
				t.Error("Corrupt checkpoint must not match ErrNotFound")
			}
		})
	}
}

func TestBestRoundTrip(t *testing.T) {
	store, _ := setupTestStore(t)

	original := createTestBest("b")
	if err := store.SaveBest("b", original); err != nil {
		t.Fatalf("SaveBest failed: %v", err)
	}
	loaded, err := store.LoadBest("b")
	if err != nil {
		t.Fatalf("LoadBest failed: %v", err)
	}
	if !reflect.DeepEqual(loaded, original) {
		t.Errorf("Round trip mismatch:\nsaved  %+v\nloaded %+v", original, loaded)
	}

	if _, err := store.LoadBest("missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Expected ErrNotFound, got %v", err)
	}
}

func TestSaveCheckpoint_Overwrite(t *testing.T) {
	store, _ := setupTestStore(t)

	first := createTestCheckpoint("ow")
	second := createTestCheckpoint("ow")
	second.Epoch = 6
	second.Schedule.Epoch = 6
	second.Schedule.Position = 3

	if err := store.SaveCheckpoint("ow", first); err != nil {
		t.Fatalf("First save failed: %v", err)
	}
	if err := store.SaveCheckpoint("ow", second); err != nil {
		t.Fatalf("Second save failed: %v", err)
	}

	loaded, err := store.LoadCheckpoint("ow")
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if loaded.Epoch != 6 {
		t.Errorf("Expected Epoch=6, got %d", loaded.Epoch)
	}
}

func TestListCheckpoints_Empty(t *testing.T) {
	store, _ := setupTestStore(t)

	infos, err := store.ListCheckpoints()
	if err != nil {
		t.Fatalf("ListCheckpoints failed: %v", err)
	}
	if len(infos) != 0 {
		t.Errorf("Expected empty list, got %d checkpoints", len(infos))
	}
}

func TestListCheckpoints_SkipsInvalidDirectories(t *testing.T) {
	store, tempDir := setupTestStore(t)

	for _, run := range []string{"run-b", "run-a"} {
		if err := store.SaveCheckpoint(run, createTestCheckpoint(run)); err != nil {
			t.Fatalf("Failed to save checkpoint: %v", err)
		}
	}

	runsDir := filepath.Join(tempDir, "runs")
	if err := os.MkdirAll(filepath.Join(runsDir, "empty-run"), 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.MkdirAll(filepath.Join(runsDir, "broken-run"), 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(runsDir, "broken-run", CheckpointFile), []byte("{"), 0644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(runsDir, "dummy.txt"), []byte("test"), 0644); err != nil {
		t.Fatal(err)
	}

	infos, err := store.ListCheckpoints()
	if err != nil {
		t.Fatalf("ListCheckpoints failed: %v", err)
	}
	if len(infos) != 2 {
		t.Fatalf("Expected 2 checkpoints, got %d", len(infos))
	}
	if infos[0].Run != "run-a" || infos[1].Run != "run-b" {
		t.Errorf("Expected sorted runs, got %s, %s", infos[0].Run, infos[1].Run)
	}
	if infos[0].Epoch != 5 || infos[0].BestEpoch != 2 || *infos[0].BestMetric != 0.125 {
		t.Errorf("Unexpected info: %+v", infos[0])
	}
}

func TestDeleteCheckpoint(t *testing.T) {
	store, _ := setupTestStore(t)

	run := "delete-me"
	if err := store.SaveCheckpoint(run, createTestCheckpoint(run)); err != nil {
		t.Fatalf("SaveCheckpoint failed: %v", err)
	}
	if err := store.SaveBest(run, createTestBest(run)); err != nil {
		t.Fatalf("SaveBest failed: %v", err)
	}

	if err := store.DeleteCheckpoint(run); err != nil {
		t.Fatalf("DeleteCheckpoint failed: %v", err)
	}
	if _, err := os.Stat(store.RunDir(run)); !os.IsNotExist(err) {
		t.Error("Run directory still exists")
	}
	if _, err := store.LoadCheckpoint(run); !errors.Is(err, ErrNotFound) {
		t.Errorf("Expected ErrNotFound, got %v", err)
	}

	if err := store.DeleteCheckpoint(run); !errors.Is(err, ErrNotFound) {
		t.Errorf("Expected ErrNotFound on second delete, got %v", err)
	}
	if err := store.DeleteCheckpoint(""); err == nil {
		t.Error("Expected error for empty run")
	}
}

func TestConcurrentSave(t *testing.T) {
	store, _ := setupTestStore(t)

	const numRuns = 10
	done := make(chan bool, numRuns)

	for i := 0; i < numRuns; i++ {
		go func(idx int) {
			run := fmt.Sprintf("concurrent-%d", idx)
			if err := store.SaveCheckpoint(run, createTestCheckpoint(run)); err != nil {
				t.Errorf("Concurrent save failed for run %s: %v", run, err)
			}
			done <- true
		}(i)
	}
	for i := 0; i < numRuns; i++ {
		<-done
	}

	infos, err := store.ListCheckpoints()
	if err != nil {
		t.Fatalf("ListCheckpoints failed: %v", err)
	}
	if len(infos) != numRuns {
		t.Errorf("Expected %d checkpoints, got %d", numRuns, len(infos))
	}
}

func TestSavePredictions(t *testing.T) {
	store, tempDir := setupTestStore(t)

	p := &Predictions{
		Run:         "p",
		Policy:      PolicyBest,
		Split:       "test",
		Epoch:       2,
		Target:      "energy",
		MAE:         0.5,
		RMSE:        0.6,
		Predictions: []float64{1, 2},
		Targets:     []float64{1.5, 2.5},
	}
	if err := store.SavePredictions("p", p); err != nil {
		t.Fatalf("SavePredictions failed: %v", err)
	}
	if _, err := os.Stat(filepath.Join(tempDir, "runs", "p", "predict.best.test.json")); err != nil {
		t.Fatalf("Predictions file missing: %v", err)
	}

	loaded, err := store.LoadPredictions("p", PolicyBest, "test")
	if err != nil {
		t.Fatalf("LoadPredictions failed: %v", err)
	}
	if !reflect.DeepEqual(loaded, p) {
		t.Errorf("Expected %+v, got %+v", p, loaded)
	}

	p.Policy = "latest"
	if err := store.SavePredictions("p", p); err == nil {
		t.Error("Expected error for unknown policy")
	}
}
