package main

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/cwbudde/cormorant/internal/metrics"
	"github.com/cwbudde/cormorant/internal/optim"
	"github.com/cwbudde/cormorant/internal/schedule"
	"github.com/cwbudde/cormorant/internal/store"
)

func createCheckpoint(run string, timestamp time.Time) *store.Checkpoint {
	best := 0.5
	return &store.Checkpoint{
		Version:    store.Version,
		Run:        run,
		Session:    "0f8fad5b-d9cb-469f-a165-70867728950e",
		Epoch:      3,
		Minibatch:  9,
		Params:     []float64{1, 2, 3},
		Optimizer:  optim.State{Kind: optim.Adam, Step: 9, M: []float64{0, 0, 0}, V: []float64{0, 0, 0}},
		Schedule:   schedule.State{Epoch: 3, Cycle: 1, Position: 2, Boundaries: []int{1, 3}},
		BestMetric: &best,
		BestEpoch:  1,
		BestParams: []float64{1, 2, 2},
		Stats:      metrics.Stats{Mean: 0, Std: 1},
		Config: store.RunConfig{
			Dataset:     "synthetic",
			Target:      "energy",
			Optim:       optim.Adam,
			NumParams:   3,
			NumEpochs:   5,
			Fingerprint: "fp",
		},
		Timestamp: timestamp,
	}
}

func runs(infos []store.CheckpointInfo) map[string]bool {
	out := make(map[string]bool, len(infos))
	for _, info := range infos {
		out[info.Run] = true
	}
	return out
}

func TestSelectCheckpointsForDeletion(t *testing.T) {
	now := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	infos := []store.CheckpointInfo{
		{Run: "run1", Timestamp: now.AddDate(0, 0, -10)},
		{Run: "run2", Timestamp: now.AddDate(0, 0, -5)},
		{Run: "run3", Timestamp: now.AddDate(0, 0, -1)},
		{Run: "run4", Timestamp: now.AddDate(0, 0, -30)},
		{Run: "run5", Timestamp: now.AddDate(0, 0, -2)},
	}

	tests := []struct {
		name      string
		keepLast  int
		olderThan int
		expected  []string
	}{
		{"by age", 0, 7, []string{"run4", "run1"}},
		{"by count", 2, 0, []string{"run4", "run1", "run2"}},
		{"combined", 4, 7, []string{"run4", "run1"}},
		{"combined count dominates", 1, 7, []string{"run4", "run1", "run2", "run5"}},
		{"nothing matches", 10, 60, nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			toDelete := selectCheckpointsForDeletion(infos, tt.keepLast, tt.olderThan, now)
			if len(toDelete) != len(tt.expected) {
				t.Fatalf("Expected %d runs to delete, got %d", len(tt.expected), len(toDelete))
			}
			for i, info := range toDelete {
				if info.Run != tt.expected[i] {
					t.Errorf("Position %d: expected %s, got %s", i, tt.expected[i], info.Run)
				}
			}
		})
	}
}

func TestSelectCheckpointsForDeletionDoesNotReorderInput(t *testing.T) {
	now := time.Now()
	infos := []store.CheckpointInfo{
		{Run: "b", Timestamp: now},
		{Run: "a", Timestamp: now.AddDate(0, 0, -1)},
	}
	selectCheckpointsForDeletion(infos, 1, 0, now)
	if infos[0].Run != "b" {
		t.Error("Input slice was reordered")
	}
}

func TestGetDirSize(t *testing.T) {
	tmpDir := t.TempDir()

	content := []byte("Hello, World!")
	if err := os.WriteFile(filepath.Join(tmpDir, "a.txt"), content, 0644); err != nil {
		t.Fatalf("Failed to create test file: %v", err)
	}
	if err := os.MkdirAll(filepath.Join(tmpDir, "sub"), 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(tmpDir, "sub", "b.txt"), content, 0644); err != nil {
		t.Fatal(err)
	}

	size, err := getDirSize(tmpDir)
	if err != nil {
		t.Fatalf("getDirSize failed: %v", err)
	}
	if size != int64(2*len(content)) {
		t.Errorf("Expected size %d, got %d", 2*len(content), size)
	}
}

func TestFormatHelpers(t *testing.T) {
	if got := shortID("0f8fad5b-d9cb"); got != "0f8fad5b" {
		t.Errorf("Expected 0f8fad5b, got %s", got)
	}
	if got := shortID("abc"); got != "abc" {
		t.Errorf("Expected abc, got %s", got)
	}
	if got := formatBest(nil); got != "-" {
		t.Errorf("Expected -, got %s", got)
	}
	best := 0.25
	if got := formatBest(&best); got != "0.250000" {
		t.Errorf("Expected 0.250000, got %s", got)
	}
	if got := formatBestEpoch(store.CheckpointInfo{BestEpoch: 3}); got != "-" {
		t.Errorf("Expected - without a best metric, got %s", got)
	}
}

func TestCheckpointsListCommand(t *testing.T) {
	tmpDir := t.TempDir()

	originalWorkdir := checkpointWorkdir
	checkpointWorkdir = tmpDir
	defer func() { checkpointWorkdir = originalWorkdir }()

	if err := runListCheckpoints(nil, nil); err != nil {
		t.Errorf("Expected no error without runs, got %v", err)
	}

	checkpointStore, err := store.NewFSStore(tmpDir)
	if err != nil {
		t.Fatalf("Failed to create store: %v", err)
	}
	if err := checkpointStore.SaveCheckpoint("run-a", createCheckpoint("run-a", time.Now())); err != nil {
		t.Fatalf("Failed to save checkpoint: %v", err)
	}

	if err := runListCheckpoints(nil, nil); err != nil {
		t.Errorf("Expected no error, got %v", err)
	}
}

func TestCheckpointsCleanCommand_NoFlags(t *testing.T) {
	originalWorkdir := checkpointWorkdir
	checkpointWorkdir = t.TempDir()
	defer func() { checkpointWorkdir = originalWorkdir }()

	keepLast = 0
	olderThanDays = 0

	if err := runCleanCheckpoints(nil, nil); err == nil {
		t.Error("Expected error when no flags specified")
	}
}

func TestCheckpointsCleanCommand_WithForce(t *testing.T) {
	tmpDir := t.TempDir()

	checkpointStore, err := store.NewFSStore(tmpDir)
	if err != nil {
		t.Fatalf("Failed to create store: %v", err)
	}
	if err := checkpointStore.SaveCheckpoint("old-run", createCheckpoint("old-run", time.Now().AddDate(0, 0, -30))); err != nil {
		t.Fatalf("Failed to save checkpoint: %v", err)
	}
	if err := checkpointStore.SaveCheckpoint("new-run", createCheckpoint("new-run", time.Now())); err != nil {
		t.Fatalf("Failed to save checkpoint: %v", err)
	}

	originalWorkdir := checkpointWorkdir
	checkpointWorkdir = tmpDir
	defer func() { checkpointWorkdir = originalWorkdir }()

	keepLast = 0
	olderThanDays = 7
	forceClean = true
	defer func() { olderThanDays, forceClean = 0, false }()

	if err := runCleanCheckpoints(nil, nil); err != nil {
		t.Errorf("Expected no error, got %v", err)
	}

	infos, err := checkpointStore.ListCheckpoints()
	if err != nil {
		t.Fatal(err)
	}
	if left := runs(infos); len(left) != 1 || !left["new-run"] {
		t.Errorf("Expected only new-run to remain, got %v", left)
	}
}

func TestStatusCommand(t *testing.T) {
	tmpDir := t.TempDir()

	checkpointStore, err := store.NewFSStore(tmpDir)
	if err != nil {
		t.Fatal(err)
	}
	if err := checkpointStore.SaveCheckpoint("run-a", createCheckpoint("run-a", time.Now())); err != nil {
		t.Fatal(err)
	}

	originalWorkdir := statusWorkdir
	statusWorkdir = tmpDir
	defer func() { statusWorkdir = originalWorkdir }()

	if err := runStatus(nil, []string{"run-a"}); err != nil {
		t.Errorf("Expected no error without a trace, got %v", err)
	}

	writer, err := store.NewTraceWriter(tmpDir, "run-a", false)
	if err != nil {
		t.Fatal(err)
	}
	for e := 0; e < 3; e++ {
		if err := writer.Write(store.TraceEntry{Epoch: e, LR: 0.1, ValidMAE: 1 / float64(e+1), Improved: true}); err != nil {
			t.Fatal(err)
		}
	}
	if err := writer.Close(); err != nil {
		t.Fatal(err)
	}

	if err := runStatus(nil, []string{"run-a"}); err != nil {
		t.Errorf("Expected no error with a trace, got %v", err)
	}

	if err := runStatus(nil, []string{"missing"}); err == nil {
		t.Error("Expected error for a missing run")
	}
}
