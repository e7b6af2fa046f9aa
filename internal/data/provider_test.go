package data

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func TestLoadSynthetic(t *testing.T) {
	res, err := Load("", "synthetic", Options{Synthetic: SyntheticOptions{Size: 50, Seed: 1}})
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if res.Splits[Train].Len() != 30 || res.Splits[Valid].Len() != 10 || res.Splits[Test].Len() != 10 {
		t.Errorf("Unexpected split sizes: %d/%d/%d",
			res.Splits[Train].Len(), res.Splits[Valid].Len(), res.Splits[Test].Len())
	}
	if res.NumSpecies != 4 {
		t.Errorf("Expected 4 species, got %d", res.NumSpecies)
	}
	if res.ChargeScale != 8 {
		t.Errorf("Expected charge scale 8, got %v", res.ChargeScale)
	}
	if res.Target != "energy" {
		t.Errorf("Expected default target energy, got %s", res.Target)
	}
	if res.SpeciesIndex(6) != 1 || res.SpeciesIndex(9) != -1 {
		t.Error("SpeciesIndex mapping incorrect")
	}
}

func TestLoadSyntheticDeterministic(t *testing.T) {
	a := Synthesize(SyntheticOptions{Size: 20, Seed: 7})
	b := Synthesize(SyntheticOptions{Size: 20, Seed: 7})
	for _, s := range SplitNames {
		for i := range a[s].Molecules {
			if a[s].Molecules[i].Targets["energy"] != b[s].Molecules[i].Targets["energy"] {
				t.Fatalf("Split %s molecule %d differs between runs", s, i)
			}
		}
	}
}

func TestLoadUnknownDataset(t *testing.T) {
	_, err := Load(t.TempDir(), "nope", Options{})
	var ue *UnknownDatasetError
	if !errors.As(err, &ue) {
		t.Fatalf("Expected UnknownDatasetError, got %v", err)
	}
}

func TestLoadMissingPath(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing"), "qm9", Options{})
	var re *ResourceError
	if !errors.As(err, &re) {
		t.Fatalf("Expected ResourceError, got %v", err)
	}
	if !errors.Is(err, os.ErrNotExist) {
		t.Errorf("Expected wrapped ErrNotExist, got %v", err)
	}
}

func TestLoadJSONL(t *testing.T) {
	root := t.TempDir()
	splits := Synthesize(SyntheticOptions{Size: 30, Seed: 3})
	if err := WriteJSONL(filepath.Join(root, "qm9"), splits); err != nil {
		t.Fatalf("WriteJSONL failed: %v", err)
	}

	res, err := Load(root, "qm9", Options{Target: "gyration"})
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	got := res.Splits[Valid].Molecules[2]
	want := splits[Valid].Molecules[2]
	if got.Targets["gyration"] != want.Targets["gyration"] {
		t.Errorf("Target mismatch: got %v, want %v", got.Targets["gyration"], want.Targets["gyration"])
	}
	if got.Positions[1] != want.Positions[1] {
		t.Errorf("Position mismatch: got %v, want %v", got.Positions[1], want.Positions[1])
	}
}

func TestLoadSQLite(t *testing.T) {
	root := t.TempDir()
	splits := Synthesize(SyntheticOptions{Size: 30, Seed: 4})
	if err := WriteSQLite(filepath.Join(root, "md17.db"), splits); err != nil {
		t.Fatalf("WriteSQLite failed: %v", err)
	}

	res, err := Load(root, "md17", Options{})
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	for _, s := range SplitNames {
		if res.Splits[s].Len() != splits[s].Len() {
			t.Fatalf("Split %s: expected %d molecules, got %d", s, splits[s].Len(), res.Splits[s].Len())
		}
	}
	got := res.Splits[Train].Molecules[5]
	want := splits[Train].Molecules[5]
	if got.Targets["energy"] != want.Targets["energy"] || len(got.Charges) != len(want.Charges) {
		t.Error("SQLite round trip changed molecule 5")
	}
}

func TestLoadMissingTarget(t *testing.T) {
	root := t.TempDir()
	if err := WriteJSONL(filepath.Join(root, "qm9"), Synthesize(SyntheticOptions{Size: 10, Seed: 1})); err != nil {
		t.Fatalf("WriteJSONL failed: %v", err)
	}
	_, err := Load(root, "qm9", Options{})
	var fe *FormatError
	if !errors.As(err, &fe) {
		t.Fatalf("Expected FormatError for missing U0, got %v", err)
	}
}

func TestLoadSubset(t *testing.T) {
	res, err := Load("", "synthetic", Options{Subset: 5, Synthetic: SyntheticOptions{Size: 50, Seed: 1}})
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if res.Splits[Train].Len() != 5 {
		t.Errorf("Expected 5 training molecules, got %d", res.Splits[Train].Len())
	}
}

func TestLoadSpeciesMismatch(t *testing.T) {
	root := t.TempDir()
	splits := Synthesize(SyntheticOptions{Size: 30, Seed: 5})
	odd := splits[Test].Molecules[0].Clone()
	odd.Charges[0] = 9
	splits[Test].Molecules[0] = odd
	if err := WriteJSONL(filepath.Join(root, "md17"), splits); err != nil {
		t.Fatalf("WriteJSONL failed: %v", err)
	}

	_, err := Load(root, "md17", Options{})
	var se *SpeciesError
	if !errors.As(err, &se) {
		t.Fatalf("Expected SpeciesError, got %v", err)
	}
	if se.Split != Test || se.Charge != 9 {
		t.Errorf("Unexpected error detail: %+v", se)
	}
}

func TestReadJSONLMalformed(t *testing.T) {
	path := filepath.Join(t.TempDir(), "train.jsonl")
	if err := os.WriteFile(path, []byte("{\"charges\": [1]}\n{broken\n"), 0644); err != nil {
		t.Fatal(err)
	}
	_, err := ReadJSONL(path, Train)
	var fe *FormatError
	if !errors.As(err, &fe) {
		t.Fatalf("Expected FormatError, got %v", err)
	}
	if fe.Record != 1 {
		t.Errorf("Expected record 1, got %d", fe.Record)
	}
}
