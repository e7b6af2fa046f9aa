package data

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
)

// Options controls dataset loading.
type Options struct {
	// Subset truncates the training split to its first N molecules (0 = all).
	Subset int

	// Target names the regression target. Empty selects the dataset default.
	Target string

	// Synthetic configures the built-in generator.
	Synthetic SyntheticOptions
}

// Result is the loaded dataset plus the constants derived from its
// training split.
type Result struct {
	Splits      map[string]*Split
	Target      string
	Species     []int
	NumSpecies  int
	ChargeScale float64
}

// SpeciesIndex maps a nuclear charge to its one-hot position, or -1.
func (r *Result) SpeciesIndex(z int) int {
	for i, s := range r.Species {
		if s == z {
			return i
		}
	}
	return -1
}

type source struct {
	defaultTarget string
	synthetic     bool
}

var sources = map[string]source{
	"qm9":       {defaultTarget: "U0"},
	"md17":      {defaultTarget: "energy"},
	"synthetic": {defaultTarget: "energy", synthetic: true},
}

// Load reads the named dataset below root and derives the species list and
// charge scale from its training split.
func Load(root, name string, opts Options) (*Result, error) {
	src, ok := sources[name]
	if !ok {
		return nil, &UnknownDatasetError{Name: name}
	}

	target := opts.Target
	if target == "" {
		target = src.defaultTarget
	}

	var splits map[string]*Split
	var err error
	if src.synthetic {
		splits = Synthesize(opts.Synthetic)
	} else {
		splits, err = readFiles(root, name)
	}
	if err != nil {
		return nil, err
	}

	for _, s := range SplitNames {
		if _, ok := splits[s]; !ok {
			return nil, &ResourceError{Path: filepath.Join(root, name), Err: fmt.Errorf("missing %s split", s)}
		}
	}

	for _, s := range SplitNames {
		for i, m := range splits[s].Molecules {
			if err := m.Validate(); err != nil {
				return nil, &FormatError{Path: s, Record: i, Reason: err.Error()}
			}
			if _, ok := m.Targets[target]; !ok {
				return nil, &FormatError{Path: s, Record: i, Reason: "missing target " + target}
			}
		}
	}

	train := splits[Train]
	if opts.Subset > 0 && opts.Subset < train.Len() {
		train = &Split{Name: Train, Molecules: train.Molecules[:opts.Subset]}
		splits[Train] = train
	}
	if train.Len() == 0 {
		return nil, &FormatError{Path: Train, Record: 0, Reason: "training split is empty"}
	}

	species := train.species()
	known := make(map[int]bool, len(species))
	for _, z := range species {
		known[z] = true
	}
	for _, s := range []string{Valid, Test} {
		for _, z := range splits[s].species() {
			if !known[z] {
				return nil, &SpeciesError{Split: s, Charge: z}
			}
		}
	}

	res := &Result{
		Splits:      splits,
		Target:      target,
		Species:     species,
		NumSpecies:  len(species),
		ChargeScale: float64(species[len(species)-1]),
	}

	slog.Info("Dataset loaded",
		"dataset", name,
		"target", target,
		"train", splits[Train].Len(),
		"valid", splits[Valid].Len(),
		"test", splits[Test].Len(),
		"num_species", res.NumSpecies,
		"charge_scale", res.ChargeScale,
	)

	return res, nil
}

// readFiles prefers <root>/<name>.db and falls back to <root>/<name>/*.jsonl.
func readFiles(root, name string) (map[string]*Split, error) {
	dbPath := filepath.Join(root, name+".db")
	if _, err := os.Stat(dbPath); err == nil {
		return ReadSQLite(dbPath)
	}

	dir := filepath.Join(root, name)
	info, err := os.Stat(dir)
	if err != nil {
		return nil, &ResourceError{Path: dir, Err: err}
	}
	if !info.IsDir() {
		return nil, &ResourceError{Path: dir, Err: fmt.Errorf("not a directory")}
	}

	splits := make(map[string]*Split, len(SplitNames))
	for _, s := range SplitNames {
		split, err := ReadJSONL(filepath.Join(dir, s+".jsonl"), s)
		if err != nil {
			return nil, err
		}
		splits[s] = split
	}
	return splits, nil
}
