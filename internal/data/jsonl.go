package data

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// ReadJSONL reads one molecule per line.
func ReadJSONL(path, name string) (*Split, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, &ResourceError{Path: path, Err: err}
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), 16*1024*1024)

	split := &Split{Name: name}
	record := 0
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var m Molecule
		if err := json.Unmarshal(line, &m); err != nil {
			return nil, &FormatError{Path: path, Record: record, Reason: err.Error()}
		}
		split.Molecules = append(split.Molecules, &m)
		record++
	}
	if err := scanner.Err(); err != nil {
		return nil, &ResourceError{Path: path, Err: err}
	}

	return split, nil
}

// WriteJSONL writes every split of a dataset to <dir>/<split>.jsonl.
func WriteJSONL(dir string, splits map[string]*Split) error {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create dataset directory: %w", err)
	}

	for name, split := range splits {
		path := filepath.Join(dir, name+".jsonl")
		f, err := os.Create(path)
		if err != nil {
			return fmt.Errorf("failed to create %s: %w", path, err)
		}

		w := bufio.NewWriter(f)
		enc := json.NewEncoder(w)
		for _, m := range split.Molecules {
			if err := enc.Encode(m); err != nil {
				f.Close()
				return fmt.Errorf("failed to encode molecule: %w", err)
			}
		}
		if err := w.Flush(); err != nil {
			f.Close()
			return fmt.Errorf("failed to flush %s: %w", path, err)
		}
		if err := f.Close(); err != nil {
			return fmt.Errorf("failed to close %s: %w", path, err)
		}
	}
	return nil
}
