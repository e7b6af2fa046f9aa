// Package data loads molecular datasets and serves them as batches.
package data

import (
	"fmt"
	"sort"
)

// Split names.
const (
	Train = "train"
	Valid = "valid"
	Test  = "test"
)

// SplitNames lists the splits in reporting order.
var SplitNames = []string{Train, Valid, Test}

// Molecule is one point cloud: per-atom nuclear charges and positions plus
// named scalar targets.
type Molecule struct {
	Charges   []int              `json:"charges"`
	Positions [][3]float64       `json:"positions"`
	Targets   map[string]float64 `json:"targets"`
}

// NumAtoms returns the number of atoms.
func (m *Molecule) NumAtoms() int {
	return len(m.Charges)
}

// Validate checks structural consistency.
func (m *Molecule) Validate() error {
	if len(m.Charges) == 0 {
		return fmt.Errorf("molecule has no atoms")
	}
	if len(m.Charges) != len(m.Positions) {
		return fmt.Errorf("charges/positions length mismatch: %d vs %d", len(m.Charges), len(m.Positions))
	}
	for _, z := range m.Charges {
		if z <= 0 {
			return fmt.Errorf("invalid nuclear charge %d", z)
		}
	}
	return nil
}

// Clone returns a deep copy.
func (m *Molecule) Clone() *Molecule {
	c := &Molecule{
		Charges:   append([]int(nil), m.Charges...),
		Positions: append([][3]float64(nil), m.Positions...),
		Targets:   make(map[string]float64, len(m.Targets)),
	}
	for k, v := range m.Targets {
		c.Targets[k] = v
	}
	return c
}

// Split is an ordered, immutable collection of molecules.
type Split struct {
	Name      string
	Molecules []*Molecule
}

// Len returns the number of molecules.
func (s *Split) Len() int {
	return len(s.Molecules)
}

// Targets extracts the named target of every molecule in order.
func (s *Split) Targets(name string) []float64 {
	out := make([]float64, len(s.Molecules))
	for i, m := range s.Molecules {
		out[i] = m.Targets[name]
	}
	return out
}

// species returns the sorted distinct charges of the split.
func (s *Split) species() []int {
	seen := map[int]bool{}
	for _, m := range s.Molecules {
		for _, z := range m.Charges {
			seen[z] = true
		}
	}
	out := make([]int, 0, len(seen))
	for z := range seen {
		out = append(out, z)
	}
	sort.Ints(out)
	return out
}
