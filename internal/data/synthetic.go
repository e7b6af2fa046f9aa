package data

import (
	"math"
	"math/rand"
)

// SyntheticOptions configures the built-in molecule generator.
type SyntheticOptions struct {
	Size     int
	Seed     int64
	MinAtoms int
	MaxAtoms int
}

var syntheticSpecies = []int{1, 6, 7, 8}

func (o SyntheticOptions) withDefaults() SyntheticOptions {
	if o.Size <= 0 {
		o.Size = 200
	}
	if o.MinAtoms <= 0 {
		o.MinAtoms = 3
	}
	if o.MaxAtoms < o.MinAtoms {
		o.MaxAtoms = o.MinAtoms + 4
	}
	return o
}

// Synthesize generates a deterministic dataset split 60/20/20 into
// train/valid/test. Targets are rotation and permutation invariant:
// "energy" is a screened pairwise charge interaction and "gyration" the
// radius of gyration.
func Synthesize(opts SyntheticOptions) map[string]*Split {
	opts = opts.withDefaults()
	rng := rand.New(rand.NewSource(opts.Seed))

	mols := make([]*Molecule, opts.Size)
	for i := range mols {
		n := opts.MinAtoms + rng.Intn(opts.MaxAtoms-opts.MinAtoms+1)
		if i == 0 && n < len(syntheticSpecies) {
			n = len(syntheticSpecies)
		}
		mols[i] = synthesizeMolecule(rng, n, i == 0)
	}

	nTrain := opts.Size * 6 / 10
	nValid := opts.Size * 2 / 10
	return map[string]*Split{
		Train: {Name: Train, Molecules: mols[:nTrain]},
		Valid: {Name: Valid, Molecules: mols[nTrain : nTrain+nValid]},
		Test:  {Name: Test, Molecules: mols[nTrain+nValid:]},
	}
}

func synthesizeMolecule(rng *rand.Rand, n int, allSpecies bool) *Molecule {
	m := &Molecule{
		Charges:   make([]int, n),
		Positions: make([][3]float64, n),
	}

	for i := 0; i < n; i++ {
		if allSpecies && i < len(syntheticSpecies) {
			m.Charges[i] = syntheticSpecies[i]
		} else {
			m.Charges[i] = syntheticSpecies[rng.Intn(len(syntheticSpecies))]
		}
		if i == 0 {
			continue
		}

		// Grow the molecule off a random existing atom.
		anchor := m.Positions[rng.Intn(i)]
		dir := [3]float64{rng.NormFloat64(), rng.NormFloat64(), rng.NormFloat64()}
		norm := math.Sqrt(dir[0]*dir[0] + dir[1]*dir[1] + dir[2]*dir[2])
		if norm == 0 {
			dir, norm = [3]float64{1, 0, 0}, 1
		}
		bond := 1.0 + 0.6*rng.Float64()
		for k := range dir {
			m.Positions[i][k] = anchor[k] + bond*dir[k]/norm
		}
	}

	m.Targets = map[string]float64{
		"energy":   syntheticEnergy(m),
		"gyration": gyration(m),
	}
	return m
}

func syntheticEnergy(m *Molecule) float64 {
	var e float64
	for i := range m.Charges {
		e -= 0.5 * math.Sqrt(float64(m.Charges[i]))
		for j := i + 1; j < len(m.Charges); j++ {
			r := distance(m.Positions[i], m.Positions[j])
			e += float64(m.Charges[i]*m.Charges[j]) * math.Exp(-r) / 20
		}
	}
	return e
}

func gyration(m *Molecule) float64 {
	var c [3]float64
	for _, p := range m.Positions {
		for k := range c {
			c[k] += p[k]
		}
	}
	n := float64(len(m.Positions))
	var s float64
	for _, p := range m.Positions {
		for k := range c {
			d := p[k] - c[k]/n
			s += d * d
		}
	}
	return math.Sqrt(s / n)
}

func distance(a, b [3]float64) float64 {
	dx, dy, dz := a[0]-b[0], a[1]-b[1], a[2]-b[2]
	return math.Sqrt(dx*dx + dy*dy + dz*dz)
}
