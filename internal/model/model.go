// Package model implements a rotation- and permutation-invariant network
// over molecular point clouds. Angular information enters through neighbour
// densities expanded in spherical harmonics and coupled to invariants with
// Clebsch–Gordan coefficients; a small readout head maps the pooled
// invariants to one scalar per molecule.
package model

import (
	"fmt"
	"math"
	"math/rand"

	"github.com/cwbudde/cormorant/internal/cg"
	"github.com/cwbudde/cormorant/internal/data"
	"github.com/cwbudde/cormorant/internal/device"
)

// Model maps batches to one prediction per molecule and exposes a flat
// parameter vector for the optimizer.
type Model interface {
	Forward(b *data.Batch) ([]float64, error)
	// Backward returns dL/dparams given dL/dpredictions.
	Backward(b *data.Batch, dOut []float64) ([]float64, error)
	// Params returns the live parameter vector; optimizers update it in place.
	Params() []float64
	SetParams(p []float64) error
}

// Hyperparameters fixes the structure of the network.
type Hyperparameters struct {
	NumCGLevels   int
	MaxL          int
	MaxSH         int
	NumChannels   int
	LevelGain     float64
	ChargePower   int
	HardCutRad    float64
	SoftCutRad    float64
	SoftCutWidth  float64
	CutoffType    []string
	BasisSet      [2]int
	WeightInit    string
	GaussianMask  bool
	Top           string
	Input         string
	NumMPNNLevels int
	Seed          int64
}

// BasisOrder is the coupling order the model needs from the basis cache.
func (hp Hyperparameters) BasisOrder() int {
	return hp.MaxL + hp.MaxSH
}

// Validate checks structural hyperparameters.
func (hp Hyperparameters) Validate() error {
	switch {
	case hp.NumCGLevels < 1:
		return fmt.Errorf("num_cg_levels must be >= 1, got %d", hp.NumCGLevels)
	case hp.MaxL < 0:
		return fmt.Errorf("maxl must be >= 0, got %d", hp.MaxL)
	case hp.MaxSH < 0:
		return fmt.Errorf("max_sh must be >= 0, got %d", hp.MaxSH)
	case hp.NumChannels < 1:
		return fmt.Errorf("num_channels must be >= 1, got %d", hp.NumChannels)
	case hp.ChargePower < 0:
		return fmt.Errorf("charge_power must be >= 0, got %d", hp.ChargePower)
	case hp.BasisSet[0] < 1 || hp.BasisSet[1] < 1:
		return fmt.Errorf("basis_set entries must be >= 1, got %v", hp.BasisSet)
	case hp.NumMPNNLevels < 0:
		return fmt.Errorf("num_mpnn_levels must be >= 0, got %d", hp.NumMPNNLevels)
	}
	switch hp.Top {
	case "linear", "pmlp":
	default:
		return fmt.Errorf("unknown top %q", hp.Top)
	}
	switch hp.Input {
	case "linear", "mpnn":
	default:
		return fmt.Errorf("unknown input %q", hp.Input)
	}
	switch hp.WeightInit {
	case "rand", "randn":
	default:
		return fmt.Errorf("unknown weight_init %q", hp.WeightInit)
	}
	for _, c := range hp.CutoffType {
		switch c {
		case "hard", "soft":
		default:
			return fmt.Errorf("unknown cutoff type %q", c)
		}
	}
	return nil
}

// Cormorant is the concrete invariant network.
type Cormorant struct {
	hp          Hyperparameters
	species     []int
	chargeScale float64
	basis       *cg.Basis
	dctx        device.Context

	atomDim   int
	descDim   int
	nFeatures int
	head      head
	params    []float64
}

// New builds a network for a dataset with the given species list and charge
// scale. basis must cover hp.BasisOrder().
func New(hp Hyperparameters, species []int, chargeScale float64, basis *cg.Basis, dctx device.Context) (*Cormorant, error) {
	if err := hp.Validate(); err != nil {
		return nil, err
	}
	if len(species) == 0 {
		return nil, fmt.Errorf("no species")
	}
	if chargeScale <= 0 {
		return nil, fmt.Errorf("charge scale must be positive, got %v", chargeScale)
	}
	if basis == nil || basis.MaxL < hp.BasisOrder() {
		return nil, fmt.Errorf("basis does not cover order %d", hp.BasisOrder())
	}

	m := &Cormorant{
		hp:          hp,
		species:     append([]int(nil), species...),
		chargeScale: chargeScale,
		basis:       basis,
		dctx:        dctx,
	}
	m.atomDim = len(species) * (hp.ChargePower + 1)
	m.descDim = hp.BasisSet[0] * levelWidth(hp)
	m.nFeatures = m.atomDim * m.descDim

	switch hp.Top {
	case "linear":
		m.head = linearHead{in: m.nFeatures}
	case "pmlp":
		m.head = mlpHead{in: m.nFeatures, hidden: hp.NumChannels}
	}

	m.params = make([]float64, m.head.size())
	m.head.init(m.params, rand.New(rand.NewSource(hp.Seed)), hp.WeightInit, gain(hp.LevelGain))

	return m, nil
}

func gain(g float64) float64 {
	if g <= 0 {
		return 1
	}
	return g
}

// NumParams returns the parameter count.
func (m *Cormorant) NumParams() int {
	return len(m.params)
}

// NumSpecies returns the one-hot width.
func (m *Cormorant) NumSpecies() int {
	return len(m.species)
}

// Hyperparameters returns the structural configuration.
func (m *Cormorant) Hyperparameters() Hyperparameters {
	return m.hp
}

func (m *Cormorant) Params() []float64 {
	return m.params
}

func (m *Cormorant) SetParams(p []float64) error {
	if len(p) != len(m.params) {
		return fmt.Errorf("parameter length mismatch: expected %d, got %d", len(m.params), len(p))
	}
	copy(m.params, p)
	return nil
}

// Snapshot returns a detached copy of the parameters.
func (m *Cormorant) Snapshot() []float64 {
	return append([]float64(nil), m.params...)
}

// Restore loads parameters previously taken with Snapshot.
func (m *Cormorant) Restore(snap []float64) error {
	return m.SetParams(snap)
}

// Forward predicts one scalar per molecule.
func (m *Cormorant) Forward(b *data.Batch) ([]float64, error) {
	out := make([]float64, b.Size())
	for i, mol := range b.Molecules {
		phi, err := m.features(mol)
		if err != nil {
			return nil, fmt.Errorf("molecule %d: %w", i, err)
		}
		out[i] = m.head.forward(m.params, phi)
	}
	return out, nil
}

// Backward accumulates the parameter gradient over the batch.
func (m *Cormorant) Backward(b *data.Batch, dOut []float64) ([]float64, error) {
	if len(dOut) != b.Size() {
		return nil, fmt.Errorf("gradient length mismatch: expected %d, got %d", b.Size(), len(dOut))
	}
	grad := make([]float64, len(m.params))
	for i, mol := range b.Molecules {
		phi, err := m.features(mol)
		if err != nil {
			return nil, fmt.Errorf("molecule %d: %w", i, err)
		}
		m.head.backward(m.params, grad, phi, dOut[i])
	}
	return grad, nil
}

// features computes the pooled, squashed invariant feature vector.
func (m *Cormorant) features(mol *data.Molecule) ([]float64, error) {
	atoms, err := m.atomScalars(mol)
	if err != nil {
		return nil, err
	}
	if m.hp.Input == "mpnn" {
		atoms = m.passMessages(mol, atoms)
	}

	phi := make([]float64, m.nFeatures)
	for i := range mol.Charges {
		d := m.descriptor(mol, i)
		for a, av := range atoms[i] {
			if av == 0 {
				continue
			}
			row := phi[a*m.descDim : (a+1)*m.descDim]
			for k, dv := range d {
				row[k] += av * dv
			}
		}
	}
	for k, v := range phi {
		phi[k] = m.dctx.Round(math.Asinh(v))
	}
	return phi, nil
}

// atomScalars builds the one-hot species × charge-power features.
func (m *Cormorant) atomScalars(mol *data.Molecule) ([][]float64, error) {
	out := make([][]float64, len(mol.Charges))
	for i, z := range mol.Charges {
		s := -1
		for k, sp := range m.species {
			if sp == z {
				s = k
				break
			}
		}
		if s < 0 {
			return nil, fmt.Errorf("unknown species %d", z)
		}
		row := make([]float64, m.atomDim)
		q := float64(z) / m.chargeScale
		pw := 1.0
		for p := 0; p <= m.hp.ChargePower; p++ {
			row[s*(m.hp.ChargePower+1)+p] = pw
			pw *= q
		}
		out[i] = row
	}
	return out, nil
}

// passMessages smooths atom scalars over the radial neighbourhood.
func (m *Cormorant) passMessages(mol *data.Molecule, atoms [][]float64) [][]float64 {
	n := len(atoms)
	for level := 0; level < m.hp.NumMPNNLevels; level++ {
		next := make([][]float64, n)
		for i := 0; i < n; i++ {
			row := append([]float64(nil), atoms[i]...)
			for j := 0; j < n; j++ {
				if i == j {
					continue
				}
				r := distance(mol.Positions[i], mol.Positions[j])
				w := m.cutoff(r) * math.Exp(-r)
				if w == 0 {
					continue
				}
				for k, v := range atoms[j] {
					row[k] += w * v
				}
			}
			next[i] = row
		}
		atoms = next
	}
	return atoms
}

func distance(a, b [3]float64) float64 {
	dx, dy, dz := a[0]-b[0], a[1]-b[1], a[2]-b[2]
	return math.Sqrt(dx*dx + dy*dy + dz*dz)
}
