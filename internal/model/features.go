package model

import (
	"math"

	"github.com/cwbudde/cormorant/internal/cg"
	"github.com/cwbudde/cormorant/internal/data"
)

// levelWidth is the number of invariants one radial channel contributes:
// MaxSH+1 power-spectrum terms from the first level and MaxL+1 from each
// further coupling level.
func levelWidth(hp Hyperparameters) int {
	return (hp.MaxSH + 1) + (hp.NumCGLevels-1)*(hp.MaxL+1)
}

// descriptor returns the rotation-invariant environment of atom i.
func (m *Cormorant) descriptor(mol *data.Molecule, i int) []float64 {
	nr := m.hp.BasisSet[0]
	width := levelWidth(m.hp)
	out := make([]float64, nr*width)

	dens := make([][][]complex128, nr)
	for c := range dens {
		dens[c] = zeroTensor(m.hp.MaxSH)
	}

	pi := mol.Positions[i]
	for j := range mol.Charges {
		if j == i {
			continue
		}
		pj := mol.Positions[j]
		dx, dy, dz := pj[0]-pi[0], pj[1]-pi[1], pj[2]-pi[2]
		r := math.Sqrt(dx*dx + dy*dy + dz*dz)
		if r == 0 {
			continue
		}
		cut := m.cutoff(r)
		if cut == 0 {
			continue
		}

		q := float64(mol.Charges[j]) / m.chargeScale
		y := cg.SphericalHarmonics(m.hp.MaxSH, dx, dy, dz)
		g := m.radial(r)
		for c := range dens {
			w := complex(q*cut*g[c], 0)
			for l := range y {
				for k := range y[l] {
					dens[c][l][k] += w * y[l][k]
				}
			}
		}
	}

	levelGain := gain(m.hp.LevelGain)
	for c := range dens {
		row := out[c*width : (c+1)*width]
		v := dens[c]
		off := 0
		scale := 1.0
		for level := 1; level <= m.hp.NumCGLevels; level++ {
			for l := range v {
				row[off+l] = scale * m.invariant(v[l], l)
			}
			off += len(v)
			if level < m.hp.NumCGLevels {
				v = m.couple(v, dens[c])
				scale *= levelGain
			}
		}
	}
	return out
}

// invariant contracts a rank-l spherical tensor with itself to l=0.
func (m *Cormorant) invariant(v []complex128, l int) float64 {
	var s complex128
	for mm := -l; mm <= l; mm++ {
		c := m.basis.Coefficient(l, mm, l, -mm, 0, 0)
		s += complex(c, 0) * v[mm+l] * v[-mm+l]
	}
	return real(s)
}

// couple forms the Clebsch–Gordan product v ⊗ a, keeping ranks up to MaxL.
func (m *Cormorant) couple(v, a [][]complex128) [][]complex128 {
	out := zeroTensor(m.hp.MaxL)
	for L := range out {
		for l1 := range v {
			for l2 := range a {
				if L < abs(l1-l2) || L > l1+l2 {
					continue
				}
				for M := -L; M <= L; M++ {
					var s complex128
					for m1 := -l1; m1 <= l1; m1++ {
						m2 := M - m1
						if abs(m2) > l2 {
							continue
						}
						c := m.basis.Coefficient(l1, m1, l2, m2, L, M)
						if c == 0 {
							continue
						}
						s += complex(c, 0) * v[l1][m1+l1] * a[l2][m2+l2]
					}
					out[L][M+L] += s
				}
			}
		}
	}
	return out
}

// radial evaluates the radial basis functions at r.
func (m *Cormorant) radial(r float64) []float64 {
	nr := m.hp.BasisSet[0]
	rmax := float64(m.hp.BasisSet[1])
	spacing := rmax / float64(max(nr-1, 1))

	g := make([]float64, nr)
	for c := range g {
		if m.hp.GaussianMask {
			x := (r - float64(c)*spacing) / spacing
			g[c] = math.Exp(-x * x)
		} else {
			g[c] = math.Exp(-r * float64(c+1) / rmax)
		}
	}
	return g
}

// cutoff multiplies the configured cutoff envelopes.
func (m *Cormorant) cutoff(r float64) float64 {
	f := 1.0
	for _, kind := range m.hp.CutoffType {
		switch kind {
		case "hard":
			if r >= m.hp.HardCutRad {
				return 0
			}
		case "soft":
			f *= 1 / (1 + math.Exp((r-m.hp.SoftCutRad)/m.hp.SoftCutWidth))
		}
	}
	return f
}

func zeroTensor(maxl int) [][]complex128 {
	t := make([][]complex128, maxl+1)
	for l := range t {
		t[l] = make([]complex128, 2*l+1)
	}
	return t
}

func abs(x int) int {
	if x < 0 {
		return -x
	}
	return x
}
