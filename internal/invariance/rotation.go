package invariance

import (
	"math"
	"math/rand"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"

	"github.com/cwbudde/cormorant/internal/data"
)

// randomRotation draws a rotation uniformly from SO(3) via a unit quaternion.
func randomRotation(rng *rand.Rand) *mat.Dense {
	u1, u2, u3 := rng.Float64(), rng.Float64(), rng.Float64()
	a, b := math.Sqrt(1-u1), math.Sqrt(u1)
	w := a * math.Sin(2*math.Pi*u2)
	x := a * math.Cos(2*math.Pi*u2)
	y := b * math.Sin(2*math.Pi*u3)
	z := b * math.Cos(2*math.Pi*u3)
	return quaternion(w, x, y, z)
}

// axisAngle maps v to the rotation by |v| radians about v/|v|.
func axisAngle(v []float64) *mat.Dense {
	theta := floats.Norm(v, 2)
	if theta == 0 {
		return quaternion(1, 0, 0, 0)
	}
	s := math.Sin(theta/2) / theta
	return quaternion(math.Cos(theta/2), v[0]*s, v[1]*s, v[2]*s)
}

func quaternion(w, x, y, z float64) *mat.Dense {
	return mat.NewDense(3, 3, []float64{
		1 - 2*(y*y+z*z), 2 * (x*y - w*z), 2 * (x*z + w*y),
		2 * (x*y + w*z), 1 - 2*(x*x+z*z), 2 * (y*z - w*x),
		2 * (x*z - w*y), 2 * (y*z + w*x), 1 - 2*(x*x+y*y),
	})
}

// rotateBatch returns a copy of b with every position p replaced by R·p.
func rotateBatch(b *data.Batch, rot *mat.Dense) *data.Batch {
	out := &data.Batch{Index: b.Index, Targets: b.Targets}
	for _, m := range b.Molecules {
		c := m.Clone()
		n := len(c.Positions)
		if n > 0 {
			flat := make([]float64, 0, 3*n)
			for _, p := range c.Positions {
				flat = append(flat, p[0], p[1], p[2])
			}
			var rotated mat.Dense
			rotated.Mul(mat.NewDense(n, 3, flat), rot.T())
			for i := range c.Positions {
				c.Positions[i] = [3]float64{rotated.At(i, 0), rotated.At(i, 1), rotated.At(i, 2)}
			}
		}
		out.Molecules = append(out.Molecules, c)
	}
	return out
}

// permuteBatch shuffles atom order inside every molecule.
func permuteBatch(b *data.Batch, rng *rand.Rand) *data.Batch {
	out := &data.Batch{Index: b.Index, Targets: b.Targets}
	for _, m := range b.Molecules {
		c := m.Clone()
		for i, j := range rng.Perm(len(m.Charges)) {
			c.Charges[i] = m.Charges[j]
			c.Positions[i] = m.Positions[j]
		}
		out.Molecules = append(out.Molecules, c)
	}
	return out
}

func rotateVectors(vs [][3]float64, rot *mat.Dense) [][3]float64 {
	out := make([][3]float64, len(vs))
	for i, v := range vs {
		var r mat.VecDense
		r.MulVec(rot, mat.NewVecDense(3, []float64{v[0], v[1], v[2]}))
		out[i] = [3]float64{r.AtVec(0), r.AtVec(1), r.AtVec(2)}
	}
	return out
}
