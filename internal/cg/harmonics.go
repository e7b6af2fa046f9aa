package cg

import (
	"math"
	"math/cmplx"
)

// SphericalHarmonics evaluates the orthonormal complex harmonics Y_lm
// (Condon–Shortley phase) for l = 0..maxl in the direction of (x, y, z).
// The result is indexed [l][m+l]. The zero vector yields only Y_00.
func SphericalHarmonics(maxl int, x, y, z float64) [][]complex128 {
	out := make([][]complex128, maxl+1)
	for l := range out {
		out[l] = make([]complex128, 2*l+1)
	}

	r := math.Sqrt(x*x + y*y + z*z)
	out[0][0] = complex(1/math.Sqrt(4*math.Pi), 0)
	if r == 0 {
		return out
	}

	ct := z / r
	st := math.Sqrt(math.Max(0, 1-ct*ct))
	phi := math.Atan2(y, x)

	p := legendre(maxl, ct, st)
	for l := 0; l <= maxl; l++ {
		for m := 0; m <= l; m++ {
			norm := math.Sqrt(float64(2*l+1) / (4 * math.Pi) * ratio(l, m))
			v := complex(norm*p[l][m], 0) * cmplx.Exp(complex(0, float64(m)*phi))
			out[l][m+l] = v
			if m > 0 {
				c := cmplx.Conj(v)
				if m%2 == 1 {
					c = -c
				}
				out[l][l-m] = c
			}
		}
	}
	return out
}

// legendre returns P_l^m(ct) for 0 <= m <= l <= maxl including the
// Condon–Shortley phase. st is sin(theta).
func legendre(maxl int, ct, st float64) [][]float64 {
	p := make([][]float64, maxl+1)
	for l := range p {
		p[l] = make([]float64, l+1)
	}

	pmm := 1.0
	for m := 0; m <= maxl; m++ {
		if m > 0 {
			pmm *= -float64(2*m-1) * st
		}
		p[m][m] = pmm
		if m+1 <= maxl {
			p[m+1][m] = ct * float64(2*m+1) * pmm
		}
		for l := m + 2; l <= maxl; l++ {
			p[l][m] = (float64(2*l-1)*ct*p[l-1][m] - float64(l+m-1)*p[l-2][m]) / float64(l-m)
		}
	}
	return p
}

// ratio returns (l-m)!/(l+m)!.
func ratio(l, m int) float64 {
	r := 1.0
	for k := l - m + 1; k <= l+m; k++ {
		r /= float64(k)
	}
	return r
}
