package model

import (
	"math"
	"math/rand"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
)

// head is the trainable readout over pooled invariants. Parameters live in
// the model's flat vector; heads only know their layout.
type head interface {
	size() int
	init(p []float64, rng *rand.Rand, scheme string, gain float64)
	forward(p, phi []float64) float64
	backward(p, grad, phi []float64, dOut float64)
}

func draw(rng *rand.Rand, scheme string) float64 {
	if scheme == "randn" {
		return rng.NormFloat64()
	}
	return 2*rng.Float64() - 1
}

// linearHead: y = w·φ + b. Layout [w (in) | b].
type linearHead struct {
	in int
}

func (h linearHead) size() int {
	return h.in + 1
}

func (h linearHead) init(p []float64, rng *rand.Rand, scheme string, gain float64) {
	scale := gain / math.Sqrt(float64(h.in))
	for i := 0; i < h.in; i++ {
		p[i] = scale * draw(rng, scheme)
	}
}

func (h linearHead) forward(p, phi []float64) float64 {
	return floats.Dot(p[:h.in], phi) + p[h.in]
}

func (h linearHead) backward(p, grad, phi []float64, dOut float64) {
	floats.AddScaled(grad[:h.in], dOut, phi)
	grad[h.in] += dOut
}

// mlpHead: y = w2·tanh(W1 φ + b1) + b2.
// Layout [W1 (hidden×in, row-major) | b1 (hidden) | w2 (hidden) | b2].
type mlpHead struct {
	in, hidden int
}

func (h mlpHead) size() int {
	return h.hidden*h.in + 2*h.hidden + 1
}

func (h mlpHead) split(p []float64) (w1 *mat.Dense, b1, w2 []float64, b2 *float64) {
	n := h.hidden * h.in
	w1 = mat.NewDense(h.hidden, h.in, p[:n])
	b1 = p[n : n+h.hidden]
	w2 = p[n+h.hidden : n+2*h.hidden]
	b2 = &p[n+2*h.hidden]
	return
}

func (h mlpHead) init(p []float64, rng *rand.Rand, scheme string, gain float64) {
	n := h.hidden * h.in
	s1 := gain / math.Sqrt(float64(h.in))
	for i := 0; i < n; i++ {
		p[i] = s1 * draw(rng, scheme)
	}
	s2 := gain / math.Sqrt(float64(h.hidden))
	for i := n + h.hidden; i < n+2*h.hidden; i++ {
		p[i] = s2 * draw(rng, scheme)
	}
}

func (h mlpHead) hiddenLayer(p, phi []float64) []float64 {
	w1, b1, _, _ := h.split(p)
	var pre mat.VecDense
	pre.MulVec(w1, mat.NewVecDense(h.in, phi))
	act := make([]float64, h.hidden)
	for k := range act {
		act[k] = math.Tanh(pre.AtVec(k) + b1[k])
	}
	return act
}

func (h mlpHead) forward(p, phi []float64) float64 {
	_, _, w2, b2 := h.split(p)
	return floats.Dot(w2, h.hiddenLayer(p, phi)) + *b2
}

func (h mlpHead) backward(p, grad, phi []float64, dOut float64) {
	act := h.hiddenLayer(p, phi)
	_, _, w2, _ := h.split(p)
	gw1, gb1, gw2, gb2 := h.split(grad)

	floats.AddScaled(gw2, dOut, act)
	*gb2 += dOut

	dpre := make([]float64, h.hidden)
	for k := range dpre {
		dpre[k] = dOut * w2[k] * (1 - act[k]*act[k])
	}
	floats.Add(gb1, dpre)
	gw1.RankOne(gw1, 1, mat.NewVecDense(h.hidden, dpre), mat.NewVecDense(h.in, phi))
}
