package model

import (
	"math"
	"strings"
	"testing"

	"github.com/cwbudde/cormorant/internal/cg"
	"github.com/cwbudde/cormorant/internal/data"
	"github.com/cwbudde/cormorant/internal/device"
)

var double = device.Context{Device: device.CPU, Precision: device.Double}

func testHyperparameters() Hyperparameters {
	return Hyperparameters{
		NumCGLevels:   2,
		MaxL:          2,
		MaxSH:         2,
		NumChannels:   4,
		LevelGain:     1,
		ChargePower:   2,
		HardCutRad:    4.0,
		SoftCutRad:    3.5,
		SoftCutWidth:  0.5,
		CutoffType:    []string{"soft"},
		BasisSet:      [2]int{3, 3},
		WeightInit:    "randn",
		GaussianMask:  true,
		Top:           "pmlp",
		Input:         "linear",
		NumMPNNLevels: 1,
		Seed:          1,
	}
}

func newTestModel(t *testing.T, hp Hyperparameters) *Cormorant {
	t.Helper()
	basis, err := cg.Build(hp.BasisOrder(), double)
	if err != nil {
		t.Fatalf("Build basis failed: %v", err)
	}
	m, err := New(hp, []int{1, 6, 7, 8}, 8, basis, double)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	return m
}

func testBatch() *data.Batch {
	splits := data.Synthesize(data.SyntheticOptions{Size: 10, Seed: 9})
	mols := splits[data.Train].Molecules[:4]
	b := &data.Batch{Molecules: mols, Targets: make([]float64, len(mols))}
	for i, m := range mols {
		b.Targets[i] = m.Targets["energy"]
	}
	return b
}

func rotate(b *data.Batch, rot [3][3]float64) *data.Batch {
	out := &data.Batch{Targets: b.Targets}
	for _, m := range b.Molecules {
		c := m.Clone()
		for i, p := range c.Positions {
			var q [3]float64
			for r := 0; r < 3; r++ {
				q[r] = rot[r][0]*p[0] + rot[r][1]*p[1] + rot[r][2]*p[2]
			}
			c.Positions[i] = q
		}
		out.Molecules = append(out.Molecules, c)
	}
	return out
}

func reverseAtoms(b *data.Batch) *data.Batch {
	out := &data.Batch{Targets: b.Targets}
	for _, m := range b.Molecules {
		c := m.Clone()
		n := len(c.Charges)
		for i := 0; i < n/2; i++ {
			c.Charges[i], c.Charges[n-1-i] = c.Charges[n-1-i], c.Charges[i]
			c.Positions[i], c.Positions[n-1-i] = c.Positions[n-1-i], c.Positions[i]
		}
		out.Molecules = append(out.Molecules, c)
	}
	return out
}

func assertClose(t *testing.T, name string, a, b []float64, tol float64) {
	t.Helper()
	for i := range a {
		if math.Abs(a[i]-b[i]) > tol*math.Max(1, math.Abs(a[i])) {
			t.Errorf("%s: prediction %d differs: %v vs %v", name, i, a[i], b[i])
		}
	}
}

func TestForwardInvariance(t *testing.T) {
	variants := map[string]func(*Hyperparameters){
		"default":    func(*Hyperparameters) {},
		"linear top": func(hp *Hyperparameters) { hp.Top = "linear" },
		"mpnn input": func(hp *Hyperparameters) { hp.Input = "mpnn"; hp.NumMPNNLevels = 2 },
		"three levels hard cut": func(hp *Hyperparameters) {
			hp.NumCGLevels = 3
			hp.CutoffType = []string{"hard", "soft"}
			hp.GaussianMask = false
		},
	}

	// Rotation by 0.7 rad about (1,2,2)/3.
	rot := axisAngle([3]float64{1.0 / 3, 2.0 / 3, 2.0 / 3}, 0.7)

	for name, mutate := range variants {
		t.Run(name, func(t *testing.T) {
			hp := testHyperparameters()
			mutate(&hp)
			m := newTestModel(t, hp)
			b := testBatch()

			base, err := m.Forward(b)
			if err != nil {
				t.Fatalf("Forward failed: %v", err)
			}
			permuted, err := m.Forward(reverseAtoms(b))
			if err != nil {
				t.Fatalf("Forward failed: %v", err)
			}
			rotated, err := m.Forward(rotate(b, rot))
			if err != nil {
				t.Fatalf("Forward failed: %v", err)
			}

			assertClose(t, "permutation", base, permuted, 1e-9)
			assertClose(t, "rotation", base, rotated, 1e-9)
		})
	}
}

func axisAngle(u [3]float64, theta float64) [3][3]float64 {
	c, s := math.Cos(theta), math.Sin(theta)
	x, y, z := u[0], u[1], u[2]
	return [3][3]float64{
		{c + x*x*(1-c), x*y*(1-c) - z*s, x*z*(1-c) + y*s},
		{y*x*(1-c) + z*s, c + y*y*(1-c), y*z*(1-c) - x*s},
		{z*x*(1-c) - y*s, z*y*(1-c) + x*s, c + z*z*(1-c)},
	}
}

func TestBackwardMatchesFiniteDifference(t *testing.T) {
	for _, top := range []string{"linear", "pmlp"} {
		t.Run(top, func(t *testing.T) {
			hp := testHyperparameters()
			hp.Top = top
			hp.NumChannels = 3
			hp.MaxL, hp.MaxSH = 1, 1
			m := newTestModel(t, hp)
			b := testBatch()

			// L = sum_k c_k * pred_k with fixed weights.
			dOut := []float64{0.3, -1.2, 0.7, 0.1}
			loss := func() float64 {
				pred, err := m.Forward(b)
				if err != nil {
					t.Fatalf("Forward failed: %v", err)
				}
				var s float64
				for i, p := range pred {
					s += dOut[i] * p
				}
				return s
			}

			grad, err := m.Backward(b, dOut)
			if err != nil {
				t.Fatalf("Backward failed: %v", err)
			}

			params := m.Params()
			const h = 1e-6
			for _, idx := range []int{0, 1, len(params) / 2, len(params) - 2, len(params) - 1} {
				orig := params[idx]
				params[idx] = orig + h
				up := loss()
				params[idx] = orig - h
				down := loss()
				params[idx] = orig

				numeric := (up - down) / (2 * h)
				if math.Abs(numeric-grad[idx]) > 1e-5*math.Max(1, math.Abs(numeric)) {
					t.Errorf("param %d: analytic %v, numeric %v", idx, grad[idx], numeric)
				}
			}
		})
	}
}

func TestParamCounts(t *testing.T) {
	hp := testHyperparameters()
	m := newTestModel(t, hp)

	atomDim := 4 * (hp.ChargePower + 1)
	descDim := hp.BasisSet[0] * ((hp.MaxSH + 1) + (hp.NumCGLevels-1)*(hp.MaxL+1))
	in := atomDim * descDim
	want := hp.NumChannels*in + 2*hp.NumChannels + 1
	if m.NumParams() != want {
		t.Errorf("Expected %d params, got %d", want, m.NumParams())
	}

	hp.Top = "linear"
	m = newTestModel(t, hp)
	if m.NumParams() != in+1 {
		t.Errorf("Expected %d params, got %d", in+1, m.NumParams())
	}
}

func TestInitDeterministic(t *testing.T) {
	a := newTestModel(t, testHyperparameters())
	b := newTestModel(t, testHyperparameters())
	for i := range a.Params() {
		if a.Params()[i] != b.Params()[i] {
			t.Fatalf("Parameter %d differs for identical seeds", i)
		}
	}
}

func TestSetParamsLength(t *testing.T) {
	m := newTestModel(t, testHyperparameters())
	if err := m.SetParams(make([]float64, 3)); err == nil {
		t.Error("Expected error for wrong parameter length")
	}
}

func TestForwardUnknownSpecies(t *testing.T) {
	m := newTestModel(t, testHyperparameters())
	b := &data.Batch{Molecules: []*data.Molecule{{
		Charges:   []int{9, 1},
		Positions: [][3]float64{{0, 0, 0}, {1, 0, 0}},
	}}}
	_, err := m.Forward(b)
	if err == nil || !strings.Contains(err.Error(), "unknown species") {
		t.Errorf("Expected unknown species error, got %v", err)
	}
}

func TestNewRejectsSmallBasis(t *testing.T) {
	hp := testHyperparameters()
	basis, err := cg.Build(1, double)
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}
	if _, err := New(hp, []int{1}, 1, basis, double); err == nil {
		t.Error("Expected error for basis below required order")
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Hyperparameters)
	}{
		{"zero levels", func(hp *Hyperparameters) { hp.NumCGLevels = 0 }},
		{"negative maxl", func(hp *Hyperparameters) { hp.MaxL = -1 }},
		{"bad top", func(hp *Hyperparameters) { hp.Top = "deep" }},
		{"bad input", func(hp *Hyperparameters) { hp.Input = "conv" }},
		{"bad init", func(hp *Hyperparameters) { hp.WeightInit = "zeros" }},
		{"bad cutoff", func(hp *Hyperparameters) { hp.CutoffType = []string{"learn"} }},
		{"bad basis", func(hp *Hyperparameters) { hp.BasisSet = [2]int{0, 3} }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			hp := testHyperparameters()
			tt.mutate(&hp)
			if err := hp.Validate(); err == nil {
				t.Error("Expected validation error")
			}
		})
	}
}

func TestSnapshotDetached(t *testing.T) {
	m := newTestModel(t, testHyperparameters())
	snap := m.Snapshot()
	m.Params()[0] += 1
	if snap[0] == m.Params()[0] {
		t.Fatal("Snapshot shares storage with live parameters")
	}
	if err := m.Restore(snap); err != nil {
		t.Fatalf("Restore failed: %v", err)
	}
	if m.Params()[0] != snap[0] {
		t.Errorf("Expected restored param %v, got %v", snap[0], m.Params()[0])
	}
}
