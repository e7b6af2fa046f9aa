package search

import (
	"math"
	"testing"
)

// sphere has its minimum at c in every coordinate.
func shiftedSphere(c float64) func([]float64) float64 {
	return func(x []float64) float64 {
		var sum float64
		for _, v := range x {
			sum += (v - c) * (v - c)
		}
		return sum
	}
}

func TestMayflyOnSphere(t *testing.T) {
	m := NewMayfly(100, 20, 42)

	dim := 3
	lower := []float64{-10, -10, -10}
	upper := []float64{10, 10, 10}

	best, cost, err := m.Minimize(shiftedSphere(0), lower, upper, dim)
	if err != nil {
		t.Fatalf("Minimize failed: %v", err)
	}
	if len(best) != dim {
		t.Fatalf("Expected %d parameters, got %d", dim, len(best))
	}
	if cost > 0.1 {
		t.Errorf("Expected cost near 0, got %f", cost)
	}
	for i, v := range best {
		if math.Abs(v) > 1.0 {
			t.Errorf("Parameter %d = %f, expected near 0", i, v)
		}
	}
}

func TestMayflyPerDimensionBounds(t *testing.T) {
	m := NewMayfly(100, 20, 7)

	lower := []float64{0, 100}
	upper := []float64{1, 200}
	best, _, err := m.Minimize(shiftedSphere(0.5), lower, upper, 2)
	if err != nil {
		t.Fatalf("Minimize failed: %v", err)
	}
	for i, v := range best {
		if v < lower[i] || v > upper[i] {
			t.Errorf("Parameter %d = %f outside [%v, %v]", i, v, lower[i], upper[i])
		}
	}
	if math.Abs(best[0]-0.5) > 0.1 {
		t.Errorf("Expected first coordinate near 0.5, got %f", best[0])
	}
	if best[1] > 110 {
		t.Errorf("Expected second coordinate pushed to its lower bound, got %f", best[1])
	}
}

func TestMayflyDeterministic(t *testing.T) {
	lower := []float64{-5, -5}
	upper := []float64{5, 5}

	_, cost1, err := NewMayfly(50, 20, 123).Minimize(shiftedSphere(1), lower, upper, 2)
	if err != nil {
		t.Fatalf("Minimize failed: %v", err)
	}
	_, cost2, err := NewMayfly(50, 20, 123).Minimize(shiftedSphere(1), lower, upper, 2)
	if err != nil {
		t.Fatalf("Minimize failed: %v", err)
	}
	if cost1 != cost2 {
		t.Errorf("Non-deterministic: cost1=%f, cost2=%f", cost1, cost2)
	}
}

func TestMayflyRejectsBadBounds(t *testing.T) {
	m := NewMayfly(10, 20, 1)
	if _, _, err := m.Minimize(shiftedSphere(0), []float64{0}, []float64{1, 2}, 2); err == nil {
		t.Error("Expected error for mismatched bounds")
	}
	if _, _, err := m.Minimize(shiftedSphere(0), []float64{1}, []float64{1}, 1); err == nil {
		t.Error("Expected error for empty interval")
	}
}

func TestPopulationFloor(t *testing.T) {
	if m := NewMayfly(10, 5, 1); m.popSize != MinPopulation {
		t.Errorf("Expected population %d, got %d", MinPopulation, m.popSize)
	}
}
