// Package metrics computes regression errors, alpha-smoothed running
// averages and target normalization statistics.
package metrics

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"
)

// MAE is the mean absolute error.
func MAE(pred, target []float64) float64 {
	if len(pred) == 0 {
		return 0
	}
	return floats.Distance(pred, target, 1) / float64(len(pred))
}

// RMSE is the root mean squared error.
func RMSE(pred, target []float64) float64 {
	if len(pred) == 0 {
		return 0
	}
	d := floats.Distance(pred, target, 2)
	return d / math.Sqrt(float64(len(pred)))
}

// MSE is the mean squared error and its gradient with respect to pred.
func MSE(pred, target []float64) (float64, []float64) {
	n := float64(len(pred))
	grad := make([]float64, len(pred))
	var loss float64
	for i := range pred {
		d := pred[i] - target[i]
		loss += d * d
		grad[i] = 2 * d / n
	}
	return loss / n, grad
}

// Running is an exponentially smoothed pair of batch MAE and RMSE.
// The first update initializes the averages.
type Running struct {
	alpha float64
	mae   float64
	rmse  float64
	n     int
}

// NewRunning creates a smoother; alpha is the weight kept from history.
func NewRunning(alpha float64) *Running {
	return &Running{alpha: alpha}
}

// Update folds in one batch.
func (r *Running) Update(mae, rmse float64) {
	if r.n == 0 {
		r.mae, r.rmse = mae, rmse
	} else {
		r.mae = r.alpha*r.mae + (1-r.alpha)*mae
		r.rmse = r.alpha*r.rmse + (1-r.alpha)*rmse
	}
	r.n++
}

// MAE returns the smoothed mean absolute error.
func (r *Running) MAE() float64 { return r.mae }

// RMSE returns the smoothed root mean squared error.
func (r *Running) RMSE() float64 { return r.rmse }

// Count returns the number of updates.
func (r *Running) Count() int { return r.n }

// Stats normalizes targets by the training split's mean and standard
// deviation. Predictions are made in normalized units and reported in
// original units.
type Stats struct {
	Mean float64 `json:"mean"`
	Std  float64 `json:"std"`
}

// ComputeStats derives normalization from training targets. A constant
// target keeps unit scale.
func ComputeStats(targets []float64) (Stats, error) {
	if len(targets) == 0 {
		return Stats{}, fmt.Errorf("no targets")
	}
	for i, v := range targets {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return Stats{}, fmt.Errorf("target %d is not finite: %v", i, v)
		}
	}
	mean, std := stat.MeanStdDev(targets, nil)
	if len(targets) < 2 || !(std > 0) {
		std = 1
	}
	return Stats{Mean: mean, Std: std}, nil
}

// Normalize maps targets into model units.
func (s Stats) Normalize(v []float64) []float64 {
	out := make([]float64, len(v))
	for i, x := range v {
		out[i] = (x - s.Mean) / s.Std
	}
	return out
}

// Denormalize maps model outputs back into target units.
func (s Stats) Denormalize(v []float64) []float64 {
	out := make([]float64, len(v))
	for i, x := range v {
		out[i] = x*s.Std + s.Mean
	}
	return out
}
