package metrics

import (
	"log/slog"
	"math"
)

// BestTracker follows a validation metric where lower is better and counts
// epochs since the last strict improvement.
type BestTracker struct {
	history    []float64
	best       float64
	bestEpoch  int
	staleCount int
}

// NewBestTracker starts with no best (+Inf).
func NewBestTracker() *BestTracker {
	return &BestTracker{
		best:      math.Inf(1),
		bestEpoch: -1,
	}
}

// Restore seeds the tracker from a checkpoint whose next epoch is next.
// The stale count is derived as if every epoch since the best had run in
// this process.
func (b *BestTracker) Restore(best float64, epoch, next int) {
	b.best = best
	b.bestEpoch = epoch
	b.staleCount = max(next-1-epoch, 0)
}

// Update records the metric for epoch and reports whether it strictly
// improves on the best so far. NaN never improves.
func (b *BestTracker) Update(epoch int, metric float64) bool {
	b.history = append(b.history, metric)

	if metric < b.best {
		slog.Debug("Validation improved",
			"epoch", epoch,
			"metric", metric,
			"previous_best", b.best,
		)
		b.best = metric
		b.bestEpoch = epoch
		b.staleCount = 0
		return true
	}

	b.staleCount++
	slog.Debug("No validation improvement",
		"epoch", epoch,
		"metric", metric,
		"best", b.best,
		"stale_count", b.staleCount,
	)
	return false
}

// Best returns the best metric, +Inf if none.
func (b *BestTracker) Best() float64 {
	return b.best
}

// BestEpoch returns the epoch of the best metric, -1 if none.
func (b *BestTracker) BestEpoch() int {
	return b.bestEpoch
}

// HasBest reports whether any metric has been recorded as best.
func (b *BestTracker) HasBest() bool {
	return !math.IsInf(b.best, 1)
}

// History returns the metrics seen in this process.
func (b *BestTracker) History() []float64 {
	return append([]float64{}, b.history...)
}

// StaleCount returns epochs since the last improvement.
func (b *BestTracker) StaleCount() int {
	return b.staleCount
}
