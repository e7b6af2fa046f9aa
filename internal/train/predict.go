package train

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/cwbudde/cormorant/internal/data"
	"github.com/cwbudde/cormorant/internal/metrics"
	"github.com/cwbudde/cormorant/internal/store"
)

// SplitMetrics are errors in original target units.
type SplitMetrics struct {
	MAE  float64
	RMSE float64
	N    int
}

// PolicyReport holds one model-selection policy's metrics per split.
// Epoch is the last epoch that contributed to the parameters, -1 for
// untrained parameters.
type PolicyReport struct {
	Epoch  int
	Splits map[string]SplitMetrics
}

// Report compares the last checkpoint with the best-validation snapshot.
// Best is nil when no epoch has completed.
type Report struct {
	Final *PolicyReport
	Best  *PolicyReport
}

type evaluation struct {
	SplitMetrics
	pred    []float64
	targets []float64
}

// evaluate runs the model over a split in dataset order without updates.
func (t *Trainer) evaluate(ctx context.Context, split string) (*evaluation, error) {
	s, ok := t.splits[split]
	if !ok {
		return nil, fmt.Errorf("unknown split %s", split)
	}
	opts := t.opts.Loader
	opts.Shuffle = false
	loader := data.NewLoader(s, opts)

	ev := &evaluation{
		pred:    make([]float64, 0, s.Len()),
		targets: make([]float64, 0, s.Len()),
	}
	err := loader.Iterate(ctx, 0, func(b *data.Batch) error {
		pred, err := t.model.Forward(b)
		if err != nil {
			return fmt.Errorf("evaluate %s batch %d: %w", split, b.Index, err)
		}
		ev.pred = append(ev.pred, t.stats.Denormalize(pred)...)
		ev.targets = append(ev.targets, b.Targets...)
		return nil
	})
	if err != nil {
		return nil, err
	}
	ev.MAE = metrics.MAE(ev.pred, ev.targets)
	ev.RMSE = metrics.RMSE(ev.pred, ev.targets)
	ev.N = len(ev.pred)
	return ev, nil
}

// owns reports whether an on-disk record was written by this trainer or by
// the run it resumed.
func (t *Trainer) owns(session string) bool {
	return t.resumed || session == t.opts.Session
}

// Predict evaluates every split with the final parameters and with the best
// snapshot. With saving enabled both are reloaded from disk and prediction
// files are written. The model holds the final parameters afterwards.
func (t *Trainer) Predict(ctx context.Context) (*Report, error) {
	finalParams := append([]float64(nil), t.model.Params()...)
	finalEpoch := t.epoch - 1
	bestParams := t.bestParams
	bestEpoch := t.best.BestEpoch()

	if t.opts.Save {
		ck, err := t.store.LoadCheckpoint(t.opts.Run)
		switch {
		case err == nil && t.owns(ck.Session):
			finalParams, finalEpoch = ck.Params, ck.Epoch-1
		case err == nil:
			slog.Warn("Ignoring checkpoint from another session", "run", t.opts.Run, "session", ck.Session)
		case !errors.Is(err, store.ErrNotFound):
			return nil, fmt.Errorf("reload checkpoint: %w", err)
		}

		best, err := t.store.LoadBest(t.opts.Run)
		switch {
		case err == nil && t.owns(best.Session):
			bestParams, bestEpoch = best.Params, best.Epoch
		case err == nil:
			slog.Warn("Ignoring best snapshot from another session", "run", t.opts.Run, "session", best.Session)
		case !errors.Is(err, store.ErrNotFound):
			return nil, fmt.Errorf("reload best: %w", err)
		}
	}

	defer t.model.SetParams(finalParams)

	report := &Report{}
	var err error
	report.Final, err = t.predictWith(ctx, store.PolicyFinal, finalParams, finalEpoch)
	if err != nil {
		return nil, err
	}
	if len(bestParams) == 0 {
		slog.Warn("No best snapshot, reporting final parameters only", "run", t.opts.Run)
		return report, nil
	}
	report.Best, err = t.predictWith(ctx, store.PolicyBest, bestParams, bestEpoch)
	if err != nil {
		return nil, err
	}
	return report, nil
}

func (t *Trainer) predictWith(ctx context.Context, policy string, params []float64, epoch int) (*PolicyReport, error) {
	if err := t.model.SetParams(params); err != nil {
		return nil, fmt.Errorf("%s parameters: %w", policy, err)
	}

	pr := &PolicyReport{Epoch: epoch, Splits: map[string]SplitMetrics{}}
	for _, split := range data.SplitNames {
		if _, ok := t.splits[split]; !ok {
			continue
		}
		ev, err := t.evaluate(ctx, split)
		if err != nil {
			return nil, err
		}
		pr.Splits[split] = ev.SplitMetrics

		slog.Info("Prediction",
			"policy", policy,
			"epoch", epoch,
			"split", split,
			"mae", ev.MAE,
			"rmse", ev.RMSE,
			"n", ev.N,
		)

		if t.opts.Save {
			if err := t.store.SavePredictions(t.opts.Run, &store.Predictions{
				Run:         t.opts.Run,
				Policy:      policy,
				Split:       split,
				Epoch:       epoch,
				Target:      t.opts.Target,
				MAE:         ev.MAE,
				RMSE:        ev.RMSE,
				Predictions: ev.pred,
				Targets:     ev.targets,
			}); err != nil {
				return nil, err
			}
		}
	}
	return pr, nil
}
