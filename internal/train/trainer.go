// Package train runs the epoch loop: optimizer steps at scheduled learning
// rates, validation, best-snapshot tracking and atomic checkpoints that let
// an interrupted run resume exactly where the last completed epoch left off.
package train

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/google/uuid"
	"gonum.org/v1/gonum/floats"

	"github.com/cwbudde/cormorant/internal/data"
	"github.com/cwbudde/cormorant/internal/metrics"
	"github.com/cwbudde/cormorant/internal/model"
	"github.com/cwbudde/cormorant/internal/optim"
	"github.com/cwbudde/cormorant/internal/schedule"
	"github.com/cwbudde/cormorant/internal/store"
)

// State is the trainer's lifecycle position.
type State int

const (
	Fresh State = iota
	Resumed
	Training
	Done
)

func (s State) String() string {
	switch s {
	case Fresh:
		return "FRESH"
	case Resumed:
		return "RESUMED"
	case Training:
		return "TRAINING"
	case Done:
		return "DONE"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// LossFunc returns the loss and its gradient with respect to predictions.
type LossFunc func(pred, target []float64) (float64, []float64)

// EpochResult summarizes a completed epoch.
type EpochResult struct {
	Epoch     int
	LR        float64
	TrainMAE  float64
	TrainRMSE float64
	ValidMAE  float64
	ValidRMSE float64
	Improved  bool
	Duration  time.Duration
}

// Options configures a Trainer.
type Options struct {
	Run       string
	Session   string
	NumEpochs int
	Target    string
	Loader    data.LoaderOptions
	// Alpha smooths the running minibatch metrics.
	Alpha    float64
	LogEvery int
	// Load reads an existing checkpoint; Save writes checkpoints, the best
	// snapshot, the trace and prediction files.
	Load bool
	Save bool
	// Config is stamped into checkpoints and must match on resume.
	Config store.RunConfig
	// OnEpoch is called after each epoch's checkpoint is written.
	OnEpoch func(EpochResult)
}

// Trainer owns the model, optimizer and schedule for one run. It is not
// safe for concurrent use.
type Trainer struct {
	opts   Options
	model  model.Model
	loss   LossFunc
	opt    *optim.Optimizer
	sched  *schedule.Schedule
	splits map[string]*data.Split
	store  *store.FSStore

	train *data.Loader
	stats metrics.Stats

	state      State
	epoch      int
	minibatch  int
	best       *metrics.BestTracker
	bestParams []float64
	// resumed marks that on-disk records belong to this trainer's history.
	resumed bool
}

// New wires a trainer. splits must contain train and valid; test is
// optional. A nil loss uses mean squared error.
func New(opts Options, m model.Model, loss LossFunc, opt *optim.Optimizer, sched *schedule.Schedule, splits map[string]*data.Split, st *store.FSStore) (*Trainer, error) {
	if opts.Run == "" {
		return nil, fmt.Errorf("run name cannot be empty")
	}
	if opts.NumEpochs < 0 {
		return nil, fmt.Errorf("num epochs must be >= 0, got %d", opts.NumEpochs)
	}
	if (opts.Load || opts.Save) && st == nil {
		return nil, fmt.Errorf("checkpoint store required when loading or saving")
	}
	for _, name := range []string{data.Train, data.Valid} {
		if s, ok := splits[name]; !ok || s.Len() == 0 {
			return nil, fmt.Errorf("split %s is missing or empty", name)
		}
	}
	if loss == nil {
		loss = metrics.MSE
	}
	if opts.Session == "" {
		opts.Session = uuid.NewString()
	}
	if opts.LogEvery <= 0 {
		opts.LogEvery = 1
	}
	opts.Loader.Target = opts.Target
	opts.Config.Target = opts.Target
	opts.Config.Optim = opt.Kind()
	opts.Config.NumParams = len(m.Params())
	opts.Config.NumEpochs = opts.NumEpochs

	stats, err := metrics.ComputeStats(splits[data.Train].Targets(opts.Target))
	if err != nil {
		return nil, fmt.Errorf("target statistics: %w", err)
	}

	return &Trainer{
		opts:   opts,
		model:  m,
		loss:   loss,
		opt:    opt,
		sched:  sched,
		splits: splits,
		store:  st,
		train:  data.NewLoader(splits[data.Train], opts.Loader),
		stats:  stats,
		best:   metrics.NewBestTracker(),
	}, nil
}

// State returns the lifecycle state.
func (t *Trainer) State() State { return t.state }

// Epoch returns the next epoch to run.
func (t *Trainer) Epoch() int { return t.epoch }

// Session returns this process's session ID.
func (t *Trainer) Session() string { return t.opts.Session }

// Best returns the best validation MAE and its epoch; +Inf and -1 before
// any epoch completes.
func (t *Trainer) Best() (float64, int) { return t.best.Best(), t.best.BestEpoch() }

// Stats returns the target normalization in use.
func (t *Trainer) Stats() metrics.Stats { return t.stats }

// MinibatchesPerEpoch is the number of optimizer steps per epoch.
func (t *Trainer) MinibatchesPerEpoch() int { return t.train.Len() }

// LoadCheckpoint restores the run's checkpoint if one exists. A missing
// checkpoint leaves the trainer FRESH; a corrupt or incompatible one is an
// error.
func (t *Trainer) LoadCheckpoint(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if !t.opts.Load {
		t.state = Fresh
		t.resumed = false
		slog.Info("Checkpoint loading disabled, starting fresh", "run", t.opts.Run)
		return nil
	}

	ck, err := t.store.LoadCheckpoint(t.opts.Run)
	if errors.Is(err, store.ErrNotFound) {
		t.state = Fresh
		t.resumed = false
		slog.Info("No checkpoint found, starting fresh", "run", t.opts.Run)
		return nil
	}
	if err != nil {
		return fmt.Errorf("load checkpoint: %w", err)
	}

	if err := ck.Config.IsCompatible(t.opts.Config); err != nil {
		return fmt.Errorf("checkpoint %s: %w", t.opts.Run, err)
	}
	if ck.Stats != t.stats {
		return fmt.Errorf("checkpoint %s: %w", t.opts.Run, &store.CompatibilityError{
			Field:    "Stats",
			Expected: fmt.Sprintf("%+v", ck.Stats),
			Actual:   fmt.Sprintf("%+v", t.stats),
		})
	}
	if err := t.sched.Verify(ck.Schedule); err != nil {
		return fmt.Errorf("checkpoint %s: %w", t.opts.Run, err)
	}
	if err := t.model.SetParams(ck.Params); err != nil {
		return fmt.Errorf("restore params: %w", err)
	}
	if err := t.opt.LoadState(ck.Optimizer); err != nil {
		return fmt.Errorf("restore optimizer: %w", err)
	}

	t.epoch = ck.Epoch
	t.minibatch = ck.Minibatch
	t.best = metrics.NewBestTracker()
	t.bestParams = nil
	if ck.BestMetric != nil {
		t.best.Restore(*ck.BestMetric, ck.BestEpoch, ck.Epoch)
		t.bestParams = append([]float64(nil), ck.BestParams...)
	}
	t.state = Resumed
	t.resumed = true

	slog.Info("Resumed from checkpoint",
		"run", t.opts.Run,
		"epoch", t.epoch,
		"previous_session", ck.Session,
		"session", t.opts.Session,
		"best_metric", t.best.Best(),
		"best_epoch", t.best.BestEpoch(),
	)
	return nil
}

// Train runs epochs until the budget is exhausted. Cancellation is checked
// between batches; an interrupted epoch leaves the previous checkpoint in
// place.
func (t *Trainer) Train(ctx context.Context) error {
	t.state = Training

	var trace *store.TraceWriter
	if t.opts.Save && t.epoch < t.opts.NumEpochs {
		var err error
		trace, err = store.NewTraceWriter(t.store.Workdir(), t.opts.Run, t.epoch > 0)
		if err != nil {
			return err
		}
		defer trace.Close()
	}

	slog.Info("Training started",
		"run", t.opts.Run,
		"start_epoch", t.epoch,
		"num_epochs", t.opts.NumEpochs,
		"minibatches_per_epoch", t.train.Len(),
		"boundaries", t.sched.Boundaries(),
	)

	for e := t.epoch; e < t.opts.NumEpochs; e++ {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("interrupted before epoch %d: %w", e, err)
		}
		res, err := t.runEpoch(ctx, e)
		if err != nil {
			return err
		}

		if res.Improved {
			t.bestParams = append([]float64(nil), t.model.Params()...)
			if t.opts.Save {
				if err := t.store.SaveBest(t.opts.Run, t.bestRecord(e, res.ValidMAE)); err != nil {
					return fmt.Errorf("save best: %w", err)
				}
			}
		}

		t.epoch = e + 1
		if t.opts.Save {
			if err := t.store.SaveCheckpoint(t.opts.Run, t.checkpoint()); err != nil {
				return fmt.Errorf("save checkpoint: %w", err)
			}
			if err := trace.Write(store.TraceEntry{
				Session:   t.opts.Session,
				Epoch:     e,
				LR:        res.LR,
				TrainMAE:  res.TrainMAE,
				TrainRMSE: res.TrainRMSE,
				ValidMAE:  res.ValidMAE,
				ValidRMSE: res.ValidRMSE,
				Improved:  res.Improved,
				Seconds:   res.Duration.Seconds(),
				Timestamp: time.Now(),
			}); err != nil {
				return err
			}
			if err := trace.Flush(); err != nil {
				return err
			}
		}

		slog.Info("Epoch complete",
			"epoch", e,
			"lr", res.LR,
			"train_mae", res.TrainMAE,
			"train_rmse", res.TrainRMSE,
			"valid_mae", res.ValidMAE,
			"valid_rmse", res.ValidRMSE,
			"best", t.best.Best(),
			"best_epoch", t.best.BestEpoch(),
			"stale_epochs", t.best.StaleCount(),
			"duration", res.Duration,
		)
		if t.opts.OnEpoch != nil {
			t.opts.OnEpoch(res)
		}
	}

	t.state = Done
	slog.Info("Training done", "run", t.opts.Run, "epochs", t.epoch, "best", t.best.Best(), "best_epoch", t.best.BestEpoch())
	return nil
}

func (t *Trainer) runEpoch(ctx context.Context, e int) (EpochResult, error) {
	start := time.Now()
	running := metrics.NewRunning(t.opts.Alpha)
	var absSum, sqSum float64
	var n int
	nb := t.train.Len()

	err := t.train.Iterate(ctx, e, func(b *data.Batch) error {
		lr := t.sched.LR(e, b.Index)

		pred, err := t.model.Forward(b)
		if err != nil {
			return fmt.Errorf("epoch %d batch %d: forward: %w", e, b.Index, err)
		}
		loss, dOut := t.loss(pred, t.stats.Normalize(b.Targets))
		if math.IsNaN(loss) || math.IsInf(loss, 0) {
			return &NumericalError{Epoch: e, Batch: b.Index, Quantity: "loss", Value: loss}
		}
		grad, err := t.model.Backward(b, dOut)
		if err != nil {
			return fmt.Errorf("epoch %d batch %d: backward: %w", e, b.Index, err)
		}
		if floats.HasNaN(grad) {
			return &NumericalError{Epoch: e, Batch: b.Index, Quantity: "gradient", Value: math.NaN()}
		}
		if err := t.opt.Step(t.model.Params(), grad, lr); err != nil {
			return fmt.Errorf("epoch %d batch %d: optimizer: %w", e, b.Index, err)
		}
		t.minibatch++

		orig := t.stats.Denormalize(pred)
		mae, rmse := metrics.MAE(orig, b.Targets), metrics.RMSE(orig, b.Targets)
		running.Update(mae, rmse)
		absSum += mae * float64(b.Size())
		sqSum += rmse * rmse * float64(b.Size())
		n += b.Size()

		if (b.Index+1)%t.opts.LogEvery == 0 || b.Index == nb-1 {
			slog.Info("Minibatch",
				"epoch", e,
				"batch", b.Index+1,
				"of", nb,
				"loss", loss,
				"mae", running.MAE(),
				"rmse", running.RMSE(),
				"lr", lr,
			)
		}
		return nil
	})
	if err != nil {
		return EpochResult{}, err
	}

	valid, err := t.evaluate(ctx, data.Valid)
	if err != nil {
		return EpochResult{}, err
	}

	res := EpochResult{
		Epoch:     e,
		LR:        t.sched.LR(e, 0),
		TrainMAE:  absSum / float64(max(n, 1)),
		TrainRMSE: math.Sqrt(sqSum / float64(max(n, 1))),
		ValidMAE:  valid.MAE,
		ValidRMSE: valid.RMSE,
		Duration:  time.Since(start),
	}
	res.Improved = t.best.Update(e, valid.MAE)
	return res, nil
}

// Fingerprint hashes the structural settings a checkpoint depends on.
func Fingerprint(parts ...any) (string, error) {
	h := sha256.New()
	enc := json.NewEncoder(h)
	for _, p := range parts {
		if err := enc.Encode(p); err != nil {
			return "", fmt.Errorf("fingerprint: %w", err)
		}
	}
	return hex.EncodeToString(h.Sum(nil))[:16], nil
}

func (t *Trainer) checkpoint() *store.Checkpoint {
	ck := &store.Checkpoint{
		Version:   store.Version,
		Run:       t.opts.Run,
		Session:   t.opts.Session,
		Epoch:     t.epoch,
		Minibatch: t.minibatch,
		Params:    append([]float64(nil), t.model.Params()...),
		Optimizer: t.opt.State(),
		Schedule:  t.sched.State(t.epoch),
		BestEpoch: t.best.BestEpoch(),
		Stats:     t.stats,
		Config:    t.opts.Config,
		Timestamp: time.Now(),
	}
	if t.best.HasBest() {
		b := t.best.Best()
		ck.BestMetric = &b
		ck.BestParams = append([]float64(nil), t.bestParams...)
	}
	return ck
}

func (t *Trainer) bestRecord(epoch int, metric float64) *store.Best {
	return &store.Best{
		Version:   store.Version,
		Run:       t.opts.Run,
		Session:   t.opts.Session,
		Epoch:     epoch,
		Metric:    metric,
		Params:    append([]float64(nil), t.bestParams...),
		Stats:     t.stats,
		Config:    t.opts.Config,
		Timestamp: time.Now(),
	}
}
