package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/cwbudde/cormorant/internal/cg"
	"github.com/cwbudde/cormorant/internal/config"
	"github.com/cwbudde/cormorant/internal/data"
	"github.com/cwbudde/cormorant/internal/device"
	"github.com/cwbudde/cormorant/internal/invariance"
	"github.com/cwbudde/cormorant/internal/model"
	"github.com/cwbudde/cormorant/internal/optim"
	"github.com/cwbudde/cormorant/internal/schedule"
	"github.com/cwbudde/cormorant/internal/store"
	"github.com/cwbudde/cormorant/internal/train"
)

var trainCmd = &cobra.Command{
	Use:   "train",
	Short: "Train a model, resuming from the run's checkpoint if present",
	Long: `Loads the dataset, builds the network, runs the invariance self-test and
trains for the configured epoch budget. Each completed epoch is checkpointed
under <workdir>/runs/<prefix>; an interrupted run continues from the last
completed epoch. Afterwards the final and best parameters are evaluated on
every split.`,
	RunE: runTrain,
}

func init() {
	config.Register(trainCmd.Flags())
	rootCmd.AddCommand(trainCmd)
}

// environment is everything built from the configuration before training.
type environment struct {
	dataset *data.Result
	model   *model.Cormorant
}

func prepare(ctx context.Context, cfg config.Config) (*environment, error) {
	dctx, err := device.Select(cfg.Device, cfg.Dtype)
	if err != nil {
		return nil, err
	}
	dctx.LogInfo()

	hp := cfg.Model()
	basis, err := cg.Default().GetOrBuild(ctx, hp.BasisOrder(), dctx)
	if err != nil {
		return nil, fmt.Errorf("basis: %w", err)
	}

	dataset, err := data.Load(cfg.Datadir, cfg.Dataset, cfg.DataOptions())
	if err != nil {
		return nil, err
	}

	m, err := model.New(hp, dataset.Species, dataset.ChargeScale, basis, dctx)
	if err != nil {
		return nil, fmt.Errorf("model: %w", err)
	}
	slog.Info("Model built",
		"params", m.NumParams(),
		"species", dataset.Species,
		"top", hp.Top,
		"input", hp.Input,
		"basis_order", hp.BasisOrder(),
	)

	return &environment{dataset: dataset, model: m}, nil
}

func selfTest(ctx context.Context, env *environment, cfg config.Config) (*invariance.Report, error) {
	report, err := invariance.Run(ctx, env.model, env.dataset.Splits[data.Train], cfg.Invariance())
	if report != nil {
		for _, c := range report.Checks {
			slog.Debug("Invariance check", "check", c.Name, "deviation", c.Deviation, "passed", c.Passed)
		}
	}
	if err != nil {
		return report, fmt.Errorf("invariance self-test: %w", err)
	}
	return report, nil
}

func runTrain(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	env, err := prepare(ctx, cfg)
	if err != nil {
		return err
	}

	opt, err := optim.New(cfg.OptimConfig(), env.model.NumParams())
	if err != nil {
		return err
	}

	loaderOpts := cfg.LoaderOptions(env.dataset.Target)
	minibatches := data.NewLoader(env.dataset.Splits[data.Train], loaderOpts).Len()
	sched, err := schedule.New(cfg.Schedule(minibatches))
	if err != nil {
		return err
	}

	if cfg.SkipTests {
		slog.Warn("Invariance self-test skipped")
	} else if _, err := selfTest(ctx, env, cfg); err != nil {
		return err
	}

	st, err := store.NewFSStore(cfg.Workdir)
	if err != nil {
		return fmt.Errorf("failed to create checkpoint store: %w", err)
	}

	fingerprint, err := train.Fingerprint(cfg.Structural(), env.dataset.Species)
	if err != nil {
		return err
	}

	trainer, err := train.New(train.Options{
		Run:       cfg.Prefix,
		NumEpochs: cfg.NumEpoch,
		Target:    env.dataset.Target,
		Loader:    loaderOpts,
		Alpha:     cfg.Alpha,
		LogEvery:  cfg.LogEvery,
		Load:      cfg.Load,
		Save:      cfg.Save,
		Config: store.RunConfig{
			Dataset:     cfg.Dataset,
			Fingerprint: fingerprint,
		},
	}, env.model, nil, opt, sched, env.dataset.Splits, st)
	if err != nil {
		return err
	}

	slog.Info("Run prepared",
		"run", cfg.Prefix,
		"session", trainer.Session(),
		"fingerprint", fingerprint,
		"minibatches_per_epoch", minibatches,
		"target_mean", trainer.Stats().Mean,
		"target_std", trainer.Stats().Std,
	)

	if err := trainer.LoadCheckpoint(ctx); err != nil {
		return err
	}
	if cfg.Save {
		out, err := cfg.YAML()
		if err != nil {
			return err
		}
		if err := st.WriteFile(cfg.Prefix, store.ConfigFile, out); err != nil {
			return err
		}
	}
	if err := trainer.Train(ctx); err != nil {
		return err
	}

	report, err := trainer.Predict(ctx)
	if err != nil {
		return err
	}
	printReport(report)
	return nil
}

func printReport(r *train.Report) {
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "POLICY\tEPOCH\tSPLIT\tMAE\tRMSE\tN")
	fmt.Fprintln(w, "------\t-----\t-----\t---\t----\t-")
	rows := []struct {
		name string
		pr   *train.PolicyReport
	}{{store.PolicyFinal, r.Final}, {store.PolicyBest, r.Best}}
	for _, row := range rows {
		if row.pr == nil {
			continue
		}
		for _, split := range data.SplitNames {
			m, ok := row.pr.Splits[split]
			if !ok {
				continue
			}
			fmt.Fprintf(w, "%s\t%d\t%s\t%.6f\t%.6f\t%d\n", row.name, row.pr.Epoch, split, m.MAE, m.RMSE, m.N)
		}
	}
	w.Flush()
}
