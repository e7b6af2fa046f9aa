package main

import (
	"errors"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/cwbudde/cormorant/internal/store"
)

var (
	statusWorkdir string
	statusTail    int
)

var statusCmd = &cobra.Command{
	Use:   "status <run>",
	Short: "Show a run's progress",
	Long: `Shows the checkpoint summary of a run and the last epochs of its trace,
including which epochs improved the best validation error.`,
	Args: cobra.ExactArgs(1),
	RunE: runStatus,
}

func init() {
	statusCmd.Flags().StringVar(&statusWorkdir, "workdir", ".", "Working directory holding runs/")
	statusCmd.Flags().IntVar(&statusTail, "tail", 10, "Number of trace epochs to show (0 = all)")
	rootCmd.AddCommand(statusCmd)
}

func runStatus(cmd *cobra.Command, args []string) error {
	run := args[0]

	checkpointStore, err := store.NewFSStore(statusWorkdir)
	if err != nil {
		return fmt.Errorf("failed to create checkpoint store: %w", err)
	}

	ck, err := checkpointStore.LoadCheckpoint(run)
	if err != nil {
		return fmt.Errorf("run %s: %w", run, err)
	}

	fmt.Printf("Run: %s\n", ck.Run)
	fmt.Printf("Session: %s\n", ck.Session)
	fmt.Printf("Dataset: %s (target %s)\n", ck.Config.Dataset, ck.Config.Target)
	fmt.Printf("Progress: epoch %d of %d, %d minibatches\n", ck.Epoch, ck.Config.NumEpochs, ck.Minibatch)
	fmt.Printf("Optimizer: %s, %d steps\n", ck.Optimizer.Kind, ck.Optimizer.Step)
	fmt.Printf("Schedule: cycle %d, restart boundaries %v\n", ck.Schedule.Cycle, ck.Schedule.Boundaries)
	if ck.BestMetric != nil {
		fmt.Printf("Best valid MAE: %.6f at epoch %d\n", *ck.BestMetric, ck.BestEpoch)
	}
	fmt.Printf("Saved: %s (%s)\n", ck.Timestamp.Format("2006-01-02 15:04:05"), humanize.Time(ck.Timestamp))

	reader, err := store.NewTraceReader(statusWorkdir, run)
	if errors.Is(err, store.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	defer reader.Close()

	entries, err := reader.ReadAll()
	if err != nil {
		return fmt.Errorf("read trace: %w", err)
	}
	if statusTail > 0 && len(entries) > statusTail {
		entries = entries[len(entries)-statusTail:]
	}
	if len(entries) == 0 {
		return nil
	}

	fmt.Println()
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "EPOCH\tLR\tTRAIN MAE\tVALID MAE\tVALID RMSE\tTIME\t")
	for _, e := range entries {
		mark := ""
		if e.Improved {
			mark = "*"
		}
		fmt.Fprintf(w, "%d\t%.3g\t%.6f\t%.6f\t%.6f\t%.1fs\t%s\n", e.Epoch, e.LR, e.TrainMAE, e.ValidMAE, e.ValidRMSE, e.Seconds, mark)
	}
	return w.Flush()
}
