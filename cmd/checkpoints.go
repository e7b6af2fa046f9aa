package main

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/cwbudde/cormorant/internal/store"
)

var (
	checkpointWorkdir string
	keepLast          int
	olderThanDays     int
	forceClean        bool
)

var checkpointsCmd = &cobra.Command{
	Use:   "checkpoints",
	Short: "Manage training checkpoints",
	Long: `Manage training checkpoints including listing and cleaning old runs.
Checkpoints allow resuming interrupted training at the next epoch.`,
}

var listCheckpointsCmd = &cobra.Command{
	Use:   "list",
	Short: "List all runs with a checkpoint",
	Long:  `Display every run with its session, progress, best validation error, timestamp and disk usage.`,
	RunE:  runListCheckpoints,
}

var cleanCheckpointsCmd = &cobra.Command{
	Use:   "clean",
	Short: "Delete old runs",
	Long: `Delete runs based on retention policy.
You can keep the N most recent runs or delete runs whose last checkpoint is older than N days.`,
	RunE: runCleanCheckpoints,
}

func init() {
	rootCmd.AddCommand(checkpointsCmd)

	checkpointsCmd.AddCommand(listCheckpointsCmd)
	checkpointsCmd.AddCommand(cleanCheckpointsCmd)

	checkpointsCmd.PersistentFlags().StringVar(&checkpointWorkdir, "workdir", ".", "Working directory holding runs/")

	cleanCheckpointsCmd.Flags().IntVar(&keepLast, "keep-last", 0, "Keep only the N most recent runs (0 = keep all)")
	cleanCheckpointsCmd.Flags().IntVar(&olderThanDays, "older-than", 0, "Delete runs older than N days (0 = no age limit)")
	cleanCheckpointsCmd.Flags().BoolVarP(&forceClean, "force", "f", false, "Skip confirmation prompt")
}

func runListCheckpoints(cmd *cobra.Command, args []string) error {
	checkpointStore, err := store.NewFSStore(checkpointWorkdir)
	if err != nil {
		return fmt.Errorf("failed to create checkpoint store: %w", err)
	}

	infos, err := checkpointStore.ListCheckpoints()
	if err != nil {
		return fmt.Errorf("failed to list checkpoints: %w", err)
	}

	if len(infos) == 0 {
		fmt.Println("No checkpoints found.")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "RUN\tSESSION\tEPOCH\tBEST MAE\tBEST EPOCH\tDATASET\tTIMESTAMP\tSIZE")
	fmt.Fprintln(w, "---\t-------\t-----\t--------\t----------\t-------\t---------\t----")

	for _, info := range infos {
		sizeStr := "unknown"
		if size, err := getDirSize(checkpointStore.RunDir(info.Run)); err == nil {
			sizeStr = humanize.IBytes(uint64(size))
		}

		fmt.Fprintf(w, "%s\t%s\t%d/%d\t%s\t%s\t%s/%s\t%s\t%s\n",
			info.Run,
			shortID(info.Session),
			info.Epoch,
			info.NumEpochs,
			formatBest(info.BestMetric),
			formatBestEpoch(info),
			info.Dataset,
			info.Target,
			info.Timestamp.Format("2006-01-02 15:04:05"),
			sizeStr,
		)
	}

	w.Flush()

	fmt.Printf("\nTotal runs: %d\n", len(infos))
	return nil
}

func runCleanCheckpoints(cmd *cobra.Command, args []string) error {
	if keepLast == 0 && olderThanDays == 0 {
		return fmt.Errorf("must specify either --keep-last or --older-than")
	}

	checkpointStore, err := store.NewFSStore(checkpointWorkdir)
	if err != nil {
		return fmt.Errorf("failed to create checkpoint store: %w", err)
	}

	infos, err := checkpointStore.ListCheckpoints()
	if err != nil {
		return fmt.Errorf("failed to list checkpoints: %w", err)
	}

	if len(infos) == 0 {
		fmt.Println("No checkpoints to clean.")
		return nil
	}

	toDelete := selectCheckpointsForDeletion(infos, keepLast, olderThanDays, time.Now())

	if len(toDelete) == 0 {
		fmt.Println("No runs match deletion criteria.")
		return nil
	}

	fmt.Printf("Found %d run(s) to delete:\n", len(toDelete))
	for _, info := range toDelete {
		fmt.Printf("  - %s (epoch %d/%d, %s, %s)\n",
			info.Run,
			info.Epoch,
			info.NumEpochs,
			info.Timestamp.Format("2006-01-02 15:04:05"),
			humanize.Time(info.Timestamp),
		)
	}

	if !forceClean {
		fmt.Print("\nProceed with deletion? [y/N]: ")
		var response string
		fmt.Scanln(&response)
		if response != "y" && response != "Y" {
			fmt.Println("Aborted.")
			return nil
		}
	}

	deleted := 0
	failed := 0
	for _, info := range toDelete {
		if err := checkpointStore.DeleteCheckpoint(info.Run); err != nil {
			slog.Error("Failed to delete run", "run", info.Run, "error", err)
			failed++
		} else {
			slog.Info("Deleted run", "run", info.Run)
			deleted++
		}
	}

	fmt.Printf("\nDeleted %d run(s), %d failed.\n", deleted, failed)
	return nil
}

// selectCheckpointsForDeletion applies the age limit and the keep-last
// policy. Each run appears at most once in the result, oldest first.
func selectCheckpointsForDeletion(infos []store.CheckpointInfo, keepLast, olderThanDays int, now time.Time) []store.CheckpointInfo {
	sorted := slices.Clone(infos)
	slices.SortStableFunc(sorted, func(a, b store.CheckpointInfo) int {
		return a.Timestamp.Compare(b.Timestamp)
	})

	drop := make(map[string]bool)
	if olderThanDays > 0 {
		cutoff := now.AddDate(0, 0, -olderThanDays)
		for _, info := range sorted {
			if info.Timestamp.Before(cutoff) {
				drop[info.Run] = true
			}
		}
	}
	if keepLast > 0 && len(sorted) > keepLast {
		for _, info := range sorted[:len(sorted)-keepLast] {
			drop[info.Run] = true
		}
	}

	var toDelete []store.CheckpointInfo
	for _, info := range sorted {
		if drop[info.Run] {
			toDelete = append(toDelete, info)
		}
	}
	return toDelete
}

func getDirSize(path string) (int64, error) {
	var size int64
	err := filepath.Walk(path, func(_ string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if !info.IsDir() {
			size += info.Size()
		}
		return nil
	})
	return size, err
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func formatBest(best *float64) string {
	if best == nil {
		return "-"
	}
	return fmt.Sprintf("%.6f", *best)
}

func formatBestEpoch(info store.CheckpointInfo) string {
	if info.BestMetric == nil {
		return "-"
	}
	return fmt.Sprint(info.BestEpoch)
}
