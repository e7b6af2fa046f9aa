package main

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/cwbudde/cormorant/internal/config"
	"github.com/cwbudde/cormorant/internal/schedule"
)

var scheduleCmd = &cobra.Command{
	Use:   "schedule",
	Short: "Print the learning-rate trajectory and restart epochs",
	Long: `Prints the epoch-start learning rate of every epoch for the configured
schedule, marking the epochs at which a warm restart resets the rate.`,
	RunE: runSchedule,
}

func init() {
	config.Register(scheduleCmd.Flags())
	rootCmd.AddCommand(scheduleCmd)
}

func runSchedule(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	// Epoch-start rates do not depend on the minibatch count.
	sched, err := schedule.New(cfg.Schedule(1))
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "EPOCH\tCYCLE\tLR\t")
	fmt.Fprintln(w, "-----\t-----\t--\t")
	for _, p := range sched.Trajectory() {
		mark := ""
		if p.Restart {
			mark = "restart"
		}
		fmt.Fprintf(w, "%d\t%d\t%.6g\t%s\n", p.Epoch, p.Cycle, p.LR, mark)
	}
	w.Flush()

	fmt.Printf("\nRestart boundaries: %v\n", sched.Boundaries())
	return nil
}
