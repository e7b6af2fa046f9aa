package main

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/cwbudde/cormorant/internal/config"
)

var selftestCmd = &cobra.Command{
	Use:   "selftest",
	Short: "Check permutation and rotation invariance of a freshly built model",
	Long: `Builds the model exactly as train would and runs the invariance checks on
batches of the training split. Add --invariance-search N to also search
for the worst-case rotation.`,
	RunE: runSelftest,
}

func init() {
	config.Register(selftestCmd.Flags())
	rootCmd.AddCommand(selftestCmd)
}

func runSelftest(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	env, err := prepare(ctx, cfg)
	if err != nil {
		return err
	}

	report, testErr := selfTest(ctx, env, cfg)
	if report != nil {
		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "CHECK\tDEVIATION\tRESULT")
		fmt.Fprintln(w, "-----\t---------\t------")
		for _, c := range report.Checks {
			result := "ok"
			if !c.Passed {
				result = "FAIL"
			}
			fmt.Fprintf(w, "%s\t%.3g\t%s\n", c.Name, c.Deviation, result)
		}
		w.Flush()
		fmt.Printf("\n%d molecule(s) in %d batch(es), tolerance %g\n", report.Molecules, report.Batches, cfg.InvarianceTol)
	}
	return testErr
}
