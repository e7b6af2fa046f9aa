package main

import (
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/cwbudde/cormorant/internal/config"
	"github.com/cwbudde/cormorant/internal/data"
)

var (
	exportFormat string
	exportOut    string
)

var datasetCmd = &cobra.Command{
	Use:   "dataset",
	Short: "Inspect and convert datasets",
}

var exportDatasetCmd = &cobra.Command{
	Use:   "export",
	Short: "Write a dataset in the JSONL or SQLite layout",
	Long: `Loads the configured dataset (use --dataset synthetic for generated data)
and writes its splits either as <out>/{train,valid,test}.jsonl or as a single
SQLite file. Files written to <datadir>/<name> or <datadir>/<name>.db are
read back by train --dataset <name>.`,
	RunE: runExportDataset,
}

func init() {
	rootCmd.AddCommand(datasetCmd)
	datasetCmd.AddCommand(exportDatasetCmd)

	config.Register(exportDatasetCmd.Flags())
	exportDatasetCmd.Flags().StringVar(&exportFormat, "format", "jsonl", "Output layout (jsonl, sqlite)")
	exportDatasetCmd.Flags().StringVar(&exportOut, "out", "", "Output directory (jsonl) or file (sqlite)")
	exportDatasetCmd.MarkFlagRequired("out")
}

func runExportDataset(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	dataset, err := data.Load(cfg.Datadir, cfg.Dataset, cfg.DataOptions())
	if err != nil {
		return err
	}

	switch exportFormat {
	case "jsonl":
		err = data.WriteJSONL(exportOut, dataset.Splits)
	case "sqlite":
		err = data.WriteSQLite(exportOut, dataset.Splits)
	default:
		return fmt.Errorf("unknown format %q", exportFormat)
	}
	if err != nil {
		return fmt.Errorf("export %s: %w", cfg.Dataset, err)
	}

	slog.Info("Dataset exported", "dataset", cfg.Dataset, "format", exportFormat, "out", exportOut)
	for _, split := range data.SplitNames {
		fmt.Printf("%s: %d molecules\n", split, dataset.Splits[split].Len())
	}
	return nil
}
