package main

import (
	"fmt"
	"runtime"

	"github.com/spf13/cobra"

	"github.com/cwbudde/cormorant/internal/device"
	"github.com/cwbudde/cormorant/internal/store"
)

var version = "0.1.0"

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("cormorant version %s (checkpoint format %d, %s/%s)\n", version, store.Version, runtime.GOOS, runtime.GOARCH)
		if features := device.Features(); len(features) > 0 {
			fmt.Printf("cpu features: %v\n", features)
		}
	},
}

func init() {
	rootCmd.AddCommand(versionCmd)
}
