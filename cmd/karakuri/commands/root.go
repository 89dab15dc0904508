package commands

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

const Version = "1.2.0"

var (
	cfgFile string
	verbose bool
)

// rootCmd represents the base command
var rootCmd = &cobra.Command{
	Use:   "karakuri",
	Short: "Resource-aware task scheduling daemon",
	Long: `Karakuri runs batches of opaque tasks under live system-resource
constraints. It samples CPU, memory, and disk utilization, computes a
worker allocation from the available headroom, and shrinks admission
under sustained pressure instead of failing. Task payloads are plain
callables; Karakuri makes no assumptions about what they do.`,
	Version: Version,
}

// Execute adds all child commands to the root command and runs it
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "config.yaml", "config file path")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "verbose output")
}
