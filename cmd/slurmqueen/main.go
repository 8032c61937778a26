package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var rootCmd = &cobra.Command{
	Use:   "slurmqueen",
	Short: "slurmqueen - experiment orchestrator for Slurm clusters",
	Long: `slurmqueen drives batches of black-box command-line experiments on a
remote Slurm cluster over SSH: it renders one batch script per task,
submits and tracks the jobs, retries failures, and collects every
declared output into a local SQLite results database.`,
	// No RunE - defaults to showing help when no subcommand is provided
}

var verbose bool

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")

	// Add subcommands
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(reportCmd)
	rootCmd.AddCommand(watchCmd)
	rootCmd.AddCommand(ingestCmd)
}

// newLogger builds the process logger. Human-readable in verbose mode,
// structured JSON otherwise.
func newLogger() (*zap.Logger, error) {
	if verbose {
		return zap.NewDevelopment()
	}
	cfg := zap.NewProductionConfig()
	cfg.DisableStacktrace = true
	return cfg.Build()
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
