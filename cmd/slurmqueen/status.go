package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/vuphan314/slurmqueen/internal/models"
)

var statusCmd = &cobra.Command{
	Use:   "status <spec.json>",
	Short: "Print the task state counts of an experiment",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		exp, _, st, err := openExperiment(args[0], nil)
		if err != nil {
			return err
		}
		defer st.Close()

		counts, err := st.StateCounts(exp.Name)
		if err != nil {
			return err
		}

		out := cmd.OutOrStdout()
		total := 0
		for _, state := range []models.TaskState{
			models.TaskStatePending,
			models.TaskStateSubmitted,
			models.TaskStateQueued,
			models.TaskStateRunning,
			models.TaskStateSucceeded,
			models.TaskStateFailed,
			models.TaskStateCollected,
			models.TaskStateAbandoned,
		} {
			if n := counts[state]; n > 0 {
				fmt.Fprintf(out, "%-10s %d\n", state, n)
				total += n
			}
		}
		done := counts[models.TaskStateCollected] + counts[models.TaskStateAbandoned]
		fmt.Fprintf(out, "\n%d/%d tasks finished\n", done, total)
		return nil
	},
}
