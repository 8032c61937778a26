package main

import (
	"encoding/json"
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/vuphan314/slurmqueen/internal/models"
)

var reportJSON bool

var reportCmd = &cobra.Command{
	Use:   "report <spec.json>",
	Short: "Print the per-task report of an experiment",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		exp, _, st, err := openExperiment(args[0], nil)
		if err != nil {
			return err
		}
		defer st.Close()

		report, err := st.Report(exp.Name)
		if err != nil {
			return err
		}
		printReport(cmd.OutOrStdout(), report, reportJSON)
		return nil
	},
}

func init() {
	reportCmd.Flags().BoolVar(&reportJSON, "json", false, "print the report as JSON")
}

func printReport(w io.Writer, report *models.RunReport, asJSON bool) {
	if asJSON {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		enc.Encode(report)
		return
	}

	tw := tabwriter.NewWriter(w, 2, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "TASK\tSTATE\tATTEMPTS\tJOB")
	for _, t := range report.Tasks {
		fmt.Fprintf(tw, "%s\t%s\t%d\t%s\n", t.TaskID, t.State, t.Attempts, t.JobID)
	}
	tw.Flush()

	fmt.Fprintln(w)
	for _, state := range []models.TaskState{
		models.TaskStateCollected,
		models.TaskStateSucceeded,
		models.TaskStateAbandoned,
	} {
		if n := report.Counts[state]; n > 0 {
			fmt.Fprintf(w, "%s: %d\n", state, n)
		}
	}
	if abandoned := report.Abandoned(); len(abandoned) > 0 {
		fmt.Fprintf(w, "\n%d tasks exhausted their attempts:\n", len(abandoned))
		for _, t := range abandoned {
			fmt.Fprintf(w, "  %s (attempts: %d)\n", t.TaskID, t.Attempts)
		}
	}
}
