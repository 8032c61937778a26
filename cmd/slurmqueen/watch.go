package main

import (
	"time"

	"github.com/spf13/cobra"

	"github.com/vuphan314/slurmqueen/internal/tui"
)

var watchInterval time.Duration

var watchCmd = &cobra.Command{
	Use:   "watch <spec.json>",
	Short: "Live terminal monitor for a running experiment",
	Long: `Watch opens a terminal view of the experiment's task states, refreshed
from the results database. It can run alongside an active run in another
process.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		exp, _, st, err := openExperiment(args[0], nil)
		if err != nil {
			return err
		}
		defer st.Close()

		return tui.NewWatch(st, exp.Name, watchInterval).Run()
	},
}

func init() {
	watchCmd.Flags().DurationVar(&watchInterval, "interval", 2*time.Second, "refresh cadence")
}
