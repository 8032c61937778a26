package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/vuphan314/slurmqueen/internal/collector"
	"github.com/vuphan314/slurmqueen/internal/scheduler"
	"github.com/vuphan314/slurmqueen/internal/script"
	"github.com/vuphan314/slurmqueen/internal/tracker"
)

var (
	runSSH          sshFlags
	runMaxInFlight  int
	runWorkers      int
	runMaxAttempts  int
	runPollInterval time.Duration
	runJSON         bool
)

var runCmd = &cobra.Command{
	Use:   "run <spec.json>",
	Short: "Run an experiment to completion",
	Long: `Run expands the spec file into tasks, submits them to the cluster and
drives every task to a terminal state. Interrupting the run cancels the
outstanding cluster jobs; starting it again with the same spec resumes
from the recorded task states.`,
	Args: cobra.ExactArgs(1),
	RunE: runRun,
}

func init() {
	runSSH.register(runCmd)
	runCmd.Flags().IntVar(&runMaxInFlight, "max-inflight", 50, "maximum concurrent live submissions")
	runCmd.Flags().IntVar(&runWorkers, "workers", 8, "maximum concurrent gateway calls")
	runCmd.Flags().IntVar(&runMaxAttempts, "max-attempts", 3, "submission attempts per task before abandoning it")
	runCmd.Flags().DurationVar(&runPollInterval, "poll-interval", 5*time.Second, "status polling cadence")
	runCmd.Flags().BoolVar(&runJSON, "json", false, "print the final report as JSON")
}

func runRun(cmd *cobra.Command, args []string) error {
	logger, err := newLogger()
	if err != nil {
		return err
	}
	defer logger.Sync()

	exp, res, st, err := openExperiment(args[0], logger)
	if err != nil {
		return err
	}
	defer st.Close()

	gw, err := runSSH.gateway(logger)
	if err != nil {
		return err
	}
	defer gw.Close()
	registerLiveJobs(gw, exp)

	coll := collector.New(gw, st, logger)
	tcfg := tracker.DefaultConfig()
	tcfg.MaxAttempts = runMaxAttempts
	tr, err := tracker.New(exp, gw, script.NewRenderer(*res), coll, st, tcfg, logger)
	if err != nil {
		return err
	}

	sched := scheduler.New(exp.Name, tr, scheduler.Config{
		PollInterval: runPollInterval,
		MaxInFlight:  runMaxInFlight,
		Workers:      runWorkers,
	}, logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	report, runErr := sched.Run(ctx)
	if report != nil {
		printReport(cmd.OutOrStdout(), report, runJSON)
	}
	return runErr
}
