package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/vuphan314/slurmqueen/internal/collector"
	"github.com/vuphan314/slurmqueen/internal/models"
)

var ingestSSH sshFlags

var ingestCmd = &cobra.Command{
	Use:   "ingest <spec.json>",
	Short: "Retry collection for tasks stuck at succeeded",
	Long: `Ingest fetches the declared outputs of every task that succeeded but was
never collected, typically because ingestion hit a durability error
during the run. Tasks whose outputs land in the database move to
collected; nothing is resubmitted.`,
	Args: cobra.ExactArgs(1),
	RunE: runIngest,
}

func init() {
	ingestSSH.register(ingestCmd)
}

func runIngest(cmd *cobra.Command, args []string) error {
	logger, err := newLogger()
	if err != nil {
		return err
	}
	defer logger.Sync()

	exp, _, st, err := openExperiment(args[0], logger)
	if err != nil {
		return err
	}
	defer st.Close()

	gw, err := ingestSSH.gateway(logger)
	if err != nil {
		return err
	}
	defer gw.Close()
	registerLiveJobs(gw, exp)

	coll := collector.New(gw, st, logger)
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var collected, failed int
	for _, task := range exp.Tasks {
		if task.State != models.TaskStateSucceeded {
			continue
		}
		if err := coll.Collect(ctx, task); err != nil {
			logger.Warn("collection failed",
				zap.String("task", task.ID), zap.Error(err))
			failed++
			continue
		}
		now := time.Now().UTC()
		task.State = models.TaskStateCollected
		task.CompletedAt = &now
		if err := st.UpdateTask(task); err != nil {
			return err
		}
		collected++
	}

	fmt.Fprintf(cmd.OutOrStdout(), "collected %d tasks", collected)
	if failed > 0 {
		fmt.Fprintf(cmd.OutOrStdout(), ", %d still failing", failed)
	}
	fmt.Fprintln(cmd.OutOrStdout())
	return nil
}
