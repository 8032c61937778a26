// Package collector retrieves the declared outputs of succeeded tasks
// and hands them to the result store's ingestion contract.
package collector

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/vuphan314/slurmqueen/internal/gateway"
	"github.com/vuphan314/slurmqueen/internal/models"
)

// ErrOutputMissing indicates a declared output was not found on the
// remote side. The caller treats the first occurrence as a premature poll
// result, re-polls, and only then downgrades the task to failed.
var ErrOutputMissing = errors.New("declared output missing")

// Ingester is the result store's ingestion contract. Must be idempotent
// under at-least-once delivery and safe under concurrent calls.
type Ingester interface {
	Ingest(taskID, experiment string, files []models.ResultArtifact) error
}

// Collector fetches declared outputs through the gateway.
type Collector struct {
	gw     gateway.Gateway
	store  Ingester
	logger *zap.Logger
}

// New creates a collector.
func New(gw gateway.Gateway, store Ingester, logger *zap.Logger) *Collector {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Collector{gw: gw, store: store, logger: logger}
}

// Collect fetches every declared output of the task in order and ingests
// them. Returns ErrOutputMissing if any output does not exist remotely, a
// transient gateway error if the fetch should be retried later, or the
// store's durability error if ingestion failed. Nothing is ingested
// unless every declared output was fetched.
func (c *Collector) Collect(ctx context.Context, task *models.Task) error {
	files := make([]models.ResultArtifact, 0, len(task.Outputs))
	for _, p := range task.Outputs {
		data, err := c.gw.FetchFile(ctx, task.JobID, p)
		if err != nil {
			if errors.Is(err, gateway.ErrNotFound) {
				return fmt.Errorf("%w: %s", ErrOutputMissing, p)
			}
			return err
		}
		files = append(files, models.ResultArtifact{TaskID: task.ID, Path: p, Data: data})
	}

	if err := c.store.Ingest(task.ID, task.Experiment, files); err != nil {
		return err
	}
	c.logger.Debug("collected task outputs",
		zap.String("task", task.ID), zap.Int("files", len(files)))
	return nil
}
