// Package scheduler runs the polling loop that advances an experiment's
// tasks until every one of them is terminal.
package scheduler

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/vuphan314/slurmqueen/internal/models"
	"github.com/vuphan314/slurmqueen/internal/tracker"
)

// Config controls the scheduler loop.
type Config struct {
	// PollInterval is the cadence of the loop. Each tick collects the due
	// records and dispatches them to workers.
	PollInterval time.Duration
	// MaxInFlight caps concurrent live submissions on the cluster.
	MaxInFlight int
	// Workers bounds concurrent gateway calls on our side.
	Workers int
}

// DefaultConfig returns the default loop settings.
func DefaultConfig() Config {
	return Config{
		PollInterval: 5 * time.Second,
		MaxInFlight:  50,
		Workers:      8,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.PollInterval <= 0 {
		c.PollInterval = d.PollInterval
	}
	if c.MaxInFlight <= 0 {
		c.MaxInFlight = d.MaxInFlight
	}
	if c.Workers <= 0 {
		c.Workers = d.Workers
	}
	return c
}

// Scheduler owns the run loop for one experiment.
type Scheduler struct {
	experiment string
	tr         *tracker.Tracker
	cfg        Config
	logger     *zap.Logger
}

// New creates a scheduler over an already-populated tracker.
func New(experiment string, tr *tracker.Tracker, cfg Config, logger *zap.Logger) *Scheduler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Scheduler{
		experiment: experiment,
		tr:         tr,
		cfg:        cfg.withDefaults(),
		logger:     logger,
	}
}

// Run drives the experiment to completion. It returns the final report
// in every case. On context cancellation it waits for in-flight steps,
// propagates cancellation to outstanding cluster jobs, and returns the
// context's error. A credential failure aborts the whole run the same
// way: resubmitting the remaining tasks would only fail again.
func (s *Scheduler) Run(ctx context.Context) (*models.RunReport, error) {
	ticker := time.NewTicker(s.cfg.PollInterval)
	defer ticker.Stop()

	sem := make(chan struct{}, s.cfg.Workers)
	var wg sync.WaitGroup
	fatal := make(chan error, 1)

	for {
		select {
		case <-ctx.Done():
			wg.Wait()
			s.cancelOutstanding()
			return s.tr.Report(s.experiment), ctx.Err()
		case err := <-fatal:
			s.logger.Error("run aborted", zap.Error(err))
			wg.Wait()
			s.cancelOutstanding()
			return s.tr.Report(s.experiment), err
		case <-ticker.C:
		}

		if s.tr.Done() {
			wg.Wait()
			// In-flight steps may have just finished; re-check before
			// declaring the run complete.
			if s.tr.Done() {
				s.logger.Info("run complete",
					zap.String("experiment", s.experiment))
				return s.tr.Report(s.experiment), nil
			}
		}

		for _, rec := range s.tr.Due(time.Now(), s.cfg.MaxInFlight) {
			rec := rec
			// A saturated worker pool must not delay cancellation: give the
			// record back and let the next tick retry it.
			select {
			case sem <- struct{}{}:
			case <-ctx.Done():
				s.tr.Release(rec)
				continue
			}
			wg.Add(1)
			go func() {
				defer wg.Done()
				defer func() { <-sem }()
				defer s.tr.Release(rec)
				if err := s.tr.Step(ctx, rec); err != nil {
					select {
					case fatal <- err:
					default:
					}
				}
			}()
		}
	}
}

// cancelOutstanding runs against a fresh context: the run context is
// already cancelled when we get here, and the scancel calls still have
// to go out.
func (s *Scheduler) cancelOutstanding() {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	s.tr.CancelOutstanding(ctx)
}
