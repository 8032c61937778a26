// Package tracker implements the per-task state machine at the heart of
// the orchestrator. One record exists per task; records advance only
// through Step, and the scheduler guarantees no two Steps for the same
// task run concurrently.
package tracker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"github.com/vuphan314/slurmqueen/internal/collector"
	"github.com/vuphan314/slurmqueen/internal/gateway"
	"github.com/vuphan314/slurmqueen/internal/models"
	"github.com/vuphan314/slurmqueen/internal/script"
	"github.com/vuphan314/slurmqueen/internal/store"
)

// Config defines the tracker's retry policy.
type Config struct {
	// MaxAttempts caps submissions per task; reaching it moves the task
	// to abandoned. All non-zero exits are treated as retryable up to this
	// cap, since transient cluster conditions (preemption, node failure)
	// are common.
	MaxAttempts int
	// UnknownGrace is how many consecutive unknown polls, without the job
	// ever having been observed running, the tracker tolerates before it
	// verifies the task through its declared outputs.
	UnknownGrace int
	// InitialBackoff and MaxBackoff bound the jittered exponential backoff
	// applied to retries, so synchronized retry storms don't hammer the
	// head node.
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
}

// DefaultConfig returns the default retry policy.
func DefaultConfig() Config {
	return Config{
		MaxAttempts:    3,
		UnknownGrace:   3,
		InitialBackoff: 2 * time.Second,
		MaxBackoff:     60 * time.Second,
	}
}

func (c Config) newBackOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.InitialBackoff
	b.MaxInterval = c.MaxBackoff
	// Retries are bounded by the attempt cap, not by elapsed time.
	b.MaxElapsedTime = 0
	b.Reset()
	return b
}

// TaskStore is the persistence the tracker needs: crash-recoverable task
// state plus the attempt journal.
type TaskStore interface {
	UpdateTask(task *models.Task) error
	RecordAttempt(experiment, taskID, jobID string) (string, error)
	FinishAttempt(attemptID, outcome string, exitCode int) error
}

// Record tracks one task. All fields besides task are tracker-internal
// bookkeeping; the busy flag serializes Steps per task.
type Record struct {
	task   *models.Task
	script *script.Script

	busy         bool
	nextEligible time.Time
	retry        backoff.BackOff

	sawRunning     bool
	unknownPolls   int
	collectRetried bool
	ingestFailed   bool
	attemptID      string
}

// Task returns the tracked task.
func (r *Record) Task() *models.Task {
	return r.task
}

// Tracker drives the state machines of one experiment's tasks.
type Tracker struct {
	cfg    Config
	gw     gateway.Gateway
	coll   *collector.Collector
	store  TaskStore
	logger *zap.Logger

	mu      sync.Mutex
	records []*Record
}

// New renders every task's script up front and builds the records. Tasks
// already terminal (a resumed run) keep their state and are never
// stepped again.
func New(exp *models.Experiment, gw gateway.Gateway, renderer *script.Renderer, coll *collector.Collector, st TaskStore, cfg Config, logger *zap.Logger) (*Tracker, error) {
	if cfg.MaxAttempts <= 0 {
		return nil, fmt.Errorf("tracker: MaxAttempts must be positive")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	t := &Tracker{cfg: cfg, gw: gw, coll: coll, store: st, logger: logger}
	for _, task := range exp.Tasks {
		sc, err := renderer.Render(exp, task)
		if err != nil {
			return nil, err
		}
		t.records = append(t.records, &Record{
			task:   task,
			script: sc,
			retry:  cfg.newBackOff(),
		})
	}
	return t, nil
}

// terminalForRun reports whether the record takes no further transitions
// in this run. A succeeded task whose ingestion hit a durability error
// stays succeeded so a later pass can retry ingestion without
// resubmitting work.
func terminalForRun(r *Record) bool {
	return r.task.State.IsTerminal() || (r.task.State == models.TaskStateSucceeded && r.ingestFailed)
}

// Due returns the records eligible to advance now, marking each busy.
// Pending records are admitted only while in-flight submissions stay
// below the admission window, since clusters often cap queued jobs per
// user.
func (t *Tracker) Due(now time.Time, window int) []*Record {
	t.mu.Lock()
	defer t.mu.Unlock()

	inFlight := 0
	for _, r := range t.records {
		if r.task.State.InFlight() || (r.busy && r.task.State == models.TaskStatePending) {
			inFlight++
		}
	}

	var due []*Record
	for _, r := range t.records {
		if r.busy || terminalForRun(r) || now.Before(r.nextEligible) {
			continue
		}
		if r.task.State == models.TaskStatePending {
			if inFlight >= window {
				continue
			}
			inFlight++
		}
		r.busy = true
		due = append(due, r)
	}
	return due
}

// Release clears the busy flag after a Step completes.
func (t *Tracker) Release(r *Record) {
	t.mu.Lock()
	r.busy = false
	t.mu.Unlock()
}

// Done reports whether every task reached a terminal state for this run.
func (t *Tracker) Done() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, r := range t.records {
		if !terminalForRun(r) {
			return false
		}
	}
	return true
}

// Counts returns a snapshot of tasks per state.
func (t *Tracker) Counts() map[models.TaskState]int {
	t.mu.Lock()
	defer t.mu.Unlock()
	counts := make(map[models.TaskState]int)
	for _, r := range t.records {
		counts[r.task.State]++
	}
	return counts
}

// Report lists every task with its final state and attempt count.
func (t *Tracker) Report(experiment string) *models.RunReport {
	t.mu.Lock()
	defer t.mu.Unlock()
	report := &models.RunReport{
		Experiment: experiment,
		Counts:     make(map[models.TaskState]int),
	}
	for _, r := range t.records {
		report.Tasks = append(report.Tasks, models.TaskReport{
			TaskID:   r.task.ID,
			State:    r.task.State,
			Attempts: r.task.Attempts,
			JobID:    r.task.JobID,
		})
		report.Counts[r.task.State]++
	}
	return report
}

// CancelOutstanding propagates cancellation to every task with a live
// submission. Best effort: failures are logged, never fatal.
func (t *Tracker) CancelOutstanding(ctx context.Context) {
	t.mu.Lock()
	var jobs []string
	for _, r := range t.records {
		if r.task.State.InFlight() && r.task.JobID != "" {
			jobs = append(jobs, r.task.JobID)
		}
	}
	t.mu.Unlock()

	for _, jobID := range jobs {
		if err := t.gw.Cancel(ctx, jobID); err != nil {
			t.logger.Warn("cancel failed", zap.String("job_id", jobID), zap.Error(err))
		}
	}
}

// Step advances one record by at most one poll cycle. Never called
// concurrently for the same record. The returned error is fatal to the
// whole run (credential failure); per-task faults are absorbed into the
// record's state.
func (t *Tracker) Step(ctx context.Context, r *Record) error {
	switch r.task.State {
	case models.TaskStatePending:
		return t.submit(ctx, r)
	case models.TaskStateSubmitted, models.TaskStateQueued, models.TaskStateRunning:
		return t.poll(ctx, r)
	case models.TaskStateSucceeded:
		return t.collect(ctx, r)
	case models.TaskStateFailed:
		// Only reachable on resume after a crash between transitions.
		t.retryOrAbandon(r)
		return nil
	}
	return nil
}

func (t *Tracker) submit(ctx context.Context, r *Record) error {
	jobID, err := t.gw.Submit(ctx, r.script)
	if err != nil {
		switch {
		case errors.Is(err, gateway.ErrCredential):
			return err
		case gateway.IsRejected(err):
			// The scheduler refused the job description. Counts as an
			// attempt; retried with backoff up to the cap.
			t.logger.Warn("submission rejected",
				zap.String("task", r.task.ID), zap.Error(err))
			t.mu.Lock()
			r.task.Attempts++
			exhausted := r.task.Attempts >= t.cfg.MaxAttempts
			t.mu.Unlock()
			if exhausted {
				t.setState(r, models.TaskStateAbandoned)
				t.complete(r)
			} else {
				t.delay(r)
			}
			t.persist(r)
			return nil
		default:
			t.logger.Debug("submit will be retried",
				zap.String("task", r.task.ID), zap.Error(err))
			t.delay(r)
			return nil
		}
	}

	now := time.Now().UTC()
	t.mu.Lock()
	r.task.Attempts++
	r.task.JobID = jobID
	r.task.SubmittedAt = &now
	r.sawRunning = false
	r.unknownPolls = 0
	r.collectRetried = false
	r.retry.Reset()
	t.mu.Unlock()
	t.setState(r, models.TaskStateSubmitted)
	t.persist(r)

	attemptID, err := t.store.RecordAttempt(r.task.Experiment, r.task.ID, jobID)
	if err != nil {
		t.logger.Warn("attempt journal write failed",
			zap.String("task", r.task.ID), zap.Error(err))
	}
	r.attemptID = attemptID

	t.logger.Info("task submitted",
		zap.String("task", r.task.ID),
		zap.String("job_id", jobID),
		zap.Int("attempt", r.task.Attempts))
	return nil
}

func (t *Tracker) poll(ctx context.Context, r *Record) error {
	status, err := t.gw.PollStatus(ctx, r.task.JobID)
	if err != nil {
		if errors.Is(err, gateway.ErrCredential) {
			return err
		}
		t.delay(r)
		return nil
	}

	now := time.Now().UTC()
	t.mu.Lock()
	r.task.LastPolledAt = &now
	r.retry.Reset()
	t.mu.Unlock()

	switch status.State {
	case gateway.JobQueued:
		t.mu.Lock()
		r.unknownPolls = 0
		t.mu.Unlock()
		if r.task.State != models.TaskStateQueued {
			t.setState(r, models.TaskStateQueued)
		}
		t.persist(r)

	case gateway.JobRunning:
		t.mu.Lock()
		r.sawRunning = true
		r.unknownPolls = 0
		t.mu.Unlock()
		if r.task.State != models.TaskStateRunning {
			t.setState(r, models.TaskStateRunning)
		}
		t.persist(r)

	case gateway.JobSucceeded:
		t.finishAttempt(r, "succeeded", 0)
		t.setState(r, models.TaskStateSucceeded)
		t.persist(r)
		return t.collect(ctx, r)

	case gateway.JobFailed:
		t.finishAttempt(r, "failed", status.ExitCode)
		t.setState(r, models.TaskStateFailed)
		t.persist(r)
		t.retryOrAbandon(r)

	case gateway.JobUnknown:
		// The queue no longer lists the job. After it was observed running
		// this usually means it finished and was reaped, so verify through
		// the declared outputs rather than calling it failed. Without a
		// running observation, tolerate a few polls before verifying the
		// same way: a fast job can finish between polls.
		t.mu.Lock()
		r.unknownPolls++
		verify := r.sawRunning || r.unknownPolls >= t.cfg.UnknownGrace
		t.mu.Unlock()
		if verify {
			t.finishAttempt(r, "reaped", 0)
			t.setState(r, models.TaskStateSucceeded)
			t.persist(r)
			return t.collect(ctx, r)
		}
	}
	return nil
}

func (t *Tracker) collect(ctx context.Context, r *Record) error {
	err := t.coll.Collect(ctx, r.task)
	switch {
	case err == nil:
		t.setState(r, models.TaskStateCollected)
		t.complete(r)
		t.persist(r)
		t.logger.Info("task collected",
			zap.String("task", r.task.ID), zap.Int("attempts", r.task.Attempts))

	case errors.Is(err, collector.ErrOutputMissing):
		if !r.collectRetried {
			// Possibly a premature poll result: the job may still be
			// flushing outputs. Re-poll once, then try the fetch again.
			r.collectRetried = true
			if status, perr := t.gw.PollStatus(ctx, r.task.JobID); perr == nil && status.State == gateway.JobFailed {
				t.finishAttempt(r, "failed", status.ExitCode)
				t.setState(r, models.TaskStateFailed)
				t.persist(r)
				t.retryOrAbandon(r)
				return nil
			}
			t.delay(r)
			return nil
		}
		// The remote process claimed success but did not produce its
		// contract. Same retry policy as a failed exit.
		t.logger.Warn("declared output missing after success",
			zap.String("task", r.task.ID), zap.Error(err))
		t.finishAttempt(r, "output-missing", 0)
		t.setState(r, models.TaskStateFailed)
		t.persist(r)
		t.retryOrAbandon(r)

	case errors.Is(err, store.ErrDurability):
		// Surfaced, not retried automatically: the task stays succeeded
		// so a later ingestion pass can pick it up without resubmitting.
		t.logger.Error("ingestion failed",
			zap.String("task", r.task.ID), zap.Error(err))
		t.mu.Lock()
		r.ingestFailed = true
		t.mu.Unlock()

	case errors.Is(err, gateway.ErrCredential):
		return err

	default:
		t.delay(r)
	}
	return nil
}

// retryOrAbandon decides what a failed task does next: back to pending
// for resubmission under the same task identifier, or abandoned once the
// attempt cap is reached.
func (t *Tracker) retryOrAbandon(r *Record) {
	t.mu.Lock()
	exhausted := r.task.Attempts >= t.cfg.MaxAttempts
	t.mu.Unlock()

	if exhausted {
		t.setState(r, models.TaskStateAbandoned)
		t.complete(r)
		t.persist(r)
		t.logger.Warn("task abandoned",
			zap.String("task", r.task.ID), zap.Int("attempts", r.task.Attempts))
		return
	}

	t.mu.Lock()
	// The old job identifier is dead; exactly one may be live per task.
	r.task.JobID = ""
	t.mu.Unlock()
	t.setState(r, models.TaskStatePending)
	t.delay(r)
	t.persist(r)
	t.logger.Info("task will be resubmitted",
		zap.String("task", r.task.ID), zap.Int("attempts", r.task.Attempts))
}

func (t *Tracker) setState(r *Record, next models.TaskState) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !r.task.State.CanTransitionTo(next) {
		t.logger.Error("invalid state transition",
			zap.String("task", r.task.ID),
			zap.String("from", r.task.State.String()),
			zap.String("to", next.String()))
		return
	}
	r.task.State = next
}

func (t *Tracker) complete(r *Record) {
	now := time.Now().UTC()
	t.mu.Lock()
	r.task.CompletedAt = &now
	t.mu.Unlock()
}

func (t *Tracker) delay(r *Record) {
	t.mu.Lock()
	r.nextEligible = time.Now().Add(r.retry.NextBackOff())
	t.mu.Unlock()
}

func (t *Tracker) persist(r *Record) {
	if err := t.store.UpdateTask(r.task); err != nil {
		t.logger.Warn("task state persist failed",
			zap.String("task", r.task.ID), zap.Error(err))
	}
}

func (t *Tracker) finishAttempt(r *Record, outcome string, exitCode int) {
	if r.attemptID == "" {
		return
	}
	if err := t.store.FinishAttempt(r.attemptID, outcome, exitCode); err != nil {
		t.logger.Warn("attempt journal update failed",
			zap.String("task", r.task.ID), zap.Error(err))
	}
	r.attemptID = ""
}
