package scheduler

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/vuphan314/slurmqueen/internal/collector"
	"github.com/vuphan314/slurmqueen/internal/gateway"
	"github.com/vuphan314/slurmqueen/internal/models"
	"github.com/vuphan314/slurmqueen/internal/script"
	"github.com/vuphan314/slurmqueen/internal/tracker"
)

type stubGateway struct {
	mu        sync.Mutex
	next      int
	polls     map[string]int
	cancelled []string

	// stuck keeps every job running forever, for cancellation tests.
	stuck bool
	// slow makes every submission block until its context is cancelled,
	// simulating a hung remote call that saturates the worker pool.
	slow bool
	// credential fails every submission with an auth error.
	credential bool
}

func newStubGateway() *stubGateway {
	return &stubGateway{polls: make(map[string]int)}
}

func (g *stubGateway) Submit(ctx context.Context, sc *script.Script) (string, error) {
	g.mu.Lock()
	credential, slow := g.credential, g.slow
	g.mu.Unlock()
	if credential {
		return "", fmt.Errorf("ssh handshake: %w", gateway.ErrCredential)
	}
	if slow {
		<-ctx.Done()
		return "", fmt.Errorf("submit: %w", gateway.ErrTransient)
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	g.next++
	return strconv.Itoa(1000 + g.next), nil
}

func (g *stubGateway) PollStatus(ctx context.Context, jobID string) (gateway.JobStatus, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.polls[jobID]++
	if g.stuck || g.polls[jobID] == 1 {
		return gateway.JobStatus{State: gateway.JobRunning}, nil
	}
	return gateway.JobStatus{State: gateway.JobSucceeded}, nil
}

func (g *stubGateway) FetchFile(ctx context.Context, jobID, relPath string) ([]byte, error) {
	return []byte("{}\nTime: 1\n"), nil
}

func (g *stubGateway) Cancel(ctx context.Context, jobID string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.cancelled = append(g.cancelled, jobID)
	return nil
}

type nopStore struct{}

func (nopStore) UpdateTask(*models.Task) error { return nil }
func (nopStore) RecordAttempt(experiment, taskID, jobID string) (string, error) {
	return jobID, nil
}
func (nopStore) FinishAttempt(attemptID, outcome string, exitCode int) error { return nil }

type nopIngester struct{}

func (nopIngester) Ingest(taskID, experiment string, files []models.ResultArtifact) error {
	return nil
}

func newTestScheduler(t *testing.T, taskIDs []string, gw *stubGateway, workers int) *Scheduler {
	t.Helper()
	exp := &models.Experiment{Name: "bench", RemoteRoot: "/scratch/bench"}
	for _, id := range taskIDs {
		exp.Tasks = append(exp.Tasks, &models.Task{
			ID:         id,
			Experiment: "bench",
			Command:    "./solve",
			Outputs:    []string{id + ".out"},
			State:      models.TaskStatePending,
		})
	}

	tcfg := tracker.Config{
		MaxAttempts:    3,
		UnknownGrace:   2,
		InitialBackoff: time.Millisecond,
		MaxBackoff:     5 * time.Millisecond,
	}
	coll := collector.New(gw, nopIngester{}, nil)
	tr, err := tracker.New(exp, gw, script.NewRenderer(script.Resources{}), coll, nopStore{}, tcfg, nil)
	if err != nil {
		t.Fatalf("tracker.New: %v", err)
	}

	cfg := Config{PollInterval: time.Millisecond, MaxInFlight: 10, Workers: workers}
	return New("bench", tr, cfg, nil)
}

func TestRunCompletes(t *testing.T) {
	gw := newStubGateway()
	sched := newTestScheduler(t, []string{"00", "01", "02"}, gw, 4)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	report, err := sched.Run(ctx)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if report.Counts[models.TaskStateCollected] != 3 {
		t.Errorf("counts = %v, want 3 collected", report.Counts)
	}
	if len(report.Abandoned()) != 0 {
		t.Errorf("abandoned = %v, want none", report.Abandoned())
	}
}

func TestRunCancellationCancelsOutstandingJobs(t *testing.T) {
	gw := newStubGateway()
	gw.stuck = true
	sched := newTestScheduler(t, []string{"00", "01"}, gw, 4)

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(100*time.Millisecond, cancel)

	report, err := sched.Run(ctx)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("Run err = %v, want context.Canceled", err)
	}
	if report == nil {
		t.Fatal("cancelled run must still produce a report")
	}

	gw.mu.Lock()
	defer gw.mu.Unlock()
	if len(gw.cancelled) != 2 {
		t.Errorf("cancelled %d jobs, want 2", len(gw.cancelled))
	}
}

func TestCancellationWithSaturatedWorkers(t *testing.T) {
	// One worker, wedged in a hung remote call. Cancellation must still be
	// observed promptly instead of the loop blocking on a worker slot.
	gw := newStubGateway()
	gw.slow = true
	sched := newTestScheduler(t, []string{"00", "01", "02"}, gw, 1)

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(100*time.Millisecond, cancel)

	done := make(chan error, 1)
	go func() {
		_, err := sched.Run(ctx)
		done <- err
	}()

	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("Run err = %v, want context.Canceled", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancellation")
	}
}

func TestCredentialFailureAbortsRun(t *testing.T) {
	gw := newStubGateway()
	gw.credential = true
	sched := newTestScheduler(t, []string{"00"}, gw, 4)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	_, err := sched.Run(ctx)
	if !errors.Is(err, gateway.ErrCredential) {
		t.Fatalf("Run err = %v, want credential error", err)
	}
}
