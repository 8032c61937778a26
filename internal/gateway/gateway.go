// Package gateway defines the remote execution gateway: the sole owner of
// the network session to the cluster head node. All other components reach
// the remote system only through it.
package gateway

import (
	"context"

	"github.com/vuphan314/slurmqueen/internal/script"
)

// JobState is the last-observed cluster status of a remote job.
type JobState string

const (
	JobQueued    JobState = "queued"
	JobRunning   JobState = "running"
	JobSucceeded JobState = "succeeded"
	JobFailed    JobState = "failed"
	// JobUnknown means the job identifier is no longer visible to the
	// queue: either the job finished and was reaped from listings, or the
	// identifier was never valid. Callers must not treat this as failed
	// outright.
	JobUnknown JobState = "unknown"
)

// JobStatus is one poll observation. ExitCode is meaningful only when
// State is JobFailed.
type JobStatus struct {
	State    JobState
	ExitCode int
}

// Gateway exposes the submit/query/cancel/fetch-file primitives against
// the cluster. A transient error on any call means "retry the same call
// later", not "the connection is permanently broken": reconnection is the
// implementation's problem, transparent to callers.
type Gateway interface {
	// Submit uploads the rendered script and enqueues it with the batch
	// scheduler, returning the opaque remote job identifier. Fails with a
	// transient error (retry with backoff), a SubmissionRejectedError
	// (surfaced to the caller, not retried automatically), or ErrCredential
	// (fatal).
	Submit(ctx context.Context, sc *script.Script) (string, error)

	// PollStatus reports the last-observed cluster status for a job.
	PollStatus(ctx context.Context, jobID string) (JobStatus, error)

	// FetchFile retrieves a declared output of the job, addressed relative
	// to the job's working directory. Fails with ErrNotFound when the file
	// does not exist yet, which is expected while the task is unfinished.
	FetchFile(ctx context.Context, jobID, relPath string) ([]byte, error)

	// Cancel asks the scheduler to cancel the job. Best effort: failures
	// are logged by callers, never fatal.
	Cancel(ctx context.Context, jobID string) error
}
