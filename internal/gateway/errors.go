package gateway

import (
	"errors"
	"fmt"
)

// Sentinel errors for gateway operations.
var (
	// ErrTransient marks a network-level fault. The caller should retry
	// the same operation after backoff.
	ErrTransient = errors.New("transient network error")
	// ErrNotFound marks a missing remote file.
	ErrNotFound = errors.New("remote file not found")
	// ErrCredential marks an authentication failure. Unrecoverable by
	// retry.
	ErrCredential = errors.New("credential error")
	// ErrUnknownJob marks a job identifier the gateway has no record of.
	ErrUnknownJob = errors.New("unknown job identifier")
)

// SubmissionRejectedError means the batch scheduler refused the job
// description. It is surfaced to the caller rather than retried blindly.
type SubmissionRejectedError struct {
	Reason string
}

func (e *SubmissionRejectedError) Error() string {
	return fmt.Sprintf("submission rejected: %s", e.Reason)
}

// IsTransient reports whether err should be retried with backoff.
func IsTransient(err error) bool {
	return errors.Is(err, ErrTransient)
}

// IsRejected reports whether err is a scheduler-side submission rejection.
func IsRejected(err error) bool {
	var rej *SubmissionRejectedError
	return errors.As(err, &rej)
}
