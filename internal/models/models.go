// Package models defines the core domain types for slurmqueen.
package models

import "time"

// TaskState represents the current state of a task in its lifecycle.
type TaskState string

const (
	TaskStatePending   TaskState = "pending"
	TaskStateSubmitted TaskState = "submitted"
	TaskStateQueued    TaskState = "queued"
	TaskStateRunning   TaskState = "running"
	TaskStateSucceeded TaskState = "succeeded"
	TaskStateFailed    TaskState = "failed"
	TaskStateCollected TaskState = "collected"
	TaskStateAbandoned TaskState = "abandoned"
)

// String returns the string representation of the task state.
func (s TaskState) String() string {
	return string(s)
}

// IsTerminal returns true if no further transitions occur from this state.
func (s TaskState) IsTerminal() bool {
	switch s {
	case TaskStateCollected, TaskStateAbandoned:
		return true
	}
	return false
}

// InFlight returns true if the task occupies a slot in the admission window,
// i.e. it has a live submission on the cluster.
func (s TaskState) InFlight() bool {
	switch s {
	case TaskStateSubmitted, TaskStateQueued, TaskStateRunning:
		return true
	}
	return false
}

// ValidTaskTransitions defines the allowed state transitions for Tasks.
// The transitions back to pending cover resubmission after a failed or
// lost attempt.
var ValidTaskTransitions = map[TaskState][]TaskState{
	TaskStatePending:   {TaskStateSubmitted, TaskStateAbandoned},
	TaskStateSubmitted: {TaskStateQueued, TaskStateRunning, TaskStateSucceeded, TaskStateFailed, TaskStatePending},
	TaskStateQueued:    {TaskStateRunning, TaskStateSucceeded, TaskStateFailed, TaskStatePending},
	TaskStateRunning:   {TaskStateSucceeded, TaskStateFailed, TaskStatePending},
	TaskStateSucceeded: {TaskStateCollected, TaskStateFailed},
	TaskStateFailed:    {TaskStatePending, TaskStateAbandoned},
}

// CanTransitionTo returns true if moving from the current state to next is valid.
func (s TaskState) CanTransitionTo(next TaskState) bool {
	for _, allowed := range ValidTaskTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// TaskArgs holds the argument set for one task of an experiment grid.
// Named keys containing '|' are private: they are recorded in the result
// header but never rendered as command-line flags.
type TaskArgs struct {
	Positional []string          `json:"positional,omitempty"`
	Named      map[string]string `json:"named,omitempty"`
}

// Task is the unit of work: one command invocation plus its declared
// output files. The ID is a zero-padded ordinal, stable across retries;
// only Attempts and JobID change when a task is resubmitted.
type Task struct {
	ID         string    `json:"id"`
	Experiment string    `json:"experiment"`
	Command    string    `json:"command"`
	Args       TaskArgs  `json:"args"`
	Outputs    []string  `json:"outputs"`
	State      TaskState `json:"state"`
	Attempts   int       `json:"attempts"`
	// JobID is the opaque identifier the cluster scheduler assigned to the
	// most recent submission, empty before the first submit.
	JobID        string     `json:"job_id,omitempty"`
	SubmittedAt  *time.Time `json:"submitted_at,omitempty"`
	LastPolledAt *time.Time `json:"last_polled_at,omitempty"`
	CompletedAt  *time.Time `json:"completed_at,omitempty"`
}

// Experiment is an immutable ordered collection of tasks sharing an
// output root. Resubmission creates a new attempt on an existing task,
// never a new experiment.
type Experiment struct {
	Name       string  `json:"name"`
	OutputRoot string  `json:"output_root"`
	RemoteRoot string  `json:"remote_root"`
	Tasks      []*Task `json:"tasks"`
	CreatedAt  time.Time
}

// ResultArtifact is a retrieved output file. Ownership transfers to the
// result store on successful ingestion.
type ResultArtifact struct {
	TaskID string
	Path   string
	Data   []byte
}

// TaskReport is one line of the terminal report.
type TaskReport struct {
	TaskID   string    `json:"task_id"`
	State    TaskState `json:"state"`
	Attempts int       `json:"attempts"`
	JobID    string    `json:"job_id,omitempty"`
}

// RunReport summarizes a finished (or cancelled) run: every task with its
// final state and attempt count. Abandoned tasks are always called out.
type RunReport struct {
	Experiment string            `json:"experiment"`
	Tasks      []TaskReport      `json:"tasks"`
	Counts     map[TaskState]int `json:"counts"`
}

// Abandoned returns the reports of tasks that exhausted their attempts.
func (r *RunReport) Abandoned() []TaskReport {
	var out []TaskReport
	for _, t := range r.Tasks {
		if t.State == TaskStateAbandoned {
			out = append(out, t)
		}
	}
	return out
}
