// Package experiment builds immutable experiment definitions from a base
// command and a grid of per-task argument sets.
package experiment

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/vuphan314/slurmqueen/internal/models"
)

// ErrValidation indicates an experiment definition was rejected. It is
// fatal at definition time and never retried.
var ErrValidation = errors.New("invalid experiment definition")

// TaskSpec describes one task of an experiment before expansion.
type TaskSpec struct {
	// ID overrides the default zero-padded ordinal identifier.
	ID string `json:"id,omitempty"`
	// Command overrides the experiment-level command for this task.
	Command string `json:"command,omitempty"`
	// Args is the argument set rendered onto the command line and echoed
	// into the output header.
	Args models.TaskArgs `json:"args"`
	// Outputs lists extra declared output paths, relative to the task's
	// remote working directory. The primary "<id>.out" file is always
	// declared.
	Outputs []string `json:"outputs,omitempty"`
}

// Definition is the operator-supplied description of an experiment,
// typically decoded from a JSON spec file.
type Definition struct {
	Name       string     `json:"name"`
	Command    string     `json:"command"`
	OutputRoot string     `json:"output_root"`
	RemoteRoot string     `json:"remote_root"`
	Tasks      []TaskSpec `json:"tasks"`
}

// Define validates a definition and expands it into an experiment. Pure
// construction: no side effects. Fails with ErrValidation if any declared
// output path is absolute or escapes the task working directory, or if
// task identifiers collide.
func Define(def Definition) (*models.Experiment, error) {
	if def.Name == "" {
		return nil, fmt.Errorf("%w: experiment name is required", ErrValidation)
	}
	if len(def.Tasks) == 0 {
		return nil, fmt.Errorf("%w: experiment %q has no tasks", ErrValidation, def.Name)
	}
	if def.Command == "" {
		for i, ts := range def.Tasks {
			if ts.Command == "" {
				return nil, fmt.Errorf("%w: task %d has no command and no experiment command is set", ErrValidation, i)
			}
		}
	}

	width := len(fmt.Sprintf("%d", len(def.Tasks)))
	exp := &models.Experiment{
		Name:       def.Name,
		OutputRoot: def.OutputRoot,
		RemoteRoot: def.RemoteRoot,
		CreatedAt:  time.Now().UTC(),
	}

	seen := make(map[string]bool, len(def.Tasks))
	for i, ts := range def.Tasks {
		id := ts.ID
		if id == "" {
			id = fmt.Sprintf("%0*d", width, i)
		}
		if seen[id] {
			return nil, fmt.Errorf("%w: duplicate task identifier %q", ErrValidation, id)
		}
		seen[id] = true

		command := ts.Command
		if command == "" {
			command = def.Command
		}

		outputs := []string{id + ".out"}
		for _, p := range ts.Outputs {
			if err := validateOutputPath(p); err != nil {
				return nil, fmt.Errorf("%w: task %q output %q: %v", ErrValidation, id, p, err)
			}
			if p != outputs[0] {
				outputs = append(outputs, filepath.Clean(p))
			}
		}

		exp.Tasks = append(exp.Tasks, &models.Task{
			ID:         id,
			Experiment: def.Name,
			Command:    command,
			Args:       copyArgs(ts.Args),
			Outputs:    outputs,
			State:      models.TaskStatePending,
		})
	}
	return exp, nil
}

// validateOutputPath rejects paths that would let a task write or read
// outside its own working directory.
func validateOutputPath(p string) error {
	if p == "" {
		return errors.New("empty path")
	}
	if filepath.IsAbs(p) {
		return errors.New("must be relative to the task working directory")
	}
	clean := filepath.Clean(p)
	if clean == ".." || strings.HasPrefix(clean, "../") {
		return errors.New("escapes the task working directory")
	}
	return nil
}

func copyArgs(a models.TaskArgs) models.TaskArgs {
	out := models.TaskArgs{}
	if len(a.Positional) > 0 {
		out.Positional = append([]string(nil), a.Positional...)
	}
	if len(a.Named) > 0 {
		out.Named = make(map[string]string, len(a.Named))
		for k, v := range a.Named {
			out.Named[k] = v
		}
	}
	return out
}
