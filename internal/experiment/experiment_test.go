package experiment

import (
	"errors"
	"testing"

	"github.com/vuphan314/slurmqueen/internal/models"
)

func TestDefineExpandsGrid(t *testing.T) {
	def := Definition{
		Name:       "grid",
		Command:    "./solve",
		OutputRoot: "/tmp/grid",
		RemoteRoot: "/scratch/grid",
		Tasks: []TaskSpec{
			{Args: models.TaskArgs{Named: map[string]string{"k": "1"}}},
			{Args: models.TaskArgs{Named: map[string]string{"k": "2"}}},
			{Args: models.TaskArgs{Named: map[string]string{"k": "3"}}},
		},
	}

	exp, err := Define(def)
	if err != nil {
		t.Fatalf("Define: %v", err)
	}
	if len(exp.Tasks) != 3 {
		t.Fatalf("expected 3 tasks, got %d", len(exp.Tasks))
	}
	for i, want := range []string{"0", "1", "2"} {
		task := exp.Tasks[i]
		if task.ID != want {
			t.Errorf("task %d: ID = %q, want %q", i, task.ID, want)
		}
		if task.State != models.TaskStatePending {
			t.Errorf("task %d: state = %s, want pending", i, task.State)
		}
		if len(task.Outputs) != 1 || task.Outputs[0] != want+".out" {
			t.Errorf("task %d: outputs = %v, want [%s.out]", i, task.Outputs, want)
		}
	}
}

func TestDefinePadsOrdinals(t *testing.T) {
	def := Definition{Name: "big", Command: "./solve"}
	for i := 0; i < 12; i++ {
		def.Tasks = append(def.Tasks, TaskSpec{})
	}
	exp, err := Define(def)
	if err != nil {
		t.Fatalf("Define: %v", err)
	}
	if exp.Tasks[0].ID != "00" {
		t.Errorf("first ID = %q, want 00", exp.Tasks[0].ID)
	}
	if exp.Tasks[11].ID != "11" {
		t.Errorf("last ID = %q, want 11", exp.Tasks[11].ID)
	}
}

func TestDefineRejectsBadOutputs(t *testing.T) {
	cases := []string{
		"/etc/passwd",
		"../sibling.out",
		"a/../../escape.out",
		"",
	}
	for _, p := range cases {
		def := Definition{
			Name:    "bad",
			Command: "./solve",
			Tasks:   []TaskSpec{{Outputs: []string{p}}},
		}
		_, err := Define(def)
		if !errors.Is(err, ErrValidation) {
			t.Errorf("output %q: err = %v, want ErrValidation", p, err)
		}
	}

	// A nested relative path is fine.
	def := Definition{
		Name:    "ok",
		Command: "./solve",
		Tasks:   []TaskSpec{{Outputs: []string{"sub/extra.csv"}}},
	}
	if _, err := Define(def); err != nil {
		t.Errorf("nested relative output rejected: %v", err)
	}
}

func TestDefineRejectsIDCollisions(t *testing.T) {
	def := Definition{
		Name:    "dup",
		Command: "./solve",
		Tasks:   []TaskSpec{{ID: "a"}, {ID: "a"}},
	}
	if _, err := Define(def); !errors.Is(err, ErrValidation) {
		t.Errorf("err = %v, want ErrValidation", err)
	}
}

func TestDefineRequiresCommand(t *testing.T) {
	def := Definition{Name: "nocmd", Tasks: []TaskSpec{{}}}
	if _, err := Define(def); !errors.Is(err, ErrValidation) {
		t.Errorf("err = %v, want ErrValidation", err)
	}

	// Per-task commands satisfy the requirement.
	def.Tasks = []TaskSpec{{Command: "./solve"}}
	if _, err := Define(def); err != nil {
		t.Errorf("per-task command rejected: %v", err)
	}
}
