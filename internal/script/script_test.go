package script

import (
	"strings"
	"testing"

	"github.com/vuphan314/slurmqueen/internal/models"
)

func testExperiment() (*models.Experiment, *models.Task) {
	task := &models.Task{
		ID:         "03",
		Experiment: "bench",
		Command:    "./solve",
		Args: models.TaskArgs{
			Positional: []string{"input.cnf"},
			Named: map[string]string{
				"timeout":  "100",
				"seed":     "7",
				"cluster|": "internal", // private: header only
			},
		},
		Outputs: []string{"03.out"},
	}
	exp := &models.Experiment{
		Name:       "bench",
		RemoteRoot: "/scratch/bench",
		Tasks:      []*models.Task{task},
	}
	return exp, task
}

func TestRenderDirectives(t *testing.T) {
	exp, task := testExperiment()
	r := NewRenderer(Resources{
		Partition:   "general",
		Time:        "02:00:00",
		Mem:         "4GB",
		CPUsPerTask: 2,
		Modules:     []string{"gcc/12"},
	})

	sc, err := r.Render(exp, task)
	if err != nil {
		t.Fatalf("Render: %v", err)
	}
	if sc.Dir != "/scratch/bench/03" {
		t.Errorf("Dir = %q", sc.Dir)
	}
	if sc.Name != "03.sbatch" {
		t.Errorf("Name = %q", sc.Name)
	}

	body := string(sc.Body)
	for _, want := range []string{
		"#!/bin/bash\n",
		"#SBATCH --job-name=bench-03\n",
		"#SBATCH --output=/scratch/bench/03/03.slurm.log\n",
		"#SBATCH --partition=general\n",
		"#SBATCH --time=02:00:00\n",
		"#SBATCH --mem=4GB\n",
		"#SBATCH --cpus-per-task=2\n",
		"module load gcc/12\n",
		"cd '/scratch/bench/03'\n",
	} {
		if !strings.Contains(body, want) {
			t.Errorf("body missing %q\nbody:\n%s", want, body)
		}
	}
}

func TestRenderHeaderEcho(t *testing.T) {
	exp, task := testExperiment()
	sc, err := NewRenderer(Resources{}).Render(exp, task)
	if err != nil {
		t.Fatalf("Render: %v", err)
	}
	body := string(sc.Body)

	// The header echo writes escaped JSON into the primary output before
	// the command runs.
	if !strings.Contains(body, `> ./03.out`) {
		t.Errorf("body missing header redirect:\n%s", body)
	}
	if !strings.Contains(body, `\"output\":\"./03.out\"`) {
		t.Errorf("body missing output key in header:\n%s", body)
	}
	if !strings.Contains(body, `\"timeout\":\"100\"`) {
		t.Errorf("body missing named arg in header:\n%s", body)
	}
	// Private args are recorded in the header...
	if !strings.Contains(body, `cluster|`) {
		t.Errorf("private arg missing from header:\n%s", body)
	}
}

func TestRenderCommandLine(t *testing.T) {
	exp, task := testExperiment()
	sc, err := NewRenderer(Resources{}).Render(exp, task)
	if err != nil {
		t.Fatalf("Render: %v", err)
	}
	body := string(sc.Body)

	if !strings.Contains(body, `./solve "input.cnf" --output="./03.out" --seed="7" --timeout="100" &>> ./03.log`) {
		t.Errorf("command line wrong:\n%s", body)
	}
	// ...but never rendered as a flag.
	if strings.Contains(body, `--cluster|=`) {
		t.Errorf("private arg leaked onto command line:\n%s", body)
	}
}

func TestRenderOutputFlagOverridesUserArg(t *testing.T) {
	exp, task := testExperiment()
	task.Args.Named["output"] = "/somewhere/else"
	sc, err := NewRenderer(Resources{}).Render(exp, task)
	if err != nil {
		t.Fatalf("Render: %v", err)
	}
	body := string(sc.Body)

	// The tool must always be pointed at the declared primary output.
	if !strings.Contains(body, `--output="./03.out"`) {
		t.Errorf("command line missing output flag:\n%s", body)
	}
	if strings.Contains(body, `--output="/somewhere/else"`) {
		t.Errorf("user output arg not overridden:\n%s", body)
	}
}
