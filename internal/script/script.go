// Package script renders tasks into executable batch scripts plus the
// #SBATCH submission descriptor consumed by the gateway.
package script

import (
	"encoding/json"
	"fmt"
	"path"
	"sort"
	"strings"

	"github.com/vuphan314/slurmqueen/internal/models"
)

// Resources holds the scheduler resource requests applied to every task
// of an experiment.
type Resources struct {
	Partition   string   `json:"partition,omitempty"`
	Time        string   `json:"time,omitempty"`
	Mem         string   `json:"mem,omitempty"`
	Gpus        string   `json:"gpus,omitempty"`
	Nodes       int      `json:"nodes,omitempty"`
	Ntasks      int      `json:"ntasks,omitempty"`
	CPUsPerTask int      `json:"cpus_per_task,omitempty"`
	Modules     []string `json:"modules,omitempty"`
}

// Script is a rendered task: the batch file body plus where it lives and
// what it promises to produce.
type Script struct {
	TaskID  string
	Dir     string // remote working directory for the task
	Name    string // batch file name within Dir
	Body    []byte
	Outputs []string // declared output paths relative to Dir
}

// Renderer renders tasks of one experiment.
type Renderer struct {
	res Resources
}

// NewRenderer creates a renderer with the given resource requests.
func NewRenderer(res Resources) *Renderer {
	return &Renderer{res: res}
}

// Render produces the batch script for a task. The script, when it
// completes, writes each declared output to its declared relative path;
// the first line of the primary output is the task's argument header as
// JSON, and all command output is captured in <id>.log.
func (r *Renderer) Render(exp *models.Experiment, task *models.Task) (*Script, error) {
	dir := path.Join(exp.RemoteRoot, task.ID)
	primary := "./" + task.ID + ".out"

	header, err := headerJSON(task, primary)
	if err != nil {
		return nil, fmt.Errorf("render header for task %s: %w", task.ID, err)
	}

	var b strings.Builder
	b.WriteString("#!/bin/bash\n")
	fmt.Fprintf(&b, "#SBATCH --job-name=%s-%s\n", exp.Name, task.ID)
	fmt.Fprintf(&b, "#SBATCH --output=%s\n", path.Join(dir, task.ID+".slurm.log"))
	if r.res.Partition != "" {
		fmt.Fprintf(&b, "#SBATCH --partition=%s\n", r.res.Partition)
	}
	if r.res.Time != "" {
		fmt.Fprintf(&b, "#SBATCH --time=%s\n", r.res.Time)
	}
	if r.res.Mem != "" {
		fmt.Fprintf(&b, "#SBATCH --mem=%s\n", r.res.Mem)
	}
	if r.res.Gpus != "" {
		fmt.Fprintf(&b, "#SBATCH --gpus=%s\n", r.res.Gpus)
	}
	if r.res.Nodes > 0 {
		fmt.Fprintf(&b, "#SBATCH --nodes=%d\n", r.res.Nodes)
	}
	if r.res.Ntasks > 0 {
		fmt.Fprintf(&b, "#SBATCH --ntasks=%d\n", r.res.Ntasks)
	}
	if r.res.CPUsPerTask > 0 {
		fmt.Fprintf(&b, "#SBATCH --cpus-per-task=%d\n", r.res.CPUsPerTask)
	}
	for _, m := range r.res.Modules {
		fmt.Fprintf(&b, "module load %s\n", m)
	}
	fmt.Fprintf(&b, "cd %s\n", shellQuote(dir))
	fmt.Fprintf(&b, "echo \"%s\" > %s\n", strings.ReplaceAll(header, `"`, `\"`), primary)
	b.WriteString(commandLine(task, primary))
	fmt.Fprintf(&b, " &>> ./%s.log\n", task.ID)

	return &Script{
		TaskID:  task.ID,
		Dir:     dir,
		Name:    task.ID + ".sbatch",
		Body:    []byte(b.String()),
		Outputs: append([]string(nil), task.Outputs...),
	}, nil
}

// headerJSON builds the argument header echoed as the first line of the
// primary output file. Positional arguments live under the empty key,
// matching what the result parser expects.
func headerJSON(task *models.Task, output string) (string, error) {
	m := make(map[string]interface{}, len(task.Args.Named)+2)
	for k, v := range task.Args.Named {
		m[k] = v
	}
	if len(task.Args.Positional) > 0 {
		m[""] = task.Args.Positional
	}
	m["output"] = output
	data, err := json.Marshal(m)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// commandLine renders the task command with positional arguments first,
// then named flags in sorted order. The primary output path is passed as
// an "output" flag so the tool knows where to write its results; it
// overrides any user-supplied argument of the same name. Private
// arguments (key contains '|') appear only in the header, never on the
// command line.
func commandLine(task *models.Task, output string) string {
	var b strings.Builder
	b.WriteString(task.Command)
	for _, p := range task.Args.Positional {
		fmt.Fprintf(&b, " \"%s\"", p)
	}
	named := make(map[string]string, len(task.Args.Named)+1)
	for k, v := range task.Args.Named {
		if strings.Contains(k, "|") {
			continue
		}
		named[k] = v
	}
	named["output"] = output
	keys := make([]string, 0, len(named))
	for k := range named {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(&b, " --%s=\"%s\"", k, named[k])
	}
	return b.String()
}

func shellQuote(s string) string {
	if s == "" {
		return "''"
	}
	return "'" + strings.ReplaceAll(s, `'`, `'"'"'`) + "'"
}
