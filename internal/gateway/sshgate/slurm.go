package sshgate

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/vuphan314/slurmqueen/internal/gateway"
)

// slurmStates maps Slurm state strings to whether the job is done and
// whether it failed. States absent from the map while squeue still lists
// the job count as queued.
var slurmStates = map[string]struct {
	done   bool
	failed bool
}{
	"PENDING":       {done: false, failed: false},
	"CONFIGURING":   {done: false, failed: false},
	"SUSPENDED":     {done: false, failed: false},
	"RUNNING":       {done: false, failed: false},
	"COMPLETING":    {done: false, failed: false},
	"COMPLETED":     {done: true, failed: false},
	"BOOT_FAIL":     {done: true, failed: true},
	"CANCELLED":     {done: true, failed: true},
	"DEADLINE":      {done: true, failed: true},
	"FAILED":        {done: true, failed: true},
	"NODE_FAIL":     {done: true, failed: true},
	"OUT_OF_MEMORY": {done: true, failed: true},
	"PREEMPTED":     {done: true, failed: true},
	"TIMEOUT":       {done: true, failed: true},
}

// parseSbatchOutput extracts the job id from sbatch --parsable output.
// Multi-cluster systems print JOBID;CLUSTER, single-cluster just JOBID.
func parseSbatchOutput(out string) (string, error) {
	trimmed := strings.TrimSpace(out)
	if trimmed == "" {
		return "", fmt.Errorf("sbatch produced no job identifier")
	}
	jobID := strings.SplitN(trimmed, ";", 2)[0]
	if jobID == "" {
		return "", fmt.Errorf("unable to parse sbatch output %q", out)
	}
	return jobID, nil
}

// parseSqueueState interprets `squeue -h -j ID -o %T` output. The second
// return is false when squeue no longer lists the job and the caller
// should consult sacct.
func parseSqueueState(out string) (gateway.JobStatus, bool) {
	state := strings.ToUpper(strings.TrimSpace(strings.SplitN(out, "\n", 2)[0]))
	if state == "" {
		return gateway.JobStatus{}, false
	}
	info, known := slurmStates[state]
	if !known || !info.done {
		if state == "RUNNING" || state == "COMPLETING" {
			return gateway.JobStatus{State: gateway.JobRunning}, true
		}
		return gateway.JobStatus{State: gateway.JobQueued}, true
	}
	if info.failed {
		return gateway.JobStatus{State: gateway.JobFailed, ExitCode: 1}, true
	}
	return gateway.JobStatus{State: gateway.JobSucceeded}, true
}

// parseSacctOutput interprets `sacct -n -X -j ID -o State,ExitCode -P`
// output. Empty output means the accounting system has no record either:
// the identifier is unknown to the cluster.
func parseSacctOutput(out string) gateway.JobStatus {
	for _, line := range strings.Split(strings.TrimSpace(out), "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		fields := strings.SplitN(line, "|", 2)
		// States like "CANCELLED by 123" carry a suffix; the first word is
		// the state itself. Trailing '+' marks requeued jobs. A row with an
		// empty state column is skipped rather than trusted.
		words := strings.Fields(fields[0])
		if len(words) == 0 {
			continue
		}
		state := strings.ToUpper(strings.Trim(words[0], "+"))

		info, known := slurmStates[state]
		if !known {
			return gateway.JobStatus{State: gateway.JobUnknown}
		}
		if !info.done {
			if state == "RUNNING" || state == "COMPLETING" {
				return gateway.JobStatus{State: gateway.JobRunning}
			}
			return gateway.JobStatus{State: gateway.JobQueued}
		}
		if !info.failed {
			return gateway.JobStatus{State: gateway.JobSucceeded}
		}
		exit := 1
		if len(fields) == 2 {
			// ExitCode is "code:signal".
			if code, err := strconv.Atoi(strings.SplitN(fields[1], ":", 2)[0]); err == nil && code != 0 {
				exit = code
			}
		}
		return gateway.JobStatus{State: gateway.JobFailed, ExitCode: exit}
	}
	return gateway.JobStatus{State: gateway.JobUnknown}
}
