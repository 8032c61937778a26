package sshgate

import (
	"testing"

	"github.com/vuphan314/slurmqueen/internal/gateway"
)

func TestParseSbatchOutput(t *testing.T) {
	cases := []struct {
		in      string
		want    string
		wantErr bool
	}{
		{"2723147\n", "2723147", false},
		{"2723147;cluster2\n", "2723147", false},
		{"", "", true},
		{"  \n", "", true},
	}
	for _, c := range cases {
		got, err := parseSbatchOutput(c.in)
		if (err != nil) != c.wantErr {
			t.Errorf("parseSbatchOutput(%q): err = %v", c.in, err)
			continue
		}
		if got != c.want {
			t.Errorf("parseSbatchOutput(%q) = %q, want %q", c.in, got, c.want)
		}
	}
}

func TestParseSqueueState(t *testing.T) {
	cases := []struct {
		in     string
		want   gateway.JobState
		listed bool
	}{
		{"PENDING\n", gateway.JobQueued, true},
		{"CONFIGURING\n", gateway.JobQueued, true},
		{"RUNNING\n", gateway.JobRunning, true},
		{"COMPLETING\n", gateway.JobRunning, true},
		{"COMPLETED\n", gateway.JobSucceeded, true},
		{"FAILED\n", gateway.JobFailed, true},
		{"", gateway.JobState(""), false},
		{"\n", gateway.JobState(""), false},
	}
	for _, c := range cases {
		got, listed := parseSqueueState(c.in)
		if listed != c.listed {
			t.Errorf("parseSqueueState(%q): listed = %v, want %v", c.in, listed, c.listed)
			continue
		}
		if listed && got.State != c.want {
			t.Errorf("parseSqueueState(%q) = %s, want %s", c.in, got.State, c.want)
		}
	}
}

func TestParseSacctOutput(t *testing.T) {
	cases := []struct {
		in       string
		want     gateway.JobState
		wantExit int
	}{
		{"COMPLETED|0:0\n", gateway.JobSucceeded, 0},
		{"FAILED|3:0\n", gateway.JobFailed, 3},
		{"TIMEOUT|0:0\n", gateway.JobFailed, 1},
		{"CANCELLED by 1000|0:0\n", gateway.JobFailed, 1},
		{"NODE_FAIL|1:0\n", gateway.JobFailed, 1},
		{"RUNNING|0:0\n", gateway.JobRunning, 0},
		{"PENDING|0:0\n", gateway.JobQueued, 0},
		// Requeued jobs report a trailing '+'.
		{"COMPLETED+|0:0\n", gateway.JobSucceeded, 0},
		// No accounting record at all: the identifier is unknown.
		{"", gateway.JobUnknown, 0},
		{"\n\n", gateway.JobUnknown, 0},
		// Rows with an empty state column must not be trusted (or crash).
		{"|0:0\n", gateway.JobUnknown, 0},
		{"|0:0\nCOMPLETED|0:0\n", gateway.JobSucceeded, 0},
	}
	for _, c := range cases {
		got := parseSacctOutput(c.in)
		if got.State != c.want {
			t.Errorf("parseSacctOutput(%q) = %s, want %s", c.in, got.State, c.want)
		}
		if got.State == gateway.JobFailed && got.ExitCode != c.wantExit {
			t.Errorf("parseSacctOutput(%q) exit = %d, want %d", c.in, got.ExitCode, c.wantExit)
		}
	}
}
