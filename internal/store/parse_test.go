package store

import (
	"bytes"
	"testing"
)

func TestParseOutputHeaderAndPairs(t *testing.T) {
	data := []byte(`{"timeout":"100","seed":7,"":["input.cnf"],"output":"./03.out"}
Time: 12.5
Result: SAT
Memory: inf
Score: nan
not a pair
: empty key
`)
	got, err := ParseOutput(data)
	if err != nil {
		t.Fatalf("ParseOutput: %v", err)
	}
	want := map[string]string{
		"timeout": "100",
		"seed":    "7",
		"output":  "./03.out",
		"Time":    "12.5",
		"Result":  "SAT",
		"Memory":  "-1",
		"Score":   "-1",
	}
	if len(got) != len(want) {
		t.Fatalf("got %v, want %v", got, want)
	}
	for k, v := range want {
		if got[k] != v {
			t.Errorf("key %q = %q, want %q", k, got[k], v)
		}
	}
}

func TestParseOutputValueWithColon(t *testing.T) {
	got, err := ParseOutput([]byte("{}\nElapsed: 01:02:03\n"))
	if err != nil {
		t.Fatalf("ParseOutput: %v", err)
	}
	if got["Elapsed"] != "01:02:03" {
		t.Errorf("Elapsed = %q, want 01:02:03", got["Elapsed"])
	}
}

func TestParseOutputNoHeader(t *testing.T) {
	got, err := ParseOutput([]byte("Time: 3\n"))
	if err != nil {
		t.Fatalf("ParseOutput: %v", err)
	}
	if got["Time"] != "3" {
		t.Errorf("Time = %q, want 3", got["Time"])
	}
}

func TestParseOutputEmpty(t *testing.T) {
	got, err := ParseOutput(nil)
	if err != nil {
		t.Fatalf("ParseOutput: %v", err)
	}
	if len(got) != 0 {
		t.Errorf("got %v, want empty", got)
	}
}

func TestParseOutputOverlongLine(t *testing.T) {
	var data []byte
	data = append(data, []byte("{}\nTime: 3\n")...)
	data = append(data, []byte("Blob: ")...)
	data = append(data, bytes.Repeat([]byte("x"), 2*1024*1024)...)
	data = append(data, '\n')

	got, err := ParseOutput(data)
	if err == nil {
		t.Fatal("expected a scan error for a line over the buffer limit")
	}
	// Everything before the overlong line is still returned.
	if got["Time"] != "3" {
		t.Errorf("Time = %q, want 3", got["Time"])
	}
}
