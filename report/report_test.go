package report

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"
)

func TestGenerate(t *testing.T) {
	run := RunSummary{
		RunID: "5a1d",
		Artifacts: []ArtifactSummary{
			{
				Artifact:        "blinky",
				Profile:         "release",
				Digest:          "af1349b9",
				Found:           []int{1, 3},
				Completed:       []int{0, 2},
				Failed:          []int{4},
				ElapsedMs:       1500,
				Performance:     300,
				PeakMemoryBytes: 1536,
			},
			{
				Artifact: "motor",
				Profile:  "debug",
				Digest:   "0b7c11de",
			},
		},
	}

	var buf bytes.Buffer
	if err := Generate(&buf, run); err != nil {
		t.Fatalf("Generate failed: %v", err)
	}

	output := buf.String()

	for _, want := range []string{
		"5a1d",
		"| blinky | release | 1,3 | 0,2 | 4 | 300 | 1.5 KB | 1.50s |",
		"| motor | debug | - | - | - | 0 | - | 0ms |",
		"| blinky | af1349b9 |",
	} {
		if !strings.Contains(output, want) {
			t.Errorf("output missing %q:\n%s", want, output)
		}
	}
}

func TestGenerateEmpty(t *testing.T) {
	var buf bytes.Buffer
	err := Generate(&buf, RunSummary{})
	if err == nil {
		t.Error("expected error for empty results")
	}
}

func TestGenerateJSON(t *testing.T) {
	run := RunSummary{
		RunID:     "run-1",
		Artifacts: []ArtifactSummary{{Artifact: "blinky", Completed: []int{0}}},
	}

	var buf bytes.Buffer
	if err := GenerateJSON(&buf, run); err != nil {
		t.Fatalf("GenerateJSON failed: %v", err)
	}

	var parsed RunSummary
	if err := json.Unmarshal(buf.Bytes(), &parsed); err != nil {
		t.Fatalf("output is not valid JSON: %v", err)
	}

	if parsed.RunID != "run-1" {
		t.Errorf("run_id = %q, want run-1", parsed.RunID)
	}
	if len(parsed.Artifacts) != 1 {
		t.Fatalf("expected 1 artifact, got %d", len(parsed.Artifacts))
	}
	if parsed.Artifacts[0].Artifact != "blinky" {
		t.Errorf("artifact = %q, want blinky", parsed.Artifacts[0].Artifact)
	}
}

func TestFormatBytes(t *testing.T) {
	tests := []struct {
		input uint64
		want  string
	}{
		{0, "-"},
		{512, "512 B"},
		{1024, "1 KB"},
		{1536, "1.5 KB"},
		{1048576, "1 MB"},
		{1073741824, "1 GB"},
	}

	for _, tt := range tests {
		got := formatBytes(tt.input)
		if got != tt.want {
			t.Errorf("formatBytes(%d) = %q, want %q", tt.input, got, tt.want)
		}
	}
}

func TestFormatMs(t *testing.T) {
	tests := []struct {
		input int64
		want  string
	}{
		{0, "0ms"},
		{999, "999ms"},
		{1000, "1.00s"},
		{60000, "60.00s"},
	}

	for _, tt := range tests {
		got := formatMs(tt.input)
		if got != tt.want {
			t.Errorf("formatMs(%d) = %q, want %q", tt.input, got, tt.want)
		}
	}
}
