// Package report accumulates the telemetry of a benchmark attempt,
// persists it as CSV and formats run summaries.
package report

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
)

// ArtifactSummary describes the outcome of benchmarking one artifact.
type ArtifactSummary struct {
	Artifact        string `json:"artifact"`
	Profile         string `json:"profile"`
	Digest          string `json:"digest"`
	Found           []int  `json:"found"`
	Completed       []int  `json:"completed"`
	Failed          []int  `json:"failed"`
	ElapsedMs       int64  `json:"elapsed_ms"`
	Performance     int    `json:"performance_records"`
	PeakMemoryBytes uint64 `json:"peak_memory_bytes"`
}

// RunSummary groups the artifact summaries of one invocation.
type RunSummary struct {
	RunID     string            `json:"run_id"`
	Artifacts []ArtifactSummary `json:"artifacts"`
}

// Generate writes a markdown table summarising the run to w.
func Generate(w io.Writer, run RunSummary) error {
	if len(run.Artifacts) == 0 {
		return fmt.Errorf("no results to report")
	}

	fmt.Fprintln(w, "## Benchmark Results")
	fmt.Fprintln(w)
	fmt.Fprintf(w, "Run: `%s`\n", run.RunID)
	fmt.Fprintln(w)

	fmt.Fprintln(w, "| Artifact | Profile | Found | Completed | Failed "+
		"| Perf Records | Peak Mem | Elapsed |")
	fmt.Fprintln(w, "|----------|---------|-------|-----------|--------"+
		"|--------------|----------|---------|")

	for _, a := range run.Artifacts {
		fmt.Fprintf(w, "| %s | %s | %s | %s | %s | %d | %s | %s |\n",
			a.Artifact,
			a.Profile,
			formatIterations(a.Found),
			formatIterations(a.Completed),
			formatIterations(a.Failed),
			a.Performance,
			formatBytes(a.PeakMemoryBytes),
			formatMs(a.ElapsedMs),
		)
	}

	fmt.Fprintln(w)

	fmt.Fprintln(w, "| Artifact | Digest |")
	fmt.Fprintln(w, "|----------|--------|")

	for _, a := range run.Artifacts {
		fmt.Fprintf(w, "| %s | %s |\n", a.Artifact, a.Digest)
	}

	return nil
}

// GenerateJSON writes the run summary as JSON to w.
func GenerateJSON(w io.Writer, run RunSummary) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")

	return enc.Encode(run)
}

// PeakMemory returns the largest usage among records.
func PeakMemory(result AttemptResult) uint64 {
	var peak uint64
	for _, r := range result.Memory {
		peak = max(peak, r.UsageBytes)
	}

	return peak
}

func formatIterations(iters []int) string {
	if len(iters) == 0 {
		return "-"
	}

	parts := make([]string, len(iters))
	for i, n := range iters {
		parts[i] = fmt.Sprint(n)
	}

	return strings.Join(parts, ",")
}

func formatMs(ms int64) string {
	if ms < 1000 {
		return fmt.Sprintf("%dms", ms)
	}

	return fmt.Sprintf("%.2fs", float64(ms)/1000)
}

func formatBytes(b uint64) string {
	if b == 0 {
		return "-"
	}

	units := []string{"B", "KB", "MB", "GB", "TB"}
	size := float64(b)
	unit := 0

	for size >= 1024 && unit < len(units)-1 {
		size /= 1024
		unit++
	}

	formatted := fmt.Sprintf("%.1f", size)
	formatted = strings.TrimRight(formatted, "0")
	formatted = strings.TrimRight(formatted, ".")

	return formatted + " " + units[unit]
}
