package harness

import (
	"context"
	"encoding/hex"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/zeebo/blake3"

	"github.com/weiihann/devbench/config"
	"github.com/weiihann/devbench/device"
	"github.com/weiihann/devbench/report"
	"github.com/weiihann/devbench/retry"
	"github.com/weiihann/devbench/telemetry"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// scriptedProcess prints its lines and then either idles until
// interrupted or, with a non-zero code, exits.
type scriptedProcess struct {
	stdoutR *io.PipeReader
	stdoutW *io.PipeWriter
	stderrR *io.PipeReader
	stderrW *io.PipeWriter

	done chan struct{}
	once sync.Once
	code int
}

func startScripted(lines []string, code int) *scriptedProcess {
	p := &scriptedProcess{done: make(chan struct{})}
	p.stdoutR, p.stdoutW = io.Pipe()
	p.stderrR, p.stderrW = io.Pipe()

	go func() {
		for _, line := range lines {
			if _, err := io.WriteString(p.stdoutW, line+"\n"); err != nil {
				return
			}
		}
		if code != 0 {
			p.exit(code)
		}
	}()

	return p
}

func (p *scriptedProcess) exit(code int) {
	p.once.Do(func() {
		p.code = code
		p.stdoutW.Close()
		p.stderrW.Close()
		close(p.done)
	})
}

func (p *scriptedProcess) Stdout() io.Reader     { return p.stdoutR }
func (p *scriptedProcess) Stderr() io.Reader     { return p.stderrR }
func (p *scriptedProcess) Done() <-chan struct{} { return p.done }

func (p *scriptedProcess) ExitCode() (int, bool) {
	select {
	case <-p.done:
		return p.code, true
	default:
		return 0, false
	}
}

func (p *scriptedProcess) Interrupt() error { p.exit(0); return nil }
func (p *scriptedProcess) Kill() error      { p.exit(-1); return nil }

func (p *scriptedProcess) Close() error {
	p.stdoutR.Close()
	p.stderrR.Close()

	return nil
}

// scriptedTransport launches, per attempt, the process returned by
// launch.
type scriptedTransport struct {
	launch func(ctx context.Context, n int) *scriptedProcess

	launches int
	cleanups int
}

func (t *scriptedTransport) Name() string                                    { return "scripted" }
func (t *scriptedTransport) Connect(context.Context) error                   { return nil }
func (t *scriptedTransport) Transfer(context.Context, device.Artifact) error { return nil }
func (t *scriptedTransport) Handshake(bool) device.Handshake                 { return device.Handshake{} }
func (t *scriptedTransport) Close() error                                    { return nil }

func (t *scriptedTransport) Launch(ctx context.Context, _ device.Artifact, _ bool) (device.Process, error) {
	t.launches++
	return t.launch(ctx, t.launches), nil
}

func (t *scriptedTransport) Cleanup(context.Context) error {
	t.cleanups++
	return nil
}

var goodRun = []string{
	"booting",
	"# REPORT 1",
	"Performance counter loop: [10,20] us",
	"main stack usage: 512 B",
	"Heap usage: 64 B",
	"# REPORT 2",
}

func writeArtifact(t *testing.T) string {
	t.Helper()

	dir := filepath.Join(t.TempDir(), "release")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatal(err)
	}

	path := filepath.Join(dir, "blinky.elf")
	if err := os.WriteFile(path, []byte("firmware"), 0o644); err != nil {
		t.Fatal(err)
	}

	return path
}

func testRunConfig(t *testing.T, iters int) RunConfig {
	t.Helper()

	return RunConfig{
		OutputDir:  t.TempDir(),
		Iterations: iters,
		Retries:    2,
		Session: device.Options{
			Protocol:       report.ProtocolCombined,
			Reports:        2,
			LineTimeout:    time.Second,
			ConnectTimeout: time.Second,
			StopGrace:      time.Second,
		},
	}
}

func TestResolveArtifact(t *testing.T) {
	path := writeArtifact(t)

	artifact, err := ResolveArtifact(path)
	if err != nil {
		t.Fatalf("ResolveArtifact failed: %v", err)
	}

	sum := blake3.Sum256([]byte("firmware"))

	want := device.Artifact{
		Path:    path,
		Name:    "blinky",
		Profile: "release",
		Digest:  hex.EncodeToString(sum[:]),
	}
	if diff := cmp.Diff(want, artifact); diff != "" {
		t.Errorf("artifact mismatch (-want +got):\n%s", diff)
	}
}

func TestResolveArtifactErrors(t *testing.T) {
	dir := t.TempDir()

	if _, err := ResolveArtifact(filepath.Join(dir, "missing")); err == nil {
		t.Error("expected error for missing artifact")
	}
	if _, err := ResolveArtifact(dir); err == nil {
		t.Error("expected error for directory")
	}

	hidden := filepath.Join(dir, ".hidden")
	if err := os.WriteFile(hidden, nil, 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := ResolveArtifact(hidden); err == nil {
		t.Error("expected error for artifact without a name")
	}
}

func TestRunnerResumes(t *testing.T) {
	path := writeArtifact(t)
	cfg := testRunConfig(t, 3)

	existing := report.AttemptResult{
		Performance: []telemetry.PerformanceRecord{{Report: 1, Name: "old", TimeUS: 1, Samples: 1}},
	}
	profileDir := filepath.Join(cfg.OutputDir, "release")
	if err := os.MkdirAll(profileDir, 0o755); err != nil {
		t.Fatal(err)
	}
	err := report.WriteIteration(
		filepath.Join(profileDir, "blinky-perf-1.csv"),
		filepath.Join(profileDir, "blinky-mem-1.csv"),
		existing,
	)
	if err != nil {
		t.Fatal(err)
	}

	tr := &scriptedTransport{
		launch: func(context.Context, int) *scriptedProcess {
			return startScripted(goodRun, 0)
		},
	}

	summary, err := NewRunner(tr, discardLogger()).Run(context.Background(), path, cfg)
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	if tr.launches != 2 {
		t.Errorf("launches = %d, want 2", tr.launches)
	}
	if diff := cmp.Diff([]int{1}, summary.Found); diff != "" {
		t.Errorf("found mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]int{0, 2}, summary.Completed); diff != "" {
		t.Errorf("completed mismatch (-want +got):\n%s", diff)
	}
	if len(summary.Failed) != 0 {
		t.Errorf("failed = %v, want none", summary.Failed)
	}
	if summary.Performance != 4 {
		t.Errorf("performance records = %d, want 4", summary.Performance)
	}
	if summary.PeakMemoryBytes != 512 {
		t.Errorf("peak memory = %d, want 512", summary.PeakMemoryBytes)
	}

	perf, err := report.ReadPerformance(filepath.Join(profileDir, "blinky-perf-2.csv"))
	if err != nil {
		t.Fatalf("ReadPerformance failed: %v", err)
	}

	want := []telemetry.PerformanceRecord{
		{Report: 1, Name: "loop", TimeUS: 10, Samples: 1},
		{Report: 1, Name: "loop", TimeUS: 20, Samples: 1},
	}
	if diff := cmp.Diff(want, perf); diff != "" {
		t.Errorf("performance mismatch (-want +got):\n%s", diff)
	}

	kept, err := report.ReadPerformance(filepath.Join(profileDir, "blinky-perf-1.csv"))
	if err != nil {
		t.Fatalf("ReadPerformance failed: %v", err)
	}
	if diff := cmp.Diff(existing.Performance, kept); diff != "" {
		t.Errorf("existing iteration rewritten (-want +got):\n%s", diff)
	}
}

func TestRunnerFailedIterationContinues(t *testing.T) {
	path := writeArtifact(t)
	cfg := testRunConfig(t, 2)

	tr := &scriptedTransport{
		launch: func(_ context.Context, n int) *scriptedProcess {
			if n <= 2 {
				return startScripted([]string{"# REPORT 1"}, 1)
			}
			return startScripted(goodRun, 0)
		},
	}

	summary, err := NewRunner(tr, discardLogger()).Run(context.Background(), path, cfg)
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	if diff := cmp.Diff([]int{0}, summary.Failed); diff != "" {
		t.Errorf("failed mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]int{1}, summary.Completed); diff != "" {
		t.Errorf("completed mismatch (-want +got):\n%s", diff)
	}
	if tr.cleanups != 2 {
		t.Errorf("cleanups = %d, want 2", tr.cleanups)
	}

	failed := filepath.Join(cfg.OutputDir, "release", "blinky-perf-0.csv")
	if _, err := os.Stat(failed); !errors.Is(err, os.ErrNotExist) {
		t.Errorf("report of failed iteration exists: %v", err)
	}
}

func TestRunnerInterrupted(t *testing.T) {
	path := writeArtifact(t)
	cfg := testRunConfig(t, 3)
	cfg.Session.LineTimeout = 10 * time.Second

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	tr := &scriptedTransport{
		launch: func(context.Context, int) *scriptedProcess {
			p := startScripted([]string{"# REPORT 1"}, 0)
			time.AfterFunc(50*time.Millisecond, cancel)
			return p
		},
	}

	summary, err := NewRunner(tr, discardLogger()).Run(ctx, path, cfg)
	if !errors.Is(err, retry.ErrInterrupted) {
		t.Fatalf("err = %v, want ErrInterrupted", err)
	}
	if !errors.Is(err, context.Canceled) {
		t.Errorf("err = %v, want context.Canceled", err)
	}

	if tr.launches != 1 {
		t.Errorf("launches = %d, want 1", tr.launches)
	}
	if tr.cleanups != 0 {
		t.Errorf("cleanups = %d, want 0", tr.cleanups)
	}
	if len(summary.Completed) != 0 || len(summary.Failed) != 0 {
		t.Errorf("summary = %+v, want no finished iterations", summary)
	}
}

func TestNewTransport(t *testing.T) {
	for _, name := range KnownTransports() {
		cfg := config.Default()
		cfg.Transport = name

		tr, err := NewTransport(cfg, discardLogger())
		if err != nil {
			t.Errorf("NewTransport(%q) failed: %v", name, err)
			continue
		}
		if tr.Name() != name {
			t.Errorf("transport name = %q, want %q", tr.Name(), name)
		}
	}

	cfg := config.Default()
	cfg.Transport = "jtag"

	if _, err := NewTransport(cfg, discardLogger()); err == nil {
		t.Error("expected error for unknown transport")
	}
}
