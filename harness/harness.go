// Package harness runs benchmark artifacts on a target device and stores
// the telemetry of every completed iteration.
package harness

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/weiihann/devbench/device"
	"github.com/weiihann/devbench/plan"
	"github.com/weiihann/devbench/report"
	"github.com/weiihann/devbench/retry"
)

// RunConfig holds the parameters shared by every artifact of a run.
type RunConfig struct {
	OutputDir  string
	Iterations int
	Retries    int
	Reset      bool

	// Session configures the per-artifact device session. Its Logger is
	// set by the Runner.
	Session device.Options
}

// Runner benchmarks artifacts, one at a time, over a single transport.
type Runner struct {
	Transport device.Transport
	Logger    *slog.Logger
}

// NewRunner creates a Runner for transport.
func NewRunner(transport device.Transport, logger *slog.Logger) *Runner {
	return &Runner{
		Transport: transport,
		Logger:    logger.With(slog.String("transport", transport.Name())),
	}
}

// Run benchmarks the artifact at path. Iterations whose reports already
// exist are skipped unless cfg.Reset is set. An iteration that exhausts
// its retries is recorded as failed and the run moves on; cancellation of
// ctx stops the run and is returned along with the partial summary.
func (r *Runner) Run(
	ctx context.Context,
	path string,
	cfg RunConfig,
) (summary report.ArtifactSummary, err error) {
	artifact, err := ResolveArtifact(path)
	if err != nil {
		return report.ArtifactSummary{}, err
	}

	logger := r.Logger.With(
		slog.String("artifact", artifact.Name),
		slog.String("profile", artifact.Profile),
	)

	summary = report.ArtifactSummary{
		Artifact: artifact.Name,
		Profile:  artifact.Profile,
		Digest:   artifact.Digest,
	}

	dir := filepath.Join(cfg.OutputDir, artifact.Profile)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return summary, fmt.Errorf("create output dir %s: %w", dir, err)
	}

	layout := plan.Layout{Dir: dir, Name: artifact.Name}

	p, err := plan.New(layout, cfg.Iterations, cfg.Reset)
	if err != nil {
		return summary, fmt.Errorf("plan %s: %w", artifact.Name, err)
	}

	summary.Found = p.Found

	logger.InfoContext(ctx, "planned iterations",
		slog.Any("found", p.Found),
		slog.Any("pending", p.Pending),
		slog.Bool("reset", cfg.Reset),
		slog.String("digest", artifact.Digest),
	)

	opts := cfg.Session
	opts.Logger = logger

	session := device.NewSession(r.Transport, opts)

	start := time.Now()
	defer func() {
		summary.ElapsedMs = time.Since(start).Milliseconds()
	}()

	for _, i := range p.Pending {
		iterLogger := logger.With(slog.Int("iteration", i))

		iterLogger.InfoContext(ctx, "starting iteration")

		result, err := retry.Do[report.AttemptResult](ctx, iterLogger, cfg.Retries, &attempt{
			session:  session,
			artifact: artifact,
			logger:   iterLogger,
		})
		if errors.Is(err, retry.ErrInterrupted) {
			return summary, fmt.Errorf("benchmark %s iteration %d: %w", artifact.Name, i, err)
		}
		if err != nil {
			iterLogger.ErrorContext(ctx, "iteration failed",
				slog.String("error", err.Error()),
			)
			summary.Failed = append(summary.Failed, i)

			continue
		}

		if err := report.WriteIteration(layout.PerformancePath(i), layout.MemoryPath(i), result); err != nil {
			return summary, fmt.Errorf("store %s iteration %d: %w", artifact.Name, i, err)
		}

		summary.Completed = append(summary.Completed, i)
		summary.Performance += len(result.Performance)
		summary.PeakMemoryBytes = max(summary.PeakMemoryBytes, report.PeakMemory(result))

		iterLogger.InfoContext(ctx, "iteration complete",
			slog.Int("performance_records", len(result.Performance)),
			slog.Int("memory_records", len(result.Memory)),
		)
	}

	return summary, nil
}

// attempt is one try at an iteration. Its error hook lets the transport
// clean the target up before the next try.
type attempt struct {
	session  *device.Session
	artifact device.Artifact
	logger   *slog.Logger
}

func (a *attempt) Run(ctx context.Context) (report.AttemptResult, error) {
	return a.session.Run(ctx, a.artifact)
}

func (a *attempt) OnError(ctx context.Context, _ error) {
	if err := a.session.Cleanup(ctx); err != nil {
		a.logger.WarnContext(ctx, "cleanup failed",
			slog.String("error", err.Error()),
		)
	}
}
