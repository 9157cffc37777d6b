package device

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/weiihann/devbench/report"
	"github.com/weiihann/devbench/stream"
	"github.com/weiihann/devbench/telemetry"
)

// State is the lifecycle stage of a session attempt.
type State int

const (
	StateIdle State = iota
	StateConnecting
	StateTransferring
	StateLaunched
	StateCollecting
	StateCompleted
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateTransferring:
		return "transferring"
	case StateLaunched:
		return "launched"
	case StateCollecting:
		return "collecting"
	case StateCompleted:
		return "completed"
	case StateFailed:
		return "failed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Options tune a Session.
type Options struct {
	Protocol report.Protocol
	Reports  int

	// LineTimeout bounds the gap between bytes of a telemetry line.
	LineTimeout time.Duration
	// ConnectTimeout bounds the wait for the connect marker.
	ConnectTimeout time.Duration
	// StopGrace is how long a process may take to exit after the
	// interrupt that ends a successful attempt before it is killed.
	StopGrace time.Duration

	Logger *slog.Logger

	// Progress, if set, is called whenever collection advances.
	Progress func(done, total uint64)
}

// Session runs attempts of one artifact against one transport. It
// remembers across attempts whether the artifact already reached the
// target, so that retries skip the transfer.
//
// A Session is not safe for concurrent use.
type Session struct {
	transport Transport
	opts      Options
	logger    *slog.Logger

	state       State
	transferred bool
}

// NewSession returns a Session in the idle state.
func NewSession(transport Transport, opts Options) *Session {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Session{
		transport: transport,
		opts:      opts,
		logger:    logger,
	}
}

// State returns the state reached by the last attempt.
func (s *Session) State() State { return s.state }

// Transferred reports whether the artifact is known to be on the target.
func (s *Session) Transferred() bool { return s.transferred }

// Cleanup runs the transport's error hook.
func (s *Session) Cleanup(ctx context.Context) error {
	return s.transport.Cleanup(ctx)
}

func (s *Session) enter(ctx context.Context, state State) {
	s.state = state
	s.logger.DebugContext(ctx, "session state", slog.String("state", state.String()))
}

// Run performs one attempt. On failure the launched process has been
// killed by the time Run returns and the partial result is discarded.
func (s *Session) Run(ctx context.Context, artifact Artifact) (result report.AttemptResult, err error) {
	defer func() {
		if err != nil {
			s.enter(ctx, StateFailed)
		}
	}()

	s.enter(ctx, StateConnecting)

	if err := s.transport.Connect(ctx); err != nil {
		return report.AttemptResult{}, fmt.Errorf("connect: %w", err)
	}
	defer s.transport.Close()

	fresh := !s.transferred
	handshake := s.transport.Handshake(fresh)

	if fresh {
		s.enter(ctx, StateTransferring)

		if err := s.transport.Transfer(ctx, artifact); err != nil {
			return report.AttemptResult{}, fmt.Errorf("transfer %s: %w", artifact.Name, err)
		}

		if handshake.Transfer == "" {
			s.transferred = true
		}
	}

	proc, err := s.transport.Launch(ctx, artifact, fresh)
	if err != nil {
		return report.AttemptResult{}, fmt.Errorf("launch %s: %w", artifact.Name, err)
	}
	defer proc.Close()

	s.enter(ctx, StateLaunched)

	stdout := stream.NewLineReader(proc.Stdout(), s.opts.LineTimeout)
	defer stdout.Close()

	stderr := stream.NewLineReader(proc.Stderr(), s.opts.ConnectTimeout)
	defer stderr.Close()

	result, err = s.attach(ctx, proc, stdout, stderr, handshake, fresh)
	if err != nil {
		if killErr := proc.Kill(); killErr != nil {
			s.logger.WarnContext(ctx, "kill failed", slog.String("error", killErr.Error()))
		}

		return report.AttemptResult{}, err
	}

	s.enter(ctx, StateCompleted)
	s.stop(ctx, proc)

	return result, nil
}

// attach completes the handshake and collects telemetry.
func (s *Session) attach(
	ctx context.Context,
	proc Process,
	stdout, stderr *stream.LineReader,
	handshake Handshake,
	fresh bool,
) (report.AttemptResult, error) {
	if handshake.Connect != "" {
		stderr.SetTimeout(s.opts.ConnectTimeout)

		if err := s.await(ctx, proc, stderr, handshake.Connect); err != nil {
			if errors.Is(err, stream.ErrLineTimeout) || errors.Is(err, stream.ErrStreamClosed) {
				return report.AttemptResult{}, fmt.Errorf("%w: %w", ErrConnectionTimeout, err)
			}

			return report.AttemptResult{}, err
		}
	}

	if fresh && handshake.Transfer != "" {
		stderr.SetTimeout(s.opts.LineTimeout)

		if err := s.await(ctx, proc, stderr, handshake.Transfer); err != nil {
			return report.AttemptResult{}, fmt.Errorf("await transfer: %w", err)
		}

		s.transferred = true
	}

	drainCtx, stopDrain := context.WithCancel(ctx)
	defer stopDrain()

	stderr.SetTimeout(0)
	go s.drain(drainCtx, stderr)

	s.enter(ctx, StateCollecting)

	return s.collect(ctx, proc, stdout)
}

// await reads stderr until a line containing marker arrives.
func (s *Session) await(
	ctx context.Context,
	proc Process,
	stderr *stream.LineReader,
	marker string,
) error {
	for {
		line, err := stderr.ReadLine(ctx)
		if err != nil {
			return s.exitOr(proc, err)
		}

		s.logger.DebugContext(ctx, "target stderr", slog.String("line", string(bytes.TrimSpace(line))))

		if bytes.Contains(line, []byte(marker)) {
			return nil
		}
	}
}

// drain keeps the process's stderr flowing so it never blocks on a full
// pipe.
func (s *Session) drain(ctx context.Context, stderr *stream.LineReader) {
	for {
		line, err := stderr.ReadLine(ctx)
		if err != nil {
			return
		}

		s.logger.DebugContext(ctx, "target stderr", slog.String("line", string(bytes.TrimSpace(line))))
	}
}

func (s *Session) collect(
	ctx context.Context,
	proc Process,
	stdout *stream.LineReader,
) (report.AttemptResult, error) {
	acc := report.NewAccumulator(s.opts.Protocol, s.opts.Reports)

	for !acc.Done() {
		if code, exited := proc.ExitCode(); exited {
			return report.AttemptResult{}, &ExitError{Code: code}
		}

		line, err := stdout.ReadLine(ctx)
		if err != nil {
			return report.AttemptResult{}, s.exitOr(proc, err)
		}

		rec, ok := telemetry.Parse(line)
		if !ok {
			continue
		}

		before := acc.Progress()
		acc.Add(rec)

		if acc.Progress() != before && s.opts.Progress != nil {
			s.opts.Progress(acc.Progress(), acc.Total())
		}
	}

	s.logger.InfoContext(ctx, "reports collected",
		slog.Uint64("boundary", acc.Boundary()),
		slog.Int("performance_records", acc.PerformanceCount()),
	)

	return acc.Result(), nil
}

// exitOr turns a closed stream into an ExitError when the process has
// exited, which is the usual reason for the closure.
func (s *Session) exitOr(proc Process, err error) error {
	if !errors.Is(err, stream.ErrStreamClosed) {
		return err
	}

	select {
	case <-proc.Done():
	case <-time.After(time.Second):
		return err
	}

	if code, exited := proc.ExitCode(); exited {
		return &ExitError{Code: code}
	}

	return err
}

// stop interrupts a process that finished its work and kills it if it
// does not exit within the grace period.
func (s *Session) stop(ctx context.Context, proc Process) {
	if err := proc.Interrupt(); err != nil {
		s.logger.WarnContext(ctx, "interrupt failed", slog.String("error", err.Error()))
	}

	select {
	case <-proc.Done():
		return
	case <-time.After(s.opts.StopGrace):
	case <-ctx.Done():
	}

	s.logger.WarnContext(ctx, "process ignored interrupt, killing")

	if err := proc.Kill(); err != nil {
		s.logger.WarnContext(ctx, "kill failed", slog.String("error", err.Error()))
	}
}
