// Package device runs one benchmark attempt against a target: it connects,
// transfers the artifact when needed, launches it, and collects its
// telemetry until enough reports arrived.
package device

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"
)

var (
	// ErrConnectionTimeout is returned when the target does not announce
	// a connection in time.
	ErrConnectionTimeout = errors.New("connection timeout")

	// ErrUnexpectedExit is returned when the benchmark process exits
	// before collection finished. Use errors.As with *ExitError for the
	// exit code.
	ErrUnexpectedExit = errors.New("unexpected process exit")

	// ErrTransport wraps failures of the transport itself: unreachable
	// hosts, failed uploads, missing tools.
	ErrTransport = errors.New("transport failure")
)

// ExitError reports the exit code of a process that ended too early.
type ExitError struct {
	Code int
}

func (e *ExitError) Error() string {
	return fmt.Sprintf("unexpected process exit, ret: %d", e.Code)
}

func (e *ExitError) Unwrap() error { return ErrUnexpectedExit }

// Artifact is a benchmark binary or firmware image.
type Artifact struct {
	// Path is the local path of the artifact.
	Path string
	// Name is the file name up to its first dot.
	Name string
	// Profile is the name of the directory holding the artifact,
	// typically the build profile.
	Profile string
	// Digest is the hex BLAKE3 digest of the artifact's content.
	Digest string
}

// Handshake lists the stderr markers a transport prints before the target
// produces telemetry. Empty markers are not awaited.
type Handshake struct {
	// Connect must appear within the connect timeout on every attempt.
	Connect string
	// Transfer must appear after Connect on an attempt that transfers
	// the artifact.
	Transfer string
}

// Process is a running benchmark, local or remote.
type Process interface {
	Stdout() io.Reader
	Stderr() io.Reader

	// Done is closed once the process has exited.
	Done() <-chan struct{}

	// ExitCode returns the exit code and true once the process exited.
	ExitCode() (int, bool)

	// Interrupt asks the process to shut down cleanly.
	Interrupt() error

	// Kill terminates the process and anything it started.
	Kill() error

	// Close releases the process's streams.
	Close() error
}

// Transport reaches a target and runs artifacts on it.
type Transport interface {
	Name() string

	// Connect establishes the channel to the target for one attempt.
	Connect(ctx context.Context) error

	// Transfer copies the artifact to the target. Transports that
	// transfer while launching treat it as a no-op.
	Transfer(ctx context.Context, artifact Artifact) error

	// Launch starts the artifact. fresh is set on the attempt that
	// transfers the artifact.
	Launch(ctx context.Context, artifact Artifact, fresh bool) (Process, error)

	// Handshake returns the markers to await after Launch.
	Handshake(fresh bool) Handshake

	// Cleanup is the error hook run between failed attempts.
	Cleanup(ctx context.Context) error

	// Close ends the channel opened by Connect.
	Close() error
}

// sleep waits for d or until ctx is done.
func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}

	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
