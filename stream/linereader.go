// Package stream reads newline-terminated lines from the raw output of a
// benchmark target under a per-byte deadline.
package stream

import (
	"context"
	"errors"
	"io"
	"sync"
	"time"
)

var (
	// ErrLineTimeout is returned when no terminator arrives within the
	// timeout of the last received byte.
	ErrLineTimeout = errors.New("line timeout")

	// ErrStreamClosed is returned when the stream ends before a
	// terminator is received.
	ErrStreamClosed = errors.New("stream closed")
)

const terminator = '\n'

type chunk struct {
	b   byte
	err error
}

// LineReader assembles complete lines from a byte stream. The underlying
// reader is consumed one byte at a time by a single pump goroutine so that
// nothing past a terminator is taken from the stream before it is needed.
//
// A LineReader is not safe for concurrent use by multiple goroutines.
type LineReader struct {
	timeout time.Duration

	bytes chan chunk
	done  chan struct{}
	once  sync.Once

	buf []byte
	err error
}

// NewLineReader starts reading from r. A timeout of zero or less disables
// the deadline.
func NewLineReader(r io.Reader, timeout time.Duration) *LineReader {
	lr := &LineReader{
		timeout: timeout,
		bytes:   make(chan chunk),
		done:    make(chan struct{}),
	}

	go lr.pump(r)

	return lr
}

func (lr *LineReader) pump(r io.Reader) {
	var one [1]byte

	for {
		n, err := r.Read(one[:])
		if n == 1 {
			select {
			case lr.bytes <- chunk{b: one[0]}:
			case <-lr.done:
				return
			}
		}

		if err != nil {
			select {
			case lr.bytes <- chunk{err: err}:
			case <-lr.done:
			}

			return
		}
	}
}

// ReadLine returns the next line including its terminator. On
// ErrLineTimeout the bytes received so far are kept and prefix the next
// line; they are never returned on their own.
func (lr *LineReader) ReadLine(ctx context.Context) ([]byte, error) {
	if lr.err != nil {
		return nil, lr.err
	}

	var (
		timer    *time.Timer
		deadline <-chan time.Time
	)

	if lr.timeout > 0 {
		timer = time.NewTimer(lr.timeout)
		defer timer.Stop()

		deadline = timer.C
	}

	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()

		case <-deadline:
			return nil, ErrLineTimeout

		case c := <-lr.bytes:
			if c.err != nil {
				lr.err = ErrStreamClosed
				if !errors.Is(c.err, io.EOF) {
					lr.err = errors.Join(ErrStreamClosed, c.err)
				}

				return nil, lr.err
			}

			lr.buf = append(lr.buf, c.b)
			if c.b == terminator {
				line := lr.buf
				lr.buf = nil

				return line, nil
			}

			if timer != nil {
				timer.Reset(lr.timeout)
			}
		}
	}
}

// SetTimeout changes the deadline used by subsequent ReadLine calls.
func (lr *LineReader) SetTimeout(timeout time.Duration) { lr.timeout = timeout }

// Close stops the pump goroutine. A pump blocked inside the underlying
// Read exits once that Read returns, which for process pipes happens when
// the process is killed.
func (lr *LineReader) Close() {
	lr.once.Do(func() { close(lr.done) })
}
