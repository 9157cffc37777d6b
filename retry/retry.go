// Package retry runs an attempt under a bounded retry budget.
//
// Operator cancellation travels through the context, never through the
// attempt's error: once the context is done no further attempt or error
// hook runs, whatever error the attempt returned.
package retry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
)

var (
	// ErrExhausted is returned when every attempt of the budget failed.
	// It wraps the last failure.
	ErrExhausted = errors.New("retry budget exhausted")

	// ErrInterrupted is returned when the context was cancelled. It also
	// wraps the context's error.
	ErrInterrupted = errors.New("interrupted")
)

// Attempt is one retryable unit of work.
type Attempt[T any] interface {
	// Run performs the attempt.
	Run(ctx context.Context) (T, error)

	// OnError runs after a failed attempt and before the next one, for
	// cleanup such as killing stray processes or resetting a link.
	OnError(ctx context.Context, err error)
}

// Func adapts a pair of functions to Attempt. OnErrorFunc may be nil.
type Func[T any] struct {
	RunFunc     func(ctx context.Context) (T, error)
	OnErrorFunc func(ctx context.Context, err error)
}

// Run calls f.RunFunc.
func (f Func[T]) Run(ctx context.Context) (T, error) { return f.RunFunc(ctx) }

// OnError calls f.OnErrorFunc if set.
func (f Func[T]) OnError(ctx context.Context, err error) {
	if f.OnErrorFunc != nil {
		f.OnErrorFunc(ctx, err)
	}
}

// Do runs a up to budget times and returns its first success. A budget
// below one is treated as one.
func Do[T any](
	ctx context.Context,
	logger *slog.Logger,
	budget int,
	a Attempt[T],
) (T, error) {
	var zero T

	budget = max(budget, 1)

	var lastErr error

	for attempt := 1; attempt <= budget; attempt++ {
		if err := ctx.Err(); err != nil {
			return zero, interrupted(err)
		}

		result, err := a.Run(ctx)
		if err == nil {
			return result, nil
		}

		if ctxErr := ctx.Err(); ctxErr != nil {
			return zero, interrupted(ctxErr)
		}

		lastErr = err

		logger.DebugContext(ctx, "attempt failed",
			slog.Int("attempt", attempt),
			slog.Int("budget", budget),
			slog.String("error", err.Error()),
		)

		a.OnError(ctx, err)

		if attempt < budget {
			logger.InfoContext(ctx, "retrying",
				slog.Int("attempt", attempt+1),
				slog.Int("budget", budget),
			)
		}
	}

	return zero, fmt.Errorf("%w after %d attempts: %w", ErrExhausted, budget, lastErr)
}

func interrupted(err error) error {
	return fmt.Errorf("%w: %w", ErrInterrupted, err)
}
