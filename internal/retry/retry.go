// Package retry wraps a fallible operation in a bounded number of attempts
// separated by a fixed delay.
package retry

import (
	"context"
	"errors"
	"log/slog"
	"time"
)

// Sleeper waits for d or until ctx is done.
type Sleeper func(ctx context.Context, d time.Duration) error

// Policy describes how an operation is retried.
type Policy struct {
	Delay    time.Duration
	Attempts int
	// Sleep defaults to a timer-based wait.
	Sleep Sleeper
	// Name is used in debug logs only.
	Name string
}

// Do runs op at most attempts times, waiting delay between failures.
func Do[T any](ctx context.Context, delay time.Duration, attempts int, op func(ctx context.Context) (T, error)) (T, error) {
	return Run(ctx, Policy{Delay: delay, Attempts: attempts}, op)
}

// Run runs op under policy p. The first success is returned immediately.
// When every attempt fails the last error is returned unchanged. If ctx
// ends while waiting between attempts, the last error is joined with the
// context error.
func Run[T any](ctx context.Context, p Policy, op func(ctx context.Context) (T, error)) (T, error) {
	attempts := p.Attempts
	if attempts < 1 {
		attempts = 1
	}
	sleep := p.Sleep
	if sleep == nil {
		sleep = timerSleep
	}

	var zero T
	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		v, err := op(ctx)
		if err == nil {
			return v, nil
		}
		lastErr = err
		if attempt == attempts {
			break
		}
		slog.Debug("retry attempt failed",
			"name", p.Name,
			"attempt", attempt,
			"remaining", attempts-attempt,
			"delay_ms", p.Delay.Milliseconds(),
			"error", err,
		)
		if sleepErr := sleep(ctx, p.Delay); sleepErr != nil {
			return zero, errors.Join(lastErr, sleepErr)
		}
	}
	return zero, lastErr
}

func timerSleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
