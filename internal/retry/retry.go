// Package retry runs an operation a fixed number of times with
// exponential backoff between attempts.
package retry

import (
	"context"
	"log/slog"
	"time"
)

// Delay returns the wait before retry number attempt (0-based): base
// doubled per attempt, capped at max.
func Delay(attempt int, base, max time.Duration) time.Duration {
	if base <= 0 {
		return 0
	}
	if attempt > 30 {
		attempt = 30
	}
	delay := base * time.Duration(1<<uint(attempt))
	if max > 0 && (delay > max || delay <= 0) {
		return max
	}
	return delay
}

// Policy is a fixed retry budget.
type Policy struct {
	Attempts int // total tries, at least 1
	Base     time.Duration
	Max      time.Duration
	// Retryable decides whether an error is worth another attempt. Nil
	// retries every error.
	Retryable func(error) bool
	// Name labels log lines.
	Name string
}

// Do calls fn until it succeeds, returns a non-retryable error, the budget
// runs out, or ctx ends. It returns the last error seen.
func Do(ctx context.Context, p Policy, fn func(ctx context.Context) error) error {
	attempts := max(p.Attempts, 1)

	var err error
	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			delay := Delay(attempt-1, p.Base, p.Max)
			slog.Debug("[retry] backoff", "op", p.Name, "attempt", attempt+1, "delay", delay, "error", err)
			t := time.NewTimer(delay)
			select {
			case <-ctx.Done():
				t.Stop()
				return err
			case <-t.C:
			}
		}

		err = fn(ctx)
		if err == nil {
			return nil
		}
		if ctx.Err() != nil {
			return err
		}
		if p.Retryable != nil && !p.Retryable(err) {
			return err
		}
	}
	return err
}
