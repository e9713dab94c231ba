// Package retry runs an operation a bounded number of times with a backoff
// between attempts.
package retry

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand/v2"
	"time"
)

var ErrMaxAttemptsExceeded = errors.New("max retry attempts exceeded")

// Backoff returns the delay before the attempt following attempt (1-based).
type Backoff func(attempt int) time.Duration

// Linear waits base, 2*base, 3*base ...
func Linear(base time.Duration) Backoff {
	return func(attempt int) time.Duration {
		return base * time.Duration(attempt)
	}
}

// Exponential doubles base each attempt, capped at maxDelay, with +-25% jitter.
func Exponential(base, maxDelay time.Duration) Backoff {
	return func(attempt int) time.Duration {
		delay := time.Duration(float64(base) * math.Pow(2, float64(attempt-1)))
		delay = min(delay, maxDelay)
		if delay < 4 {
			return delay
		}
		jitter := time.Duration(rand.Int64N(int64(delay/2))) - delay/4
		return delay + jitter
	}
}

type Policy struct {
	MaxAttempts int
	Backoff     Backoff
	// IsRetryable reports whether err is worth another attempt. Nil retries everything.
	IsRetryable func(error) bool
}

// Do calls fn until it succeeds, the policy gives up or ctx is done.
func Do(ctx context.Context, p Policy, fn func(ctx context.Context) error) error {
	attempts := max(p.MaxAttempts, 1)

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		lastErr = fn(ctx)
		if lastErr == nil {
			return nil
		}
		if p.IsRetryable != nil && !p.IsRetryable(lastErr) {
			return lastErr
		}
		if attempt == attempts || p.Backoff == nil {
			continue
		}

		timer := time.NewTimer(p.Backoff(attempt))
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}

	return fmt.Errorf("%w after %d attempts: %w", ErrMaxAttemptsExceeded, attempts, lastErr)
}
