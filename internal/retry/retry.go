// Package retry implements bounded exponential backoff for port calls.
// Retrying happens at the call site, never by unwinding the workflow.
package retry

import (
	"context"
	"errors"
	"time"

	"github.com/petrijr/mailflow/pkg/api"
)

// Retryable reports whether err is worth retrying: typed transient
// failures and port-side timeouts. A timeout is never treated as success.
func Retryable(err error) bool {
	if api.IsTransient(err) {
		return true
	}
	return errors.Is(err, context.DeadlineExceeded)
}

// Do invokes fn up to policy.MaxAttempts times, sleeping with exponential
// backoff between attempts, as long as the failure is retryable. observe
// is called after every attempt (attempt is 1-based) and may be nil.
//
// Do returns nil on success, the last error on exhaustion, and stops
// early on a non-retryable error or when ctx is cancelled.
func Do(ctx context.Context, policy api.RetryPolicy, observe func(attempt int, err error, d time.Duration), fn func(ctx context.Context) error) error {
	maxAttempts := policy.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 1
	}

	backoff := policy.InitialBackoff
	var lastErr error

	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		start := time.Now()
		err := fn(ctx)
		if observe != nil {
			observe(attempt, err, time.Since(start))
		}
		if err == nil {
			return nil
		}
		lastErr = err

		if !Retryable(err) || attempt == maxAttempts {
			return lastErr
		}

		if backoff > 0 {
			delay := backoff
			if policy.MaxBackoff > 0 && delay > policy.MaxBackoff {
				delay = policy.MaxBackoff
			}
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(delay):
			}
			backoff = policy.NextBackoff(backoff)
		}
	}

	return lastErr
}
