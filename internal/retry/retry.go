// Package retry holds the retry policy used for calls to remote attestation
// and inference services.
package retry

import (
	"context"
	"errors"
	"time"

	goretry "github.com/sethvargo/go-retry"
)

// Policy describes how an operation is retried. It is a plain value so call
// sites can carry it in their configuration.
type Policy struct {
	// MaxAttempts is the total number of attempts including the first. Values
	// below 1 are treated as 1.
	MaxAttempts int

	// Backoff returns the delay to wait after the given failed attempt
	// (1-based). Nil means no delay.
	Backoff func(attempt int) time.Duration

	// Retryable reports whether err should trigger another attempt. Nil
	// retries every error except cancellation of the caller's context.
	Retryable func(err error) bool
}

// Default is the policy used when fetching published proofs: three attempts
// with a linear one-second backoff.
func Default() Policy {
	return Policy{
		MaxAttempts: 3,
		Backoff:     Linear(time.Second),
	}
}

// Linear returns a backoff that waits step, 2*step, 3*step, ...
func Linear(step time.Duration) func(int) time.Duration {
	return func(attempt int) time.Duration {
		return time.Duration(attempt) * step
	}
}

// Constant returns a backoff that always waits d.
func Constant(d time.Duration) func(int) time.Duration {
	return func(int) time.Duration { return d }
}

// Do runs fn until it succeeds, returns a non-retryable error, or the policy
// runs out of attempts. The last error is returned unwrapped.
func (p Policy) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	attempts := p.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}

	failed := 0
	backoff := goretry.BackoffFunc(func() (time.Duration, bool) {
		failed++
		if failed >= attempts {
			return 0, true
		}
		if p.Backoff == nil {
			return 0, false
		}
		return p.Backoff(failed), false
	})

	return goretry.Do(ctx, backoff, func(ctx context.Context) error {
		err := fn(ctx)
		if err == nil {
			return nil
		}
		if p.retryable(ctx, err) {
			return goretry.RetryableError(err)
		}
		return err
	})
}

func (p Policy) retryable(ctx context.Context, err error) bool {
	// A per-attempt timeout is retried; a cancelled caller is not.
	if ctx.Err() != nil || errors.Is(err, context.Canceled) {
		return false
	}
	if p.Retryable == nil {
		return true
	}
	return p.Retryable(err)
}
