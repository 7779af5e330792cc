package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"devcall/internal/media"
	"devcall/internal/signaling"
)

var ErrRetriesExhausted = errors.New("orchestrator: retries exhausted")

// RetryPolicy describes how one operation is retried. Attempt counting lives
// in Run, never at call sites.
type RetryPolicy struct {
	Operation   string
	MaxAttempts int
	// Backoff returns the wait after failed attempt n (1-based).
	Backoff func(attempt int) time.Duration
}

// LinearBackoff waits n*base after the n-th failure.
func LinearBackoff(base time.Duration) func(int) time.Duration {
	return func(attempt int) time.Duration { return time.Duration(attempt) * base }
}

// DefaultRetryPolicy is 3 attempts with linear backoff from base.
func DefaultRetryPolicy(op string, base time.Duration) RetryPolicy {
	return RetryPolicy{Operation: op, MaxAttempts: 3, Backoff: LinearBackoff(base)}
}

// Run calls fn until it succeeds, returns a non-retryable error, the context
// ends, or MaxAttempts is reached. The last error is wrapped in
// ErrRetriesExhausted on exhaustion.
func (p RetryPolicy) Run(ctx context.Context, fn func(ctx context.Context, attempt int) error, retryable func(error) bool) error {
	max := p.MaxAttempts
	if max <= 0 {
		max = 1
	}
	if retryable == nil {
		retryable = IsTransient
	}
	var err error
	for attempt := 1; attempt <= max; attempt++ {
		err = fn(ctx, attempt)
		if err == nil || !retryable(err) {
			return err
		}
		if attempt == max {
			break
		}
		var wait time.Duration
		if p.Backoff != nil {
			wait = p.Backoff(attempt)
		}
		t := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		case <-t.C:
		}
	}
	return fmt.Errorf("%w: %s after %d attempts: %w", ErrRetriesExhausted, p.Operation, max, err)
}

// IsTransient reports whether err is worth retrying.
func IsTransient(err error) bool {
	switch {
	case err == nil:
		return false
	case errors.Is(err, media.ErrJoinFailed),
		errors.Is(err, media.ErrPublishFailed),
		errors.Is(err, media.ErrSubscribeFailed),
		errors.Is(err, signaling.ErrStoreUnavailable):
		return true
	default:
		return false
	}
}
