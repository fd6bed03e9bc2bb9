// Package retry provides a reusable retry policy for external calls.
package retry

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"time"
)

// Policy configures retries with exponential backoff and jitter.
// The zero value is not usable; construct with NewPolicy.
type Policy struct {
	// MaxAttempts is the total number of attempts, including the first.
	MaxAttempts int

	// BaseDelay is the delay before the second attempt; it doubles on
	// every subsequent attempt up to MaxDelay.
	BaseDelay time.Duration

	// MaxDelay caps the backoff.
	MaxDelay time.Duration

	// Jitter adds up to this fraction of the delay randomly (0-1).
	Jitter float64

	// Retryable decides whether an error is worth retrying. Non-retryable
	// errors propagate immediately.
	Retryable func(error) bool

	// sleep is replaceable for tests.
	sleep func(ctx context.Context, d time.Duration) error
}

// NewPolicy creates a policy with the given attempt count and base delay.
func NewPolicy(maxAttempts int, baseDelay time.Duration) *Policy {
	if maxAttempts <= 0 {
		maxAttempts = 3
	}
	if baseDelay <= 0 {
		baseDelay = 100 * time.Millisecond
	}
	return &Policy{
		MaxAttempts: maxAttempts,
		BaseDelay:   baseDelay,
		MaxDelay:    5 * time.Second,
		Jitter:      0.2,
		Retryable:   func(error) bool { return true },
		sleep:       sleepCtx,
	}
}

// WithSleeper replaces the sleep function. Tests inject a fake clock here.
func (p *Policy) WithSleeper(sleep func(ctx context.Context, d time.Duration) error) *Policy {
	p.sleep = sleep
	return p
}

// Do runs fn until it succeeds, exhausts attempts, returns a non-retryable
// error, or the context is cancelled.
func (p *Policy) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	var lastErr error

	delay := p.BaseDelay
	for attempt := 1; attempt <= p.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		lastErr = fn(ctx)
		if lastErr == nil {
			return nil
		}

		if p.Retryable != nil && !p.Retryable(lastErr) {
			return lastErr
		}
		if attempt == p.MaxAttempts {
			break
		}

		wait := delay
		if p.Jitter > 0 {
			wait += time.Duration(rand.Float64() * p.Jitter * float64(delay))
		}
		if err := p.sleep(ctx, wait); err != nil {
			return err
		}

		delay *= 2
		if p.MaxDelay > 0 && delay > p.MaxDelay {
			delay = p.MaxDelay
		}
	}

	return fmt.Errorf("all %d attempts failed: %w", p.MaxAttempts, lastErr)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Transient marks an error as retryable.
type transientError struct {
	err error
}

func (e *transientError) Error() string { return e.err.Error() }
func (e *transientError) Unwrap() error { return e.err }

// MarkTransient wraps an error so IsTransient reports true.
func MarkTransient(err error) error {
	if err == nil {
		return nil
	}
	return &transientError{err: err}
}

// IsTransient reports whether the error was marked transient.
func IsTransient(err error) bool {
	var te *transientError
	return errors.As(err, &te)
}
