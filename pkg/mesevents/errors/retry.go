package errors

import (
	"context"
	"math/rand/v2"
	"time"
)

// RetryConfig configures WithRetryContext.
type RetryConfig struct {
	// MaxAttempts counts the first attempt: 1 + retry budget.
	MaxAttempts int

	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	BackoffFactor  float64

	// Jitter spreads each wait by up to ±Jitter of its length (0.0-1.0).
	Jitter float64

	// RetryableFunc replaces IsRetryable.
	RetryableFunc func(error) bool

	// OnRetry runs before the wait ahead of attempt+1.
	OnRetry func(attempt int, err error, wait time.Duration)
}

// DefaultRetry is one attempt plus three retries waiting 100ms, 200ms and 400ms.
var DefaultRetry = RetryConfig{
	MaxAttempts:    4,
	InitialBackoff: 100 * time.Millisecond,
	MaxBackoff:     400 * time.Millisecond,
	BackoffFactor:  2.0,
}

// NoRetry runs once.
var NoRetry = RetryConfig{MaxAttempts: 1}

// Schedule lists the waits between consecutive attempts, without jitter.
func (c RetryConfig) Schedule() []time.Duration {
	if c.MaxAttempts <= 1 {
		return nil
	}
	waits := make([]time.Duration, c.MaxAttempts-1)
	wait := c.InitialBackoff
	for i := range waits {
		waits[i] = wait
		wait = c.grow(wait)
	}
	return waits
}

func (c RetryConfig) grow(wait time.Duration) time.Duration {
	factor := c.BackoffFactor
	if factor <= 0 {
		factor = 1
	}
	wait = time.Duration(float64(wait) * factor)
	if c.MaxBackoff > 0 && wait > c.MaxBackoff {
		return c.MaxBackoff
	}
	return wait
}

func (c RetryConfig) jittered(wait time.Duration) time.Duration {
	if c.Jitter <= 0 || wait <= 0 {
		return wait
	}
	return time.Duration(float64(wait) * (1 + c.Jitter*(rand.Float64()*2-1)))
}

// RetryResult is the outcome of WithRetryContext.
type RetryResult[T any] struct {
	Value T
	// Err is nil on success, otherwise a *CategorizedError wrapping the
	// last failure.
	Err      error
	Attempts int
	Duration time.Duration
}

// WithRetryContext calls fn until it succeeds, returns a non-retryable error,
// runs out of attempts, or ctx is done. Cancellation is checked before every
// attempt and during every wait.
func WithRetryContext[T any](ctx context.Context, cfg RetryConfig, fn func(context.Context) (T, error)) RetryResult[T] {
	start := time.Now()
	maxAttempts := max(cfg.MaxAttempts, 1)
	retryable := cfg.RetryableFunc
	if retryable == nil {
		retryable = IsRetryable
	}

	fail := func(err error, category Category, attempts int, stage string) RetryResult[T] {
		return RetryResult[T]{
			Err:      &CategorizedError{Err: err, Category: category, Retries: attempts, Context: stage},
			Attempts: attempts,
			Duration: time.Since(start),
		}
	}

	var lastErr error
	wait := cfg.InitialBackoff
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			if lastErr == nil {
				lastErr = err
			}
			return fail(lastErr, CategoryPermanent, attempt-1, "context cancelled")
		}

		v, err := fn(ctx)
		if err == nil {
			return RetryResult[T]{Value: v, Attempts: attempt, Duration: time.Since(start)}
		}
		lastErr = err

		if !retryable(err) {
			return fail(err, CategoryPermanent, attempt, "")
		}
		if attempt == maxAttempts {
			break
		}

		sleep := cfg.jittered(wait)
		if cfg.OnRetry != nil {
			cfg.OnRetry(attempt, err, sleep)
		}
		timer := time.NewTimer(sleep)
		select {
		case <-ctx.Done():
			timer.Stop()
			return fail(lastErr, CategoryPermanent, attempt, "context cancelled during backoff")
		case <-timer.C:
		}
		wait = cfg.grow(wait)
	}

	return fail(lastErr, Categorize(lastErr), maxAttempts, "max retries exceeded")
}
