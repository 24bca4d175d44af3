package util

import (
	"context"
	"errors"
	"time"
)

// Retry calls fn up to maxTries times until it returns a nil error.
// If maxTries <= 0, it defaults to 1. Returns the last error if all attempts fail.
func Retry[T any](maxTries int, fn func() (T, error)) (T, error) {
	if maxTries <= 0 {
		maxTries = 1
	}
	var lastErr error
	var zero T
	for i := 0; i < maxTries; i++ {
		result, err := fn()
		if err == nil {
			return result, nil
		}
		lastErr = err
	}
	return zero, lastErr
}

// RetryErrWithContext calls fn up to maxTries times until it returns nil,
// stopping early once ctx is done or fn reports a context error.
func RetryErrWithContext(ctx context.Context, maxTries int, fn func(context.Context) error) error {
	_, err := RetryWithContext(ctx, maxTries, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, fn(ctx)
	})
	return err
}

// RetryWithContext calls fn up to maxTries times until it returns a nil error,
// or until ctx is done. If maxTries <= 0, it defaults to 1.
// Returns ctx.Err() if the context is canceled, otherwise returns the last error.
func RetryWithContext[T any](ctx context.Context, maxTries int, fn func(context.Context) (T, error)) (T, error) {
	if maxTries <= 0 {
		maxTries = 1
	}
	var lastErr error
	var zero T
	for i := 0; i < maxTries; i++ {
		if ctx.Err() != nil {
			return zero, ctx.Err()
		}
		result, err := fn(ctx)
		if err == nil {
			return result, nil
		}
		if isContextErr(err) {
			return zero, err
		}
		lastErr = err
	}
	return zero, lastErr
}

// Backoff describes two retry schedules: one for rate limit responses and a
// fixed one for everything else. Each entry of RateLimitDelays is one retry.
type Backoff struct {
	RateLimitDelays []time.Duration
	OtherRetries    int
	OtherDelay      time.Duration
	// IsRateLimited classifies an error as a rate limit rejection.
	IsRateLimited func(error) bool
	// Sleep is replaced in tests.
	Sleep func(ctx context.Context, d time.Duration) error
}

// DefaultBackoff waits 10s, 20s, 40s and 60s on rate limits and retries
// other failures twice after 500ms.
func DefaultBackoff(isRateLimited func(error) bool) Backoff {
	return Backoff{
		RateLimitDelays: []time.Duration{10 * time.Second, 20 * time.Second, 40 * time.Second, 60 * time.Second},
		OtherRetries:    2,
		OtherDelay:      500 * time.Millisecond,
		IsRateLimited:   isRateLimited,
	}
}

// RetryWithBackoff runs fn under the schedule in b. Rate limit retries and
// other retries are counted separately. The last error is returned once the
// matching schedule is exhausted.
func RetryWithBackoff[T any](ctx context.Context, b Backoff, fn func(context.Context) (T, error)) (T, error) {
	sleep := b.Sleep
	if sleep == nil {
		sleep = SleepContext
	}

	var zero T
	rateLimited, other := 0, 0
	for {
		if ctx.Err() != nil {
			return zero, ctx.Err()
		}
		result, err := fn(ctx)
		if err == nil {
			return result, nil
		}
		if isContextErr(err) {
			return zero, err
		}

		var delay time.Duration
		if b.IsRateLimited != nil && b.IsRateLimited(err) {
			if rateLimited >= len(b.RateLimitDelays) {
				return zero, err
			}
			delay = b.RateLimitDelays[rateLimited]
			rateLimited++
		} else {
			if other >= b.OtherRetries {
				return zero, err
			}
			delay = b.OtherDelay
			other++
		}

		if err := sleep(ctx, delay); err != nil {
			return zero, err
		}
	}
}

// SleepContext waits for d or until ctx is done.
func SleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func isContextErr(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}
