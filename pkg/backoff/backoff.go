// Package backoff implements the bounded retry discipline shared by the
// notification and chat adapters: unjittered exponential delays capped at a
// maximum, with provider-supplied Retry-After hints taking precedence over the
// computed delay.
package backoff

import (
	"context"
	"errors"
	"fmt"
	"time"
)

const (
	DefaultBase        = 500 * time.Millisecond
	DefaultMax         = 30 * time.Second
	DefaultMaxAttempts = 5
)

// RateLimitedError reports a provider throttling response (HTTP 429 or an
// equivalent provider code). RetryAfter is zero when the provider gave no hint.
type RateLimitedError struct {
	RetryAfter time.Duration
}

func (e *RateLimitedError) Error() string {
	if e.RetryAfter > 0 {
		return fmt.Sprintf("rate limited, retry after %s", e.RetryAfter)
	}
	return "rate limited"
}

// AsRateLimited unwraps err into a RateLimitedError if one is in the chain.
func AsRateLimited(err error) (*RateLimitedError, bool) {
	var rle *RateLimitedError
	if errors.As(err, &rle) {
		return rle, true
	}
	return nil, false
}

// Policy computes retry delays. The zero value is not usable; construct with
// DefaultPolicy or fill every field.
type Policy struct {
	Base        time.Duration
	Max         time.Duration
	MaxAttempts int
}

func DefaultPolicy() Policy {
	return Policy{
		Base:        DefaultBase,
		Max:         DefaultMax,
		MaxAttempts: DefaultMaxAttempts,
	}
}

// Delay returns the wait before retry number attempt (0-based). A positive
// hint overrides the exponential schedule; both paths are capped at Max.
func (p Policy) Delay(attempt int, hint time.Duration) time.Duration {
	if hint > 0 {
		if hint > p.Max {
			return p.Max
		}
		return hint
	}

	delay := p.Base
	for i := 0; i < attempt; i++ {
		delay *= 2
		if delay >= p.Max {
			return p.Max
		}
	}
	if delay > p.Max {
		return p.Max
	}
	return delay
}

// Retry runs op up to p.MaxAttempts times. After a failed attempt it consults
// isRetryable; a non-retryable error propagates immediately. Between attempts
// it sleeps for p.Delay, honoring the hint isRetryable returned, and aborts
// early if ctx is done. The last error is returned when attempts run out.
func Retry(ctx context.Context, p Policy, isRetryable func(error) (bool, time.Duration), op func() error) error {
	var lastErr error
	for attempt := 0; attempt < p.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		lastErr = op()
		if lastErr == nil {
			return nil
		}

		retryable, hint := isRetryable(lastErr)
		if !retryable {
			return lastErr
		}
		if attempt == p.MaxAttempts-1 {
			break
		}

		select {
		case <-time.After(p.Delay(attempt, hint)):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return lastErr
}

// RetryRateLimited is the adapter-facing shape of Retry: only rate-limit
// errors are retried, every other failure propagates on first occurrence.
func RetryRateLimited(ctx context.Context, p Policy, op func() error) error {
	return Retry(ctx, p, func(err error) (bool, time.Duration) {
		if rle, ok := AsRateLimited(err); ok {
			return true, rle.RetryAfter
		}
		return false, 0
	}, op)
}
