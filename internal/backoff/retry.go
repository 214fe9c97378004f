package backoff

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrMaxAttemptsExhausted is returned when all retry attempts have failed.
var ErrMaxAttemptsExhausted = errors.New("max retry attempts exhausted")

type permanentError struct {
	err error
}

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent marks err as not worth retrying, such as a rejected host key.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// IsPermanent reports whether err was marked with Permanent.
func IsPermanent(err error) bool {
	var p *permanentError
	return errors.As(err, &p)
}

// RetryHook observes a failed attempt before the delay that follows it.
type RetryHook func(attempt int, err error, delay time.Duration)

// Retry calls fn up to maxAttempts times, sleeping per policy between
// failures. It stops early on success, on a Permanent error, or when ctx is
// done. The returned error wraps the last failure, and ErrMaxAttemptsExhausted
// when the attempts ran out.
func Retry[T any](
	ctx context.Context,
	policy Policy,
	maxAttempts int,
	fn func(ctx context.Context, attempt int) (T, error),
	onRetry RetryHook,
) (T, int, error) {
	var zero T
	if maxAttempts < 1 {
		maxAttempts = 1
	}

	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			if lastErr != nil {
				return zero, attempt - 1, fmt.Errorf("%w (last error: %v)", err, lastErr)
			}
			return zero, attempt - 1, err
		}

		value, err := fn(ctx, attempt)
		if err == nil {
			return value, attempt, nil
		}
		lastErr = err
		if IsPermanent(err) {
			return zero, attempt, err
		}
		if attempt == maxAttempts {
			break
		}

		delay := policy.Delay(attempt)
		if onRetry != nil {
			onRetry(attempt, err, delay)
		}
		if err := Sleep(ctx, delay); err != nil {
			return zero, attempt, fmt.Errorf("%w (last error: %v)", err, lastErr)
		}
	}
	return zero, maxAttempts, fmt.Errorf("%w: %w", ErrMaxAttemptsExhausted, lastErr)
}
