package backoff

import (
	"context"
	"errors"
	"fmt"
)

// ErrAttemptsExhausted is wrapped by Do when every attempt failed.
var ErrAttemptsExhausted = errors.New("backoff: attempts exhausted")

type permanentError struct{ err error }

func (p *permanentError) Error() string { return p.err.Error() }
func (p *permanentError) Unwrap() error { return p.err }

// Permanent marks err so that Do returns it without further attempts.
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

// Do calls fn up to attempts times, sleeping Compute(policy, n) after the nth
// failure. It is meant for infrastructure calls such as token refreshes;
// model calls go through the retry orchestrator, which owns provider
// fallback and deadlines.
//
// Do returns the number of calls made. A permanent error ends the loop and
// is returned unwrapped; exhaustion returns ErrAttemptsExhausted joined with
// the last failure.
func Do[T any](ctx context.Context, policy Policy, attempts int, fn func(ctx context.Context) (T, error)) (T, int, error) {
	var zero T
	var last error
	for n := 1; n <= attempts; n++ {
		if err := ctx.Err(); err != nil {
			return zero, n - 1, errors.Join(err, last)
		}
		value, err := fn(ctx)
		if err == nil {
			return value, n, nil
		}
		var p *permanentError
		if errors.As(err, &p) {
			return zero, n, p.err
		}
		last = err
		if n < attempts {
			if err := Sleep(ctx, Compute(policy, n)); err != nil {
				return zero, n, errors.Join(err, last)
			}
		}
	}
	if last == nil {
		return zero, 0, ErrAttemptsExhausted
	}
	return zero, attempts, fmt.Errorf("%w after %d: %w", ErrAttemptsExhausted, attempts, last)
}
