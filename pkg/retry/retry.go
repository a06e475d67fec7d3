// Package retry runs fallible operations again after a fixed delay.
//
// Operations passed to Do may run more than once and must be safe to
// repeat (status PUTs, hub lookups, registration upserts).
package retry

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/pkg/errors"
)

// Policy bounds the number of attempts Do makes.
type Policy struct {
	maxAttempts int
}

// Bounded allows at most n attempts including the first. n < 1 is treated as 1.
func Bounded(n int) Policy {
	if n < 1 {
		n = 1
	}
	return Policy{maxAttempts: n}
}

// Unbounded retries until the operation succeeds or the context ends.
func Unbounded() Policy {
	return Policy{}
}

// IsUnbounded reports whether the policy never gives up on its own.
func (p Policy) IsUnbounded() bool {
	return p.maxAttempts == 0
}

// MaxAttempts returns the attempt budget, 0 for unbounded.
func (p Policy) MaxAttempts() int {
	return p.maxAttempts
}

func (p Policy) options(delay time.Duration) []backoff.RetryOption {
	opts := []backoff.RetryOption{
		backoff.WithBackOff(backoff.NewConstantBackOff(delay)),
		// the library default stops after 15 minutes
		backoff.WithMaxElapsedTime(0),
	}
	if !p.IsUnbounded() {
		opts = append(opts, backoff.WithMaxTries(uint(p.maxAttempts)))
	}
	return opts
}

// Permanent marks err as not worth retrying; Do returns it immediately.
func Permanent(err error) error {
	return backoff.Permanent(err)
}

// IsPermanent reports whether err was marked with Permanent.
func IsPermanent(err error) bool {
	var pe *backoff.PermanentError
	return errors.As(err, &pe)
}

// Do invokes op until it succeeds, returns a permanent error, the policy is
// exhausted or ctx is done. The attempt number passed to op is 1-based.
// On bounded exhaustion the last failure is returned wrapped; errors.Cause
// yields it unchanged.
func Do[T any](ctx context.Context, policy Policy, delay time.Duration, op func(ctx context.Context, attempt int) (T, error)) (T, error) {
	var zero T
	if op == nil {
		return zero, errors.New("retry: operation is nil")
	}
	attempt := 0
	result, err := backoff.Retry(ctx, func() (T, error) {
		attempt++
		return op(ctx, attempt)
	}, policy.options(delay)...)
	if err == nil {
		return result, nil
	}

	var pe *backoff.PermanentError
	if errors.As(err, &pe) {
		return zero, pe.Unwrap()
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		if errors.Is(err, ctxErr) {
			return zero, errors.Wrapf(ctxErr, "retry: cancelled after %d attempts", attempt)
		}
		return zero, errors.Wrapf(ctxErr, "retry: cancelled after %d attempts, last error: %v", attempt, err)
	}
	return zero, errors.Wrapf(err, "retry: gave up after %d attempts", attempt)
}

// Run is Do for operations without a result.
func Run(ctx context.Context, policy Policy, delay time.Duration, op func(ctx context.Context, attempt int) error) error {
	_, err := Do(ctx, policy, delay, func(ctx context.Context, attempt int) (struct{}, error) {
		return struct{}{}, op(ctx, attempt)
	})
	return err
}
