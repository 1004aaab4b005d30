// Package retry runs an operation a bounded number of times with
// exponential backoff.
package retry

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v5"
)

type Policy struct {
	Attempts int
	Initial  time.Duration
	// Max caps the delay. Zero keeps every delay at Initial.
	Max time.Duration
	// Retryable decides whether an error is worth another attempt. Nil
	// retries every error.
	Retryable func(error) bool
}

// Permanent wraps err so Do returns it immediately.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return backoff.Permanent(err)
}

func (p Policy) backOff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.Initial
	b.RandomizationFactor = 0
	b.Multiplier = 2
	b.MaxInterval = p.Max
	if p.Max <= 0 {
		b.MaxInterval = p.Initial
	}
	return b
}

// Do calls fn until it succeeds, the attempts are exhausted, the error is not
// retryable, or ctx is done. It returns the number of attempts made.
func Do(ctx context.Context, p Policy, fn func(ctx context.Context) error) (int, error) {
	attempts := max(p.Attempts, 1)

	calls := 0
	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		calls++
		err := fn(ctx)
		if err != nil && p.Retryable != nil && !p.Retryable(err) {
			return struct{}{}, backoff.Permanent(err)
		}
		return struct{}{}, err
	},
		backoff.WithBackOff(p.backOff()),
		backoff.WithMaxTries(uint(attempts)),
		backoff.WithMaxElapsedTime(0),
	)

	// The last attempt returns its error as is, permanent wrapper included.
	var perm *backoff.PermanentError
	if errors.As(err, &perm) {
		err = perm.Unwrap()
	}
	return calls, err
}
