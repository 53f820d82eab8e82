package oracle

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// transientError marks a failure worth retrying.
type transientError struct {
	err error
}

func (e *transientError) Error() string { return e.err.Error() }
func (e *transientError) Unwrap() error { return e.err }

// Transient marks err as retryable by Retry. A nil err stays nil.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return &transientError{err: err}
}

// IsTransient reports whether err was marked with Transient.
func IsTransient(err error) bool {
	var t *transientError
	return errors.As(err, &t)
}

func newRetryBackoff(maxElapsed time.Duration) backoff.BackOff {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 50 * time.Millisecond
	bo.MaxInterval = time.Second
	bo.MaxElapsedTime = maxElapsed
	return bo
}

// Retry runs op until it succeeds, returns a non-transient error, maxElapsed
// passes or ctx is done. The error of the last attempt is returned with its
// transient mark removed.
func Retry(ctx context.Context, maxElapsed time.Duration, op func() error) error {
	err := backoff.Retry(func() error {
		err := op()
		if err != nil && !IsTransient(err) {
			return backoff.Permanent(err)
		}
		return err
	}, backoff.WithContext(newRetryBackoff(maxElapsed), ctx))

	var t *transientError
	if errors.As(err, &t) {
		return t.err
	}
	return err
}
