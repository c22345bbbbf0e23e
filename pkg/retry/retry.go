package retry

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// RetryableError marks an error as worth another attempt.
type RetryableError interface {
	error
	IsRetryable() bool
}

// FatalError marks an error no amount of retrying will fix.
type FatalError interface {
	error
	IsFatal() bool
}

type classifiedError struct {
	err   error
	fatal bool
}

func (e *classifiedError) Error() string     { return e.err.Error() }
func (e *classifiedError) Unwrap() error     { return e.err }
func (e *classifiedError) IsRetryable() bool { return !e.fatal }
func (e *classifiedError) IsFatal() bool     { return e.fatal }

// NewRetryableError marks err as transient.
func NewRetryableError(err error) error {
	if err == nil {
		return nil
	}
	return &classifiedError{err: err}
}

// NewFatalError marks err as permanent.
func NewFatalError(err error) error {
	if err == nil {
		return nil
	}
	return &classifiedError{err: err, fatal: true}
}

type Policy struct {
	MaxAttempts     int
	InitialInterval time.Duration
	MaxInterval     time.Duration
	Multiplier      float64
	MaxElapsedTime  time.Duration
}

func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts:     3,
		InitialInterval: 1 * time.Second,
		MaxInterval:     30 * time.Second,
		Multiplier:      2.0,
		MaxElapsedTime:  5 * time.Minute,
	}
}

func (p Policy) backOff(ctx context.Context) backoff.BackOff {
	maxAttempts := p.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 3
	}

	exp := backoff.NewExponentialBackOff()
	exp.InitialInterval = p.InitialInterval
	exp.MaxInterval = p.MaxInterval
	exp.Multiplier = p.Multiplier
	// Zero disables the elapsed-time cap; attempts alone bound the loop.
	exp.MaxElapsedTime = p.MaxElapsedTime

	b := backoff.WithContext(exp, ctx)
	return backoff.WithMaxRetries(b, uint64(maxAttempts-1))
}

// Retry runs fn until it succeeds, it returns an error classified as
// fatal, or the policy is exhausted. Errors carrying no classification
// are treated as transient.
func Retry(ctx context.Context, policy Policy, fn func() error) error {
	return RetryNotify(ctx, policy, fn, nil)
}

// RetryNotify is Retry with a callback invoked before each backoff
// sleep, typically to log the failed attempt.
func RetryNotify(ctx context.Context, policy Policy, fn func() error, notify func(err error, next time.Duration)) error {
	operation := func() error {
		err := fn()
		if err == nil {
			return nil
		}

		var fatalErr FatalError
		if errors.As(err, &fatalErr) && fatalErr.IsFatal() {
			return backoff.Permanent(err)
		}

		var retryableErr RetryableError
		if errors.As(err, &retryableErr) && !retryableErr.IsRetryable() {
			return backoff.Permanent(err)
		}

		return err
	}

	if notify == nil {
		return backoff.Retry(operation, policy.backOff(ctx))
	}
	return backoff.RetryNotify(operation, policy.backOff(ctx), notify)
}
