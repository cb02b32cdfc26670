// Package retry runs remote calls with bounded exponential backoff.
//
// Transient failures (network errors, timeouts, 5xx responses) are retried;
// client errors (4xx) and caller cancellation stop immediately. The error of
// the last attempt is returned unchanged so callers can inspect it with
// errors.As.
package retry

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/ferro-labs/fluxguard/internal/logging"
)

// Policy bounds the retry loop.
type Policy struct {
	// MaxAttempts is the total number of attempts including the first one.
	// Values below 1 mean a single attempt.
	MaxAttempts     int
	InitialInterval time.Duration
	MaxInterval     time.Duration
	// MaxElapsed caps the wall time spent retrying. Zero means no cap.
	MaxElapsed time.Duration
	Multiplier float64
}

// DefaultPolicy returns 3 attempts within 30s, starting at 200ms.
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts:     3,
		InitialInterval: 200 * time.Millisecond,
		MaxInterval:     5 * time.Second,
		MaxElapsed:      30 * time.Second,
		Multiplier:      2,
	}
}

// StatusError is implemented by errors that carry an HTTP status code.
type StatusError interface {
	error
	HTTPStatus() int
}

type permanentError struct{ err error }

func (p *permanentError) Error() string { return p.err.Error() }
func (p *permanentError) Unwrap() error { return p.err }

// Permanent marks err as not worth retrying.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// Retryable reports whether err is a transient failure.
func Retryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var p *permanentError
	if errors.As(err, &p) {
		return false
	}
	var se StatusError
	if errors.As(err, &se) {
		return se.HTTPStatus() >= 500
	}
	return true
}

func (p Policy) backOff(ctx context.Context) backoff.BackOff {
	expo := backoff.NewExponentialBackOff()
	if p.InitialInterval > 0 {
		expo.InitialInterval = p.InitialInterval
	}
	if p.MaxInterval > 0 {
		expo.MaxInterval = p.MaxInterval
	}
	if p.Multiplier > 0 {
		expo.Multiplier = p.Multiplier
	}
	expo.MaxElapsedTime = p.MaxElapsed

	retries := p.MaxAttempts - 1
	if retries < 0 {
		retries = 0
	}
	return backoff.WithContext(backoff.WithMaxRetries(expo, uint64(retries)), ctx)
}

// Do calls fn until it succeeds, returns a non-retryable error, or the policy
// is exhausted. operation is used for logging only.
func Do[T any](ctx context.Context, p Policy, operation string, fn func(context.Context) (T, error)) (T, error) {
	attempt := 0
	op := func() (T, error) {
		attempt++
		res, err := fn(ctx)
		if err != nil && !Retryable(err) {
			var perm *permanentError
			if errors.As(err, &perm) {
				err = perm.err
			}
			return res, backoff.Permanent(err)
		}
		return res, err
	}
	notify := func(err error, next time.Duration) {
		logging.FromContext(ctx).Warn("remote call failed, retrying",
			"operation", operation,
			"attempt", attempt,
			"retry_in", next,
			"error", err,
		)
	}
	return backoff.RetryNotifyWithData(op, p.backOff(ctx), notify)
}
