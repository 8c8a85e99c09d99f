// Package consumer runs listener containers: per-topic worker pools that poll a
// consumer group, hand each record to a Handler, retry failures with
// exponential backoff and dead-letter records that exhaust their attempts.
package consumer

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/jnst/ecommerce-outbox/internal/broker"
)

// Handler processes one record. A nil return acknowledges it.
type Handler interface {
	Handle(ctx context.Context, d *broker.Delivery) error
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, d *broker.Delivery) error

// Handle calls f.
func (f HandlerFunc) Handle(ctx context.Context, d *broker.Delivery) error {
	return f(ctx, d)
}

// ErrNonRetryable marks failures that retrying cannot fix.
var ErrNonRetryable = errors.New("non-retryable")

type nonRetryableError struct {
	err error
}

func (e *nonRetryableError) Error() string { return "non-retryable: " + e.err.Error() }

func (e *nonRetryableError) Unwrap() []error { return []error{ErrNonRetryable, e.err} }

// NonRetryable wraps err so the container dead-letters the record without retrying.
func NonRetryable(err error) error {
	if err == nil {
		return nil
	}

	return &nonRetryableError{err: err}
}

// BackoffPolicy is an exponential backoff without jitter: Initial, then each
// interval Multiplier times the previous, capped at Max.
type BackoffPolicy struct {
	Initial    time.Duration
	Multiplier float64
	Max        time.Duration
}

// NewBackOff returns a fresh, unbounded backoff.BackOff following p.
func (p BackoffPolicy) NewBackOff() backoff.BackOff {
	b := &backoff.ExponentialBackOff{
		InitialInterval:     p.Initial,
		RandomizationFactor: 0,
		Multiplier:          p.Multiplier,
		MaxInterval:         p.Max,
		MaxElapsedTime:      0,
		Stop:                backoff.Stop,
		Clock:               backoff.SystemClock,
	}
	b.Reset()

	return b
}
