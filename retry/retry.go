// Package retry retries storage calls that fail transiently, with capped
// exponential backoff and jitter.
package retry

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand/v2"
	"time"
)

// Policy configures retry behavior. The zero value is usable: missing
// fields take the values of DefaultPolicy.
type Policy struct {
	// Attempts is the total number of calls, including the first (default: 4).
	Attempts int

	// InitialBackoff is the delay before the second call (default: 50ms).
	InitialBackoff time.Duration

	// MaxBackoff caps a single delay (default: 5s).
	MaxBackoff time.Duration

	// Multiplier grows the delay after each call (default: 2).
	Multiplier float64

	// Jitter spreads each delay by +/- this fraction, clamped to [0, 1].
	// Zero disables it; DefaultPolicy uses 0.2.
	Jitter float64

	// Retryable decides whether an error deserves another call.
	// Defaults to !IsPermanent(err).
	Retryable func(error) bool
}

// DefaultPolicy returns the policy used for zero fields.
func DefaultPolicy() Policy {
	return Policy{
		Attempts:       4,
		InitialBackoff: 50 * time.Millisecond,
		MaxBackoff:     5 * time.Second,
		Multiplier:     2,
		Jitter:         0.2,
		Retryable:      func(err error) bool { return !IsPermanent(err) },
	}
}

// ErrExhausted is matched by the error returned once every attempt failed.
var ErrExhausted = errors.New("retry: attempts exhausted")

// Error reports the last failure of a retried call.
type Error struct {
	Attempts int
	Last     error
}

func (e *Error) Error() string {
	return fmt.Sprintf("retry: gave up after %d attempts: %v", e.Attempts, e.Last)
}

func (e *Error) Unwrap() []error {
	return []error{ErrExhausted, e.Last}
}

// Do calls fn until it succeeds, fails permanently, the attempts run out or
// ctx is done. Permanent failures are returned unwrapped.
func Do(ctx context.Context, p Policy, fn func(context.Context) error) error {
	p = p.withDefaults()

	var last error
	for attempt := 0; attempt < p.Attempts; attempt++ {
		if attempt > 0 {
			timer := time.NewTimer(p.backoff(attempt - 1))
			select {
			case <-ctx.Done():
				timer.Stop()
				return errors.Join(ctx.Err(), last)
			case <-timer.C:
			}
		}

		err := fn(ctx)
		if err == nil {
			return nil
		}
		if !p.Retryable(err) || ctx.Err() != nil {
			return err
		}
		last = err
	}
	return &Error{Attempts: p.Attempts, Last: last}
}

// Value is Do for calls returning a result.
func Value[T any](ctx context.Context, p Policy, fn func(context.Context) (T, error)) (T, error) {
	var out T
	err := Do(ctx, p, func(ctx context.Context) error {
		v, err := fn(ctx)
		if err == nil {
			out = v
		}
		return err
	})
	return out, err
}

func (p Policy) withDefaults() Policy {
	d := DefaultPolicy()
	if p.Attempts < 1 {
		p.Attempts = d.Attempts
	}
	if p.InitialBackoff <= 0 {
		p.InitialBackoff = d.InitialBackoff
	}
	if p.MaxBackoff <= 0 {
		p.MaxBackoff = d.MaxBackoff
	}
	if p.Multiplier < 1 {
		p.Multiplier = d.Multiplier
	}
	p.Jitter = min(max(p.Jitter, 0), 1)
	if p.Retryable == nil {
		p.Retryable = d.Retryable
	}
	return p
}

// backoff returns the delay after the given zero-based failed attempt.
func (p Policy) backoff(attempt int) time.Duration {
	d := float64(p.InitialBackoff) * math.Pow(p.Multiplier, float64(attempt))
	d = min(d, float64(p.MaxBackoff))
	if p.Jitter > 0 {
		spread := d * p.Jitter
		d += (rand.Float64()*2 - 1) * spread
	}
	return time.Duration(d)
}

// Permanent marks err as not worth retrying.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// IsPermanent reports whether err, or any error it wraps, was marked with
// Permanent.
func IsPermanent(err error) bool {
	var pe *permanentError
	return errors.As(err, &pe)
}

type permanentError struct {
	err error
}

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }
