// Package retry runs an operation with exponential backoff and jitter.
// It backs the startup connections to Postgres and Redis and the MCP
// client's calls into a busy API.
package retry

import (
	"context"
	"errors"
	"math/rand/v2"
	"time"
)

// PermanentError wraps an error that should not be retried.
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string { return e.Err.Error() }
func (e *PermanentError) Unwrap() error { return e.Err }

// Permanent wraps err so that Do will not retry it.
func Permanent(err error) error {
	return &PermanentError{Err: err}
}

// DelayError asks Do to wait at least Delay before the next attempt, e.g.
// when a server answered with Retry-After.
type DelayError struct {
	Err   error
	Delay time.Duration
}

func (e *DelayError) Error() string { return e.Err.Error() }
func (e *DelayError) Unwrap() error { return e.Err }

// After wraps err with a minimum wait before the next attempt.
func After(d time.Duration, err error) error {
	return &DelayError{Err: err, Delay: d}
}

// Policy bounds the attempts made by Do.
type Policy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration // 0 means unbounded
}

// Startup is the policy used for dependencies dialed once at boot.
var Startup = Policy{MaxAttempts: 5, BaseDelay: 500 * time.Millisecond, MaxDelay: 5 * time.Second}

// Do calls fn until it succeeds, returns a *PermanentError, the attempts
// run out or ctx is done. The delay doubles after each failure with +-25%
// jitter. The last error is returned unwrapped from any retry marker.
func Do(ctx context.Context, p Policy, fn func(ctx context.Context) error) error {
	attempts := max(p.MaxAttempts, 1)
	delay := p.BaseDelay

	var err error
	for attempt := 0; attempt < attempts; attempt++ {
		err = fn(ctx)
		if err == nil {
			return nil
		}

		var pe *PermanentError
		if errors.As(err, &pe) {
			return pe.Err
		}

		sleep := jitter(delay)
		var de *DelayError
		if errors.As(err, &de) {
			err = de.Err
			sleep = max(sleep, de.Delay)
		}

		if attempt == attempts-1 {
			break
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(sleep):
		}

		delay *= 2
		if p.MaxDelay > 0 && delay > p.MaxDelay {
			delay = p.MaxDelay
		}
	}
	return err
}

func jitter(d time.Duration) time.Duration {
	if d <= 0 {
		return 0
	}
	spread := d / 4
	return d - spread + rand.N(2*spread+1)
}
