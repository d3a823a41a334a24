// Package backoff provides exponential backoff and a retry loop built on it.
package backoff

import (
	"context"
	"errors"
	"math"
	"time"
)

// Policy for exponential backoff. Zero values use defaults.
type Policy struct {
	Initial     time.Duration // default: 100ms
	Max         time.Duration // default: 5s
	MaxAttempts int           // total attempts including the first; default: 4
}

func (p Policy) withDefaults() Policy {
	if p.Initial <= 0 {
		p.Initial = 100 * time.Millisecond
	}
	if p.Max <= 0 {
		p.Max = 5 * time.Second
	}
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = 4
	}
	return p
}

// Delay returns the wait before retry number attempt.
// Attempt 1 returns Initial, attempt 2 returns Initial*2, etc.
func (p Policy) Delay(attempt int) time.Duration {
	p = p.withDefaults()
	if attempt < 1 {
		return p.Initial
	}
	d := float64(p.Initial) * math.Pow(2.0, float64(attempt-1))
	if d > float64(p.Max) {
		d = float64(p.Max)
	}
	return time.Duration(d)
}

type permanentError struct{ err error }

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent marks err as not worth retrying. Retry returns the wrapped
// error as is.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// Retry calls fn until it succeeds, returns a Permanent error, the attempt
// budget runs out, or ctx is done. The last error is returned.
func Retry(ctx context.Context, p Policy, fn func(ctx context.Context) error) error {
	p = p.withDefaults()

	var lastErr error
	for attempt := range p.MaxAttempts {
		if attempt > 0 {
			timer := time.NewTimer(p.Delay(attempt))
			select {
			case <-ctx.Done():
				timer.Stop()
				if lastErr != nil {
					return errors.Join(ctx.Err(), lastErr)
				}
				return ctx.Err()
			case <-timer.C:
			}
		}

		lastErr = fn(ctx)
		if lastErr == nil {
			return nil
		}
		var perm *permanentError
		if errors.As(lastErr, &perm) {
			return perm.err
		}
	}
	return lastErr
}
