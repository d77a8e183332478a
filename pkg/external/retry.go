package external

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
)

// permanentError marks a failure that retrying cannot fix, such as a
// 4xx response from an upstream service
type permanentError struct {
	err error
}

func (p *permanentError) Error() string { return p.err.Error() }
func (p *permanentError) Unwrap() error { return p.err }

// Permanent wraps err so the retry executor fails immediately instead
// of retrying
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// IsPermanent reports whether err was marked with Permanent
func IsPermanent(err error) bool {
	var p *permanentError
	return errors.As(err, &p)
}

// RetryExecutor runs operations with bounded retries. Delays grow
// exponentially from InitialDelay unless Linear is set, in which case
// every attempt waits the same InitialDelay.
type RetryExecutor struct {
	MaxRetries   int
	InitialDelay time.Duration
	Linear       bool
	Log          *logrus.Logger
}

// Do runs fn up to MaxRetries+1 times. Permanent errors and context
// cancellation stop retrying immediately.
func (r *RetryExecutor) Do(ctx context.Context, op string, fn func() error) error {
	delay := r.InitialDelay
	if delay <= 0 {
		delay = 500 * time.Millisecond
	}

	var lastErr error
	for attempt := 0; attempt <= r.MaxRetries; attempt++ {
		if attempt > 0 {
			wait := delay
			if !r.Linear {
				wait = delay << (attempt - 1)
			}
			if r.Log != nil {
				r.Log.WithFields(logrus.Fields{
					"operation": op,
					"attempt":   attempt,
					"wait":      wait.String(),
				}).Debug("Retrying after failure")
			}
			select {
			case <-time.After(wait):
			case <-ctx.Done():
				return ctx.Err()
			}
		}

		lastErr = fn()
		if lastErr == nil {
			return nil
		}
		if IsPermanent(lastErr) {
			return lastErr
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
	}

	return fmt.Errorf("%s failed after %d attempts: %w", op, r.MaxRetries+1, lastErr)
}
