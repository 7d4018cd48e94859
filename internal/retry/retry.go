// Package retry re-runs operations that fail with transient errors.
package retry

import (
	"context"
	"errors"
	"math/rand"
	"time"

	"go.uber.org/zap"

	"github.com/example/cardscan/internal/logging"
)

// Policy configures attempts and exponential backoff.
type Policy struct {
	Attempts       int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	JitterFraction float64 // 0.0 to 1.0
}

// DefaultPolicy suits fast local dependencies such as Redis and Postgres.
func DefaultPolicy() Policy {
	return Policy{
		Attempts:       3,
		InitialBackoff: 50 * time.Millisecond,
		MaxBackoff:     time.Second,
	}
}

// Do calls fn until it succeeds, fails permanently, or the attempts run out.
// Failures are returned as *logging.OperationError.
func Do(ctx context.Context, p Policy, logger *zap.Logger, operation, requestID string, fn func() error) error {
	attempts := p.Attempts
	if attempts < 1 {
		attempts = 1
	}
	backoff := p.InitialBackoff
	opLogger := logging.WithOperation(logger, operation, requestID)

	var err error
	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			if sleepErr := sleep(ctx, p.jittered(backoff)); sleepErr != nil {
				return &logging.OperationError{Operation: operation, RequestID: requestID, Attempts: attempt, Err: sleepErr}
			}
			if next := backoff * 2; next <= p.MaxBackoff {
				backoff = next
			}
		}

		err = fn()
		if err == nil {
			if attempt > 0 {
				opLogger.Info("operation succeeded after retry", zap.Int("attempt", attempt+1))
			}
			return nil
		}
		if !IsTransient(err) || attempt == attempts-1 {
			return &logging.OperationError{Operation: operation, RequestID: requestID, Attempts: attempt + 1, Err: err}
		}
		opLogger.Warn("transient error", zap.Error(err), zap.Int("attempt", attempt+1))
	}
	return &logging.OperationError{Operation: operation, RequestID: requestID, Attempts: attempts, Err: err}
}

// IsTransient reports whether err is worth retrying: deadlines, timeouts and
// errors that declare themselves temporary.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	var timeout interface{ Timeout() bool }
	if errors.As(err, &timeout) && timeout.Timeout() {
		return true
	}

	var temporary interface{ Temporary() bool }
	if errors.As(err, &temporary) && temporary.Temporary() {
		return true
	}
	return false
}

func (p Policy) jittered(d time.Duration) time.Duration {
	if p.JitterFraction <= 0 {
		return d
	}
	jitter := float64(d) * p.JitterFraction * (rand.Float64()*2 - 1)
	if out := time.Duration(float64(d) + jitter); out > 0 {
		return out
	}
	return 0
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
