// Package retry provides retry mechanisms with exponential backoff.
package retry

import (
	"context"
	"math"
	"math/rand"
	"time"

	"github.com/bardlex/btcwrap/pkg/errors"
)

// Config describes a retry policy. MaxAttempts counts the first call, so 3
// means at most two retries.
type Config struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	Multiplier  float64
	// Jitter adds up to 10% to every delay.
	Jitter bool

	// OnRetry, when set, is called before sleeping ahead of the next attempt.
	// attempt is the 1-based number of the attempt that just failed.
	OnRetry func(attempt int, err error, delay time.Duration)
}

// DefaultConfig returns the policy used when none is given.
func DefaultConfig() *Config {
	return &Config{
		MaxAttempts: 3,
		BaseDelay:   100 * time.Millisecond,
		MaxDelay:    5 * time.Second,
		Multiplier:  2.0,
		Jitter:      true,
	}
}

// TransportConfig returns the policy for node RPC calls: three attempts in
// total with exponential backoff between them.
func TransportConfig() *Config {
	return &Config{
		MaxAttempts: 3,
		BaseDelay:   500 * time.Millisecond,
		MaxDelay:    4 * time.Second,
		Multiplier:  2.0,
		Jitter:      true,
	}
}

// AuditConfig returns a short policy for audit sinks, which must never hold
// up the command's output for long.
func AuditConfig() *Config {
	return &Config{
		MaxAttempts: 2,
		BaseDelay:   50 * time.Millisecond,
		MaxDelay:    200 * time.Millisecond,
		Multiplier:  2.0,
	}
}

// Do calls fn until it succeeds, returns an error that is not retryable, or
// the policy is exhausted.
func Do(ctx context.Context, config *Config, fn func() error) error {
	_, err := DoWithResult(ctx, config, func() (struct{}, error) {
		return struct{}{}, fn()
	})
	return err
}

// DoWithResult is Do for functions returning a value. Non-retryable errors
// are returned unchanged. Once attempts are exhausted the last error is
// wrapped, keeping its type so callers can still classify it, with the
// attempt count under the "max_attempts" context key. Cancelling ctx while
// waiting returns ctx.Err().
func DoWithResult[T any](ctx context.Context, config *Config, fn func() (T, error)) (T, error) {
	var zero T
	if config == nil {
		config = DefaultConfig()
	}
	attempts := max(config.MaxAttempts, 1)

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		res, err := fn()
		if err == nil {
			return res, nil
		}
		if !errors.IsRetryable(err) {
			return zero, err
		}
		lastErr = err
		if attempt == attempts {
			break
		}

		delay := config.backoff(attempt - 1)
		if config.OnRetry != nil {
			config.OnRetry(attempt, err, delay)
		}
		if err := sleep(ctx, delay); err != nil {
			return zero, err
		}
	}

	return zero, errors.Wrap(lastErr, errors.TypeOf(lastErr), "retry",
		"operation failed after maximum retry attempts").
		WithContext("max_attempts", attempts)
}

// backoff returns the delay after the given 0-based retry.
func (c *Config) backoff(retry int) time.Duration {
	delay := float64(c.BaseDelay) * math.Pow(c.Multiplier, float64(retry))
	delay = min(delay, float64(c.MaxDelay))
	if c.Jitter {
		delay += delay * 0.1 * rand.Float64()
	}
	return time.Duration(delay)
}

func sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
