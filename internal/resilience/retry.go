// Package resilience provides the retry and circuit breaker primitives used
// around model and network calls.
package resilience

import (
	"context"
	"time"
)

// RetryConfig controls the retry schedule for an outbound call.
type RetryConfig struct {
	// MaxAttempts counts every try including the first. 1 disables retries.
	MaxAttempts int

	// InitialBackoff is the delay before the first retry.
	InitialBackoff time.Duration

	// MaxBackoff caps the growing delay.
	MaxBackoff time.Duration

	// Multiplier grows the delay after every retry. Zero means doubling.
	Multiplier float64

	// ShouldRetry decides whether an error is worth another attempt.
	// Nil means IsTransient.
	ShouldRetry func(err error) bool

	// OnRetry observes each retry before its backoff sleep, passed the
	// 1-based number of the attempt that just failed.
	OnRetry func(attempt int, err error)
}

func (cfg RetryConfig) withDefaults() RetryConfig {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 5
	}
	if cfg.InitialBackoff <= 0 {
		cfg.InitialBackoff = 4 * time.Second
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = 64 * time.Second
	}
	if cfg.Multiplier <= 1 {
		cfg.Multiplier = 2
	}
	if cfg.ShouldRetry == nil {
		cfg.ShouldRetry = IsTransient
	}
	return cfg
}

// DoVal runs fn until it succeeds, the schedule is exhausted, or the failure
// is not retryable. The delay between attempts grows by Multiplier from
// InitialBackoff up to MaxBackoff. A cancelled context stops the loop at the
// next check point. Exhaustion returns the last error unchanged, so callers
// can still match it with errors.Is and errors.As.
func DoVal[T any](ctx context.Context, cfg RetryConfig, fn func(ctx context.Context) (T, error)) (T, error) {
	cfg = cfg.withDefaults()

	var zero T
	delay := cfg.InitialBackoff
	for attempt := 1; ; attempt++ {
		val, err := fn(ctx)
		if err == nil {
			return val, nil
		}
		if ctx.Err() != nil || !cfg.ShouldRetry(err) || attempt == cfg.MaxAttempts {
			return zero, err
		}

		if cfg.OnRetry != nil {
			cfg.OnRetry(attempt, err)
		}
		if !sleep(ctx, delay) {
			return zero, err
		}
		delay = time.Duration(float64(delay) * cfg.Multiplier)
		if delay > cfg.MaxBackoff {
			delay = cfg.MaxBackoff
		}
	}
}

// Do is DoVal for calls without a result.
func Do(ctx context.Context, cfg RetryConfig, fn func(ctx context.Context) error) error {
	_, err := DoVal(ctx, cfg, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, fn(ctx)
	})
	return err
}

// sleep waits for d unless ctx ends first, reporting whether it slept fully.
func sleep(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
