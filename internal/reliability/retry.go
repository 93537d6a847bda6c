package reliability

import (
	"context"
	"fmt"
	"math/rand"
	"time"
)

// RetryConfig tunes the backoff schedule for transient failures.
type RetryConfig struct {
	MaxAttempts    int
	BaseDelay      time.Duration
	MaxDelay       time.Duration
	JitterFraction float64
	AttemptTimeout time.Duration
}

func (c RetryConfig) withDefaults() RetryConfig {
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 5
	}
	if c.BaseDelay <= 0 {
		c.BaseDelay = time.Second
	}
	if c.MaxDelay <= 0 {
		c.MaxDelay = 30 * time.Second
	}
	if c.JitterFraction <= 0 || c.JitterFraction > 1 {
		c.JitterFraction = 0.25
	}
	if c.AttemptTimeout <= 0 {
		c.AttemptTimeout = 10 * time.Second
	}
	return c
}

// ExhaustedError is the terminal failure after all retry attempts. It is the
// only error the reliability layer surfaces to callers.
type ExhaustedError struct {
	Attempts int
	Err      error
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("retries exhausted after %d attempts: %v", e.Attempts, e.Err)
}

func (e *ExhaustedError) Unwrap() error { return e.Err }

// Retry runs op up to MaxAttempts times with capped exponential backoff and
// symmetric jitter between attempts. Each attempt races against
// AttemptTimeout. Cancellation of ctx stops the schedule immediately and
// returns ctx.Err.
func Retry[T any](ctx context.Context, cfg RetryConfig, op func(context.Context) (T, error)) (T, error) {
	var zero T
	cfg = cfg.withDefaults()

	var lastErr error
	for attempt := 1; attempt <= cfg.MaxAttempts; attempt++ {
		attemptCtx, cancel := context.WithTimeout(ctx, cfg.AttemptTimeout)
		res, err := op(attemptCtx)
		cancel()
		if err == nil {
			return res, nil
		}
		lastErr = err

		if ctx.Err() != nil {
			return zero, ctx.Err()
		}
		if attempt == cfg.MaxAttempts {
			break
		}

		delay := jitteredBackoff(attempt, cfg)
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return zero, ctx.Err()
		case <-timer.C:
		}
	}
	return zero, &ExhaustedError{Attempts: cfg.MaxAttempts, Err: lastErr}
}

// jitteredBackoff computes min(base*2^(attempt-1), max) perturbed by a
// symmetric fraction to decorrelate retries across independent callers.
func jitteredBackoff(attempt int, cfg RetryConfig) time.Duration {
	delay := ExponentialBackoff(attempt-1, cfg.BaseDelay, cfg.MaxDelay)
	spread := (rand.Float64()*2 - 1) * cfg.JitterFraction
	jittered := time.Duration(float64(delay) * (1 + spread))
	if jittered < 0 {
		return 0
	}
	return jittered
}
