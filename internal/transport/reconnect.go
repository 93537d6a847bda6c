package transport

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/avolpe/preceptor/internal/reliability"
)

var ErrReconnectExhausted = errors.New("reconnect attempts exhausted")

// ReconnectConfig bounds the reconnection policy.
type ReconnectConfig struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
}

func (c ReconnectConfig) withDefaults() ReconnectConfig {
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 5
	}
	if c.BaseDelay <= 0 {
		c.BaseDelay = 500 * time.Millisecond
	}
	if c.MaxDelay <= 0 {
		c.MaxDelay = 10 * time.Second
	}
	return c
}

// Reconnector retries a dropped link with doubling, capped delays. The
// attempt counter survives across Run calls until a dial succeeds, so a
// flapping link cannot retry forever.
type Reconnector struct {
	mu       sync.Mutex
	cfg      ReconnectConfig
	connID   string
	attempts int
}

func NewReconnector(connID string, cfg ReconnectConfig) *Reconnector {
	return &Reconnector{cfg: cfg.withDefaults(), connID: connID}
}

// Run dials until success or the attempt budget is spent. On success the
// counter resets to zero.
func (r *Reconnector) Run(ctx context.Context, dial func(ctx context.Context) error) error {
	var lastErr error
	for {
		r.mu.Lock()
		if r.attempts >= r.cfg.MaxAttempts {
			r.mu.Unlock()
			if lastErr != nil {
				return fmt.Errorf("%w: %v", ErrReconnectExhausted, lastErr)
			}
			return ErrReconnectExhausted
		}
		r.attempts++
		attempt := r.attempts
		r.mu.Unlock()

		delay := reliability.ExponentialBackoff(attempt-1, r.cfg.BaseDelay, r.cfg.MaxDelay)
		slog.Info("reconnecting",
			"conn_id", r.connID,
			"attempt", attempt,
			"delay", delay)

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}

		if err := dial(ctx); err != nil {
			lastErr = err
			continue
		}
		r.Reset()
		return nil
	}
}

// Reset clears the attempt counter after a confirmed healthy link.
func (r *Reconnector) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.attempts = 0
}

// Attempts reports consumed attempts since the last confirmed success.
func (r *Reconnector) Attempts() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.attempts
}
