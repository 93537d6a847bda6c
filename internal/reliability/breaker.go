package reliability

import (
	"context"
	"errors"
	"log/slog"
	"math/rand"
	"sync"
	"time"
)

// BreakerState is the circuit position of a Breaker.
type BreakerState string

const (
	BreakerClosed   BreakerState = "closed"
	BreakerOpen     BreakerState = "open"
	BreakerHalfOpen BreakerState = "half_open"
)

// BreakerConfig tunes one protected operation.
type BreakerConfig struct {
	Name             string
	FailureThreshold int
	MonitoringPeriod time.Duration
	ResetTimeout     time.Duration
	CloseJitterMax   time.Duration
	OnStateChange    func(from, to BreakerState)
}

func (c BreakerConfig) withDefaults() BreakerConfig {
	if c.Name == "" {
		c.Name = "default"
	}
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = 3
	}
	if c.MonitoringPeriod <= 0 {
		c.MonitoringPeriod = time.Minute
	}
	if c.ResetTimeout <= 0 {
		c.ResetTimeout = 30 * time.Second
	}
	if c.CloseJitterMax <= 0 {
		c.CloseJitterMax = 5 * time.Second
	}
	return c
}

// Breaker isolates a degraded dependency after repeated failures. Execute
// never returns an error: callers get either the operation's result or the
// fallback they supplied.
type Breaker[T any] struct {
	mu         sync.Mutex
	cfg        BreakerConfig
	state      BreakerState
	failures   []time.Time
	lastFail   time.Time
	closeTimer *time.Timer
	nowFunc    func() time.Time
	jitterFunc func(max time.Duration) time.Duration
}

func NewBreaker[T any](cfg BreakerConfig) *Breaker[T] {
	return &Breaker[T]{
		cfg:     cfg.withDefaults(),
		state:   BreakerClosed,
		nowFunc: time.Now,
		jitterFunc: func(max time.Duration) time.Duration {
			return time.Duration(rand.Int63n(int64(max)))
		},
	}
}

// SetNowFunc overrides the clock source. Test hook.
func (b *Breaker[T]) SetNowFunc(now func() time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nowFunc = now
}

// SetJitterFunc overrides the close-delay jitter source. Test hook.
func (b *Breaker[T]) SetJitterFunc(jitter func(max time.Duration) time.Duration) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.jitterFunc = jitter
}

func (b *Breaker[T]) State() BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Execute runs op under the circuit policy. While open and inside the reset
// timeout it returns fallback without invoking op. The first call after the
// reset timeout runs as a half-open probe; a successful probe closes the
// circuit only after a randomized jitter delay so independently recovering
// instances do not hammer the dependency in lockstep.
func (b *Breaker[T]) Execute(ctx context.Context, op func(context.Context) (T, error), fallback T) T {
	b.mu.Lock()
	now := b.nowFunc()
	if b.state == BreakerOpen {
		if now.Sub(b.lastFail) < b.cfg.ResetTimeout {
			b.mu.Unlock()
			return fallback
		}
		b.setStateLocked(BreakerHalfOpen)
	}
	probing := b.state == BreakerHalfOpen
	b.mu.Unlock()

	res, err := op(ctx)
	if err != nil {
		if errors.Is(err, context.Canceled) && ctx.Err() != nil {
			// Caller abandoned the call; not evidence against the dependency.
			return fallback
		}
		b.recordFailure()
		return fallback
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if probing && b.state == BreakerHalfOpen {
		b.scheduleCloseLocked()
	} else if b.state == BreakerClosed {
		b.failures = b.failures[:0]
	}
	return res
}

func (b *Breaker[T]) recordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.nowFunc()
	b.lastFail = now
	b.failures = append(b.failures, now)

	cutoff := now.Add(-b.cfg.MonitoringPeriod)
	kept := b.failures[:0]
	for _, ts := range b.failures {
		if ts.After(cutoff) {
			kept = append(kept, ts)
		}
	}
	b.failures = kept

	if b.closeTimer != nil {
		b.closeTimer.Stop()
		b.closeTimer = nil
	}
	if len(b.failures) >= b.cfg.FailureThreshold || b.state == BreakerHalfOpen {
		b.setStateLocked(BreakerOpen)
	}
}

// scheduleCloseLocked arms the delayed half-open -> closed transition.
// Failure counters are cleared only when the timer fires.
func (b *Breaker[T]) scheduleCloseLocked() {
	delay := b.jitterFunc(b.cfg.CloseJitterMax)
	if b.closeTimer != nil {
		b.closeTimer.Stop()
	}
	b.closeTimer = time.AfterFunc(delay, func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if b.state != BreakerHalfOpen {
			return
		}
		b.failures = b.failures[:0]
		b.closeTimer = nil
		b.setStateLocked(BreakerClosed)
	})
}

func (b *Breaker[T]) setStateLocked(next BreakerState) {
	if b.state == next {
		return
	}
	prev := b.state
	b.state = next
	slog.Debug("circuit state change", "breaker", b.cfg.Name, "from", prev, "to", next)
	if b.cfg.OnStateChange != nil {
		b.cfg.OnStateChange(prev, next)
	}
}

// Close cancels any pending delayed close. Call on teardown.
func (b *Breaker[T]) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closeTimer != nil {
		b.closeTimer.Stop()
		b.closeTimer = nil
	}
}
