package transport

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/avolpe/preceptor/internal/timers"
)

// HeartbeatConfig tunes the bidirectional keepalive.
type HeartbeatConfig struct {
	Period time.Duration
	Grace  time.Duration
}

func (c HeartbeatConfig) withDefaults() HeartbeatConfig {
	if c.Period <= 0 {
		c.Period = 30 * time.Second
	}
	if c.Grace <= 0 {
		c.Grace = 5 * time.Second
	}
	return c
}

// Heartbeat sends a minimal keepalive each period and treats a full period
// plus grace without any link activity as a failed heartbeat, handing the
// link over to the reconnection policy.
type Heartbeat struct {
	mu      sync.Mutex
	cfg     HeartbeatConfig
	connID  string
	monitor *Monitor
	send    func(ctx context.Context) error
	onMiss  func()
	tasks   *timers.Set
	nowFunc func() time.Time
	running bool
}

func NewHeartbeat(connID string, cfg HeartbeatConfig, monitor *Monitor, send func(ctx context.Context) error, onMiss func()) *Heartbeat {
	return &Heartbeat{
		cfg:     cfg.withDefaults(),
		connID:  connID,
		monitor: monitor,
		send:    send,
		onMiss:  onMiss,
		tasks:   timers.NewSet(),
		nowFunc: time.Now,
	}
}

// SetNowFunc overrides the clock source. Test hook.
func (h *Heartbeat) SetNowFunc(now func() time.Time) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.nowFunc = now
}

// Start arms the keepalive loop. Returns false when already running.
func (h *Heartbeat) Start(ctx context.Context) bool {
	h.mu.Lock()
	if h.running {
		h.mu.Unlock()
		return false
	}
	h.running = true
	h.mu.Unlock()

	h.tasks.Every("heartbeat", h.cfg.Period, func() {
		h.tick(ctx)
	})
	return true
}

func (h *Heartbeat) tick(ctx context.Context) {
	h.mu.Lock()
	if !h.running {
		h.mu.Unlock()
		return
	}
	now := h.nowFunc()
	silent := now.Sub(h.monitor.LastActivity())
	h.mu.Unlock()

	// No activity at all since the previous keepalive went out, plus the
	// grace window: the link is dead even if TCP has not noticed.
	if silent > h.cfg.Period+h.cfg.Grace {
		h.Stop()
		slog.Warn("heartbeat missed, link presumed dead",
			"conn_id", h.connID,
			"silent_for", silent)
		if h.onMiss != nil {
			h.onMiss()
		}
		return
	}

	sendCtx, cancel := context.WithTimeout(ctx, h.cfg.Grace)
	defer cancel()
	if err := h.send(sendCtx); err != nil {
		slog.Debug("keepalive send failed",
			"conn_id", h.connID,
			"error", err)
	}
}

// Stop disarms the loop.
func (h *Heartbeat) Stop() {
	h.mu.Lock()
	h.running = false
	h.mu.Unlock()
	h.tasks.Cancel("heartbeat")
}

// Close releases all timers. The heartbeat cannot be restarted afterwards.
func (h *Heartbeat) Close() {
	h.mu.Lock()
	h.running = false
	h.mu.Unlock()
	h.tasks.CancelAll()
}
