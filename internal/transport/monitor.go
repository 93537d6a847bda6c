package transport

import (
	"log/slog"
	"sync"
	"time"

	"github.com/avolpe/preceptor/internal/timers"
)

// MonitorConfig tunes the silent-link watchdog.
type MonitorConfig struct {
	CheckInterval   time.Duration
	ActivityTimeout time.Duration
}

func (c MonitorConfig) withDefaults() MonitorConfig {
	if c.CheckInterval <= 0 {
		c.CheckInterval = 5 * time.Second
	}
	if c.ActivityTimeout <= 0 {
		c.ActivityTimeout = 15 * time.Second
	}
	return c
}

// Monitor detects a silently dead link from activity timestamps. On the
// first breach it stops itself and fires the callback exactly once; the
// caller restarts monitoring after recovery.
type Monitor struct {
	mu           sync.Mutex
	cfg          MonitorConfig
	connID       string
	lastActivity time.Time
	running      bool
	tasks        *timers.Set
	nowFunc      func() time.Time
}

func NewMonitor(connID string, cfg MonitorConfig) *Monitor {
	return &Monitor{
		cfg:     cfg.withDefaults(),
		connID:  connID,
		tasks:   timers.NewSet(),
		nowFunc: time.Now,
	}
}

// SetNowFunc overrides the clock source. Test hook.
func (m *Monitor) SetNowFunc(now func() time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nowFunc = now
}

// Start begins periodic liveness checking. Returns false when already
// running.
func (m *Monitor) Start(onStale func(idleFor time.Duration)) bool {
	m.mu.Lock()
	if m.running {
		m.mu.Unlock()
		return false
	}
	m.running = true
	m.lastActivity = m.nowFunc()
	m.mu.Unlock()

	m.tasks.Every("liveness", m.cfg.CheckInterval, func() {
		m.check(onStale)
	})
	return true
}

func (m *Monitor) check(onStale func(idleFor time.Duration)) {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return
	}
	idle := m.nowFunc().Sub(m.lastActivity)
	if idle <= m.cfg.ActivityTimeout {
		m.mu.Unlock()
		return
	}
	// Stop before firing so the callback runs exactly once per breach.
	m.running = false
	m.mu.Unlock()
	m.tasks.Cancel("liveness")

	slog.Warn("connection went stale",
		"conn_id", m.connID,
		"idle_for", idle)
	if onStale != nil {
		onStale(idle)
	}
}

// Ping records activity. Called on every inbound transport event.
func (m *Monitor) Ping() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lastActivity = m.nowFunc()
}

// LastActivity returns the most recent activity timestamp.
func (m *Monitor) LastActivity() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastActivity
}

// IdleFor reports how long the link has been silent.
func (m *Monitor) IdleFor() time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.nowFunc().Sub(m.lastActivity)
}

// Running reports whether the watchdog is armed.
func (m *Monitor) Running() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.running
}

// Stop disarms the watchdog and releases its timers.
func (m *Monitor) Stop() {
	m.mu.Lock()
	m.running = false
	m.mu.Unlock()
	m.tasks.Cancel("liveness")
}

// Close releases all timers. The monitor cannot be restarted afterwards.
func (m *Monitor) Close() {
	m.mu.Lock()
	m.running = false
	m.mu.Unlock()
	m.tasks.CancelAll()
}
