package transport

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestMonitorFiresOnceOnSilentLink(t *testing.T) {
	m := NewMonitor("c1", MonitorConfig{
		CheckInterval:   10 * time.Millisecond,
		ActivityTimeout: 30 * time.Millisecond,
	})
	defer m.Close()

	var fired atomic.Int32
	if !m.Start(func(time.Duration) { fired.Add(1) }) {
		t.Fatalf("Start() = false, want true")
	}

	deadline := time.Now().Add(time.Second)
	for fired.Load() == 0 {
		if time.Now().After(deadline) {
			t.Fatalf("watchdog never fired")
		}
		time.Sleep(5 * time.Millisecond)
	}

	// The watchdog disarms itself on the first breach.
	if m.Running() {
		t.Fatalf("Running() = true after breach, want false")
	}
	time.Sleep(60 * time.Millisecond)
	if got := fired.Load(); got != 1 {
		t.Fatalf("watchdog fired %d times, want exactly 1", got)
	}
}

func TestMonitorPingKeepsLinkAlive(t *testing.T) {
	m := NewMonitor("c1", MonitorConfig{
		CheckInterval:   10 * time.Millisecond,
		ActivityTimeout: 40 * time.Millisecond,
	})
	defer m.Close()

	var fired atomic.Int32
	m.Start(func(time.Duration) { fired.Add(1) })

	stop := time.Now().Add(150 * time.Millisecond)
	for time.Now().Before(stop) {
		m.Ping()
		time.Sleep(5 * time.Millisecond)
	}
	if fired.Load() != 0 {
		t.Fatalf("watchdog fired on an active link")
	}
	if !m.Running() {
		t.Fatalf("Running() = false on an active link")
	}
}

func TestMonitorRestartAfterRecovery(t *testing.T) {
	m := NewMonitor("c1", MonitorConfig{
		CheckInterval:   10 * time.Millisecond,
		ActivityTimeout: 20 * time.Millisecond,
	})
	defer m.Close()

	stale := make(chan struct{}, 2)
	m.Start(func(time.Duration) { stale <- struct{}{} })
	<-stale

	// Caller restarts monitoring after recovery; the watchdog re-arms.
	if !m.Start(func(time.Duration) { stale <- struct{}{} }) {
		t.Fatalf("restart Start() = false, want true")
	}
	select {
	case <-stale:
	case <-time.After(time.Second):
		t.Fatalf("restarted watchdog never fired")
	}
}

func TestHeartbeatMissTriggersReconnect(t *testing.T) {
	m := NewMonitor("c1", MonitorConfig{})
	defer m.Close()
	m.Ping()

	now := time.Now()
	var mu sync.Mutex
	current := now
	m.SetNowFunc(func() time.Time { mu.Lock(); defer mu.Unlock(); return current })
	m.Ping()

	missed := make(chan struct{}, 1)
	var sends atomic.Int32
	h := NewHeartbeat("c1", HeartbeatConfig{Period: 15 * time.Millisecond, Grace: 5 * time.Millisecond}, m,
		func(context.Context) error { sends.Add(1); return nil },
		func() { missed <- struct{}{} },
	)
	defer h.Close()
	h.SetNowFunc(func() time.Time { mu.Lock(); defer mu.Unlock(); return current })
	h.Start(context.Background())

	// First ticks see recent activity and just send keepalives.
	deadline := time.Now().Add(time.Second)
	for sends.Load() == 0 {
		if time.Now().After(deadline) {
			t.Fatalf("keepalive never sent")
		}
		time.Sleep(5 * time.Millisecond)
	}

	// Freeze activity far in the past: the next tick declares a miss.
	mu.Lock()
	current = current.Add(time.Minute)
	mu.Unlock()

	select {
	case <-missed:
	case <-time.After(time.Second):
		t.Fatalf("heartbeat miss never reported")
	}
}

func TestReconnectorSucceedsAndResets(t *testing.T) {
	r := NewReconnector("c1", ReconnectConfig{
		MaxAttempts: 5,
		BaseDelay:   time.Millisecond,
		MaxDelay:    4 * time.Millisecond,
	})

	calls := 0
	err := r.Run(context.Background(), func(context.Context) error {
		calls++
		if calls < 3 {
			return errors.New("refused")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if calls != 3 {
		t.Fatalf("dial attempted %d times, want 3", calls)
	}
	if r.Attempts() != 0 {
		t.Fatalf("Attempts() = %d after success, want 0", r.Attempts())
	}
}

func TestReconnectorExhaustsBudget(t *testing.T) {
	r := NewReconnector("c1", ReconnectConfig{
		MaxAttempts: 3,
		BaseDelay:   time.Millisecond,
		MaxDelay:    2 * time.Millisecond,
	})

	calls := 0
	err := r.Run(context.Background(), func(context.Context) error {
		calls++
		return errors.New("refused")
	})
	if !errors.Is(err, ErrReconnectExhausted) {
		t.Fatalf("error = %v, want ErrReconnectExhausted", err)
	}
	if calls != 3 {
		t.Fatalf("dial attempted %d times, want 3", calls)
	}

	// The budget stays spent until a success resets it.
	err = r.Run(context.Background(), func(context.Context) error { return nil })
	if !errors.Is(err, ErrReconnectExhausted) {
		t.Fatalf("error = %v, want ErrReconnectExhausted on spent budget", err)
	}
}

func TestReconnectorHonorsContext(t *testing.T) {
	r := NewReconnector("c1", ReconnectConfig{
		MaxAttempts: 5,
		BaseDelay:   50 * time.Millisecond,
		MaxDelay:    time.Second,
	})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := r.Run(ctx, func(context.Context) error { return errors.New("refused") })
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("error = %v, want context.Canceled", err)
	}
}
