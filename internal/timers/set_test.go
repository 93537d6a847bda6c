package timers

import (
	"sync/atomic"
	"testing"
	"time"
)

func TestAfterFires(t *testing.T) {
	s := NewSet()
	defer s.CancelAll()

	fired := make(chan struct{})
	if !s.After("t1", 5*time.Millisecond, func() { close(fired) }) {
		t.Fatalf("After() = false, want true")
	}
	select {
	case <-fired:
	case <-time.After(time.Second):
		t.Fatalf("timer never fired")
	}
	if s.Len() != 0 {
		t.Fatalf("Len() = %d after fire, want 0", s.Len())
	}
}

func TestCancelPreventsFire(t *testing.T) {
	s := NewSet()
	defer s.CancelAll()

	var fired atomic.Bool
	s.After("t1", 20*time.Millisecond, func() { fired.Store(true) })
	if !s.Cancel("t1") {
		t.Fatalf("Cancel() = false, want true")
	}
	time.Sleep(60 * time.Millisecond)
	if fired.Load() {
		t.Fatalf("cancelled timer fired")
	}
}

func TestReplaceSupersedesOldTimer(t *testing.T) {
	s := NewSet()
	defer s.CancelAll()

	var old, replacement atomic.Bool
	s.After("t1", 10*time.Millisecond, func() { old.Store(true) })
	s.After("t1", 30*time.Millisecond, func() { replacement.Store(true) })

	time.Sleep(80 * time.Millisecond)
	if old.Load() {
		t.Fatalf("superseded timer fired")
	}
	if !replacement.Load() {
		t.Fatalf("replacement timer never fired")
	}
}

func TestCancelAllClosesSet(t *testing.T) {
	s := NewSet()
	var fired atomic.Int32
	s.After("a", 20*time.Millisecond, func() { fired.Add(1) })
	s.Every("b", 10*time.Millisecond, func() { fired.Add(1) })
	s.CancelAll()

	if s.After("c", time.Millisecond, func() { fired.Add(1) }) {
		t.Fatalf("After() on closed set = true, want false")
	}
	if s.Every("d", time.Millisecond, func() { fired.Add(1) }) {
		t.Fatalf("Every() on closed set = true, want false")
	}

	time.Sleep(60 * time.Millisecond)
	if n := fired.Load(); n != 0 {
		t.Fatalf("%d callbacks fired after CancelAll", n)
	}
}

func TestEveryRepeatsUntilCancelled(t *testing.T) {
	s := NewSet()
	defer s.CancelAll()

	var ticks atomic.Int32
	s.Every("tick", 10*time.Millisecond, func() { ticks.Add(1) })

	deadline := time.Now().Add(time.Second)
	for ticks.Load() < 3 {
		if time.Now().After(deadline) {
			t.Fatalf("ticker fired %d times, want at least 3", ticks.Load())
		}
		time.Sleep(5 * time.Millisecond)
	}
	s.Cancel("tick")
	settled := ticks.Load()
	time.Sleep(50 * time.Millisecond)
	if got := ticks.Load(); got > settled+1 {
		t.Fatalf("ticker kept firing after cancel: %d -> %d", settled, got)
	}
}
