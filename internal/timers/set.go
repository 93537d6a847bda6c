package timers

import (
	"sync"
	"time"
)

// Set owns the scheduled tasks of one session or connection. Every timer is
// registered under a name and released on CancelAll, so teardown cannot leak
// callbacks that fire after the owner is gone.
type Set struct {
	mu      sync.Mutex
	closed  bool
	nextGen uint64
	entries map[string]*entry
}

type entry struct {
	gen  uint64
	stop func()
}

func NewSet() *Set {
	return &Set{entries: make(map[string]*entry)}
}

// After schedules fn once after d, replacing any task with the same name.
// Returns false if the set is already closed.
func (s *Set) After(name string, d time.Duration, fn func()) bool {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return false
	}
	s.stopLocked(name)
	s.nextGen++
	gen := s.nextGen

	t := time.AfterFunc(d, func() {
		if !s.claim(name, gen) {
			return
		}
		fn()
	})
	s.entries[name] = &entry{gen: gen, stop: func() { t.Stop() }}
	s.mu.Unlock()
	return true
}

// Every schedules fn at a fixed interval until cancelled. Returns false if
// the set is already closed.
func (s *Set) Every(name string, d time.Duration, fn func()) bool {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return false
	}
	s.stopLocked(name)
	s.nextGen++
	gen := s.nextGen

	done := make(chan struct{})
	ticker := time.NewTicker(d)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				if !s.alive(name, gen) {
					return
				}
				fn()
			}
		}
	}()
	var once sync.Once
	s.entries[name] = &entry{gen: gen, stop: func() { once.Do(func() { close(done) }) }}
	s.mu.Unlock()
	return true
}

// Cancel stops the named task. Reports whether a task was registered.
func (s *Set) Cancel(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stopLocked(name)
}

// CancelAll stops every task and closes the set; later registrations fail.
func (s *Set) CancelAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	for name := range s.entries {
		s.stopLocked(name)
	}
}

// Len reports the number of registered tasks.
func (s *Set) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

func (s *Set) stopLocked(name string) bool {
	e, ok := s.entries[name]
	if !ok {
		return false
	}
	delete(s.entries, name)
	e.stop()
	return true
}

// claim removes the entry if it still belongs to this generation. One-shot
// timers call it before running so a replaced or cancelled task never fires.
func (s *Set) claim(name string, gen uint64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[name]
	if !ok || e.gen != gen || s.closed {
		return false
	}
	delete(s.entries, name)
	return true
}

// alive reports whether a repeating task still owns its name.
func (s *Set) alive(name string, gen uint64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[name]
	return ok && e.gen == gen && !s.closed
}
