package session

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/avolpe/preceptor/internal/assessment"
	"github.com/avolpe/preceptor/internal/evaluation"
	"github.com/avolpe/preceptor/internal/turn"
)

var ErrNotFound = errors.New("session not found")

// Runtime bundles the per-session coordination machinery. The registry
// owns its lifecycle: built on Create, torn down on End or expiry.
type Runtime struct {
	Ledger    *turn.Ledger
	Scheduler *evaluation.Scheduler
}

func (rt Runtime) teardown() {
	if rt.Scheduler != nil {
		rt.Scheduler.Close()
	}
	if rt.Ledger != nil {
		rt.Ledger.Close()
	}
}

type entry struct {
	session  *Session
	rt       Runtime
	machines map[string]*assessment.Machine
}

// Registry tracks live sessions and their runtimes, keyed by session ID.
type Registry struct {
	mu                sync.RWMutex
	entries           map[string]*entry
	inactivityTimeout time.Duration
	minExchanges      int
	newRuntime        func(sessionID string) Runtime
	onExpire          func(*Session)
}

func NewRegistry(inactivityTimeout time.Duration, minExchanges int, newRuntime func(sessionID string) Runtime) *Registry {
	if inactivityTimeout <= 0 {
		inactivityTimeout = 2 * time.Minute
	}
	return &Registry{
		entries:           make(map[string]*entry),
		inactivityTimeout: inactivityTimeout,
		minExchanges:      minExchanges,
		newRuntime:        newRuntime,
	}
}

func (r *Registry) SetExpireHook(hook func(*Session)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onExpire = hook
}

func (r *Registry) InactivityTimeout() time.Duration {
	return r.inactivityTimeout
}

func (r *Registry) Create(learnerID, cardID string) *Session {
	now := time.Now().UTC()
	s := &Session{
		ID:             uuid.NewString(),
		LearnerID:      learnerID,
		Status:         StatusActive,
		CurrentCardID:  cardID,
		StartedAt:      now,
		LastActivityAt: now,
	}
	e := &entry{
		session:  s,
		machines: make(map[string]*assessment.Machine),
	}
	if r.newRuntime != nil {
		e.rt = r.newRuntime(s.ID)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries[s.ID] = e
	return clone(s)
}

func (r *Registry) Get(sessionID string) (*Session, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[sessionID]
	if !ok {
		return nil, ErrNotFound
	}
	return clone(e.session), nil
}

// Runtime returns the coordination machinery for a live session.
func (r *Registry) Runtime(sessionID string) (Runtime, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[sessionID]
	if !ok || e.session.Status != StatusActive {
		return Runtime{}, ErrNotFound
	}
	return e.rt, nil
}

// MachineFor returns the assessment phase machine for a card, creating
// it on first use. One machine per (session, card) pair.
func (r *Registry) MachineFor(sessionID, cardID string) (*assessment.Machine, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[sessionID]
	if !ok || e.session.Status != StatusActive {
		return nil, ErrNotFound
	}
	m, ok := e.machines[cardID]
	if !ok {
		m = assessment.NewMachine(cardID, r.minExchanges)
		e.machines[cardID] = m
	}
	return m, nil
}

func (r *Registry) Touch(sessionID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[sessionID]
	if !ok {
		return ErrNotFound
	}
	e.session.LastActivityAt = time.Now().UTC()
	return nil
}

// SetCard records a card change. The caller invalidates the old card's
// turns through the ledger.
func (r *Registry) SetCard(sessionID, cardID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[sessionID]
	if !ok {
		return ErrNotFound
	}
	e.session.CurrentCardID = cardID
	e.session.LastActivityAt = time.Now().UTC()
	return nil
}

func (r *Registry) RecordInterruption(sessionID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[sessionID]
	if !ok {
		return ErrNotFound
	}
	e.session.InterruptionCount++
	e.session.LastActivityAt = time.Now().UTC()
	return nil
}

func (r *Registry) End(sessionID string) (*Session, error) {
	r.mu.Lock()
	e, ok := r.entries[sessionID]
	if !ok {
		r.mu.Unlock()
		return nil, ErrNotFound
	}
	e.session.Status = StatusEnded
	e.session.LastActivityAt = time.Now().UTC()
	rt := e.rt
	e.rt = Runtime{}
	snapshot := clone(e.session)
	r.mu.Unlock()

	rt.teardown()
	return snapshot, nil
}

// Stats assembles a host-facing snapshot from the session metadata, its
// ledger, its scheduler, and the current card's phase machine.
func (r *Registry) Stats(sessionID string) (Stats, error) {
	r.mu.RLock()
	e, ok := r.entries[sessionID]
	if !ok {
		r.mu.RUnlock()
		return Stats{}, ErrNotFound
	}
	s := clone(e.session)
	rt := e.rt
	machine := e.machines[s.CurrentCardID]
	r.mu.RUnlock()

	st := Stats{
		SessionID:         s.ID,
		Status:            s.Status,
		CurrentCardID:     s.CurrentCardID,
		InterruptionCount: s.InterruptionCount,
		StartedAt:         s.StartedAt,
		LastActivityAt:    s.LastActivityAt,
	}
	if rt.Ledger != nil {
		st.TurnsCompleted = len(rt.Ledger.History())
		st.PendingTurns = rt.Ledger.PendingCount()
	}
	if rt.Scheduler != nil {
		st.Evaluations = rt.Scheduler.EvaluationCount()
		st.BreakerState = string(rt.Scheduler.BreakerState())
	}
	if machine != nil {
		st.Phase = string(machine.Phase())
		st.Exchanges = machine.Exchanges()
	}
	return st, nil
}

func (r *Registry) StartJanitor(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				r.expireInactive()
			}
		}
	}()
}

func (r *Registry) ActiveCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	count := 0
	for _, e := range r.entries {
		if e.session.Status == StatusActive {
			count++
		}
	}
	return count
}

func (r *Registry) expireInactive() {
	now := time.Now().UTC()
	var expired []*Session
	var runtimes []Runtime

	r.mu.Lock()
	for _, e := range r.entries {
		if e.session.Status != StatusActive {
			continue
		}
		if now.Sub(e.session.LastActivityAt) < r.inactivityTimeout {
			continue
		}
		e.session.Status = StatusEnded
		e.session.LastActivityAt = now
		expired = append(expired, clone(e.session))
		runtimes = append(runtimes, e.rt)
		e.rt = Runtime{}
	}
	hook := r.onExpire
	r.mu.Unlock()

	for _, rt := range runtimes {
		rt.teardown()
	}
	if hook != nil {
		for _, s := range expired {
			hook(s)
		}
	}
}

func clone(s *Session) *Session {
	c := *s
	return &c
}
