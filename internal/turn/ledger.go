package turn

import (
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/avolpe/preceptor/internal/judge"
	"github.com/avolpe/preceptor/internal/timers"
)

// Config bounds the ledger's memory and the evaluation watchdog.
type Config struct {
	HistoryLimit      int
	PendingLimit      int
	PendingExpiry     time.Duration
	EvaluationTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.HistoryLimit <= 0 {
		c.HistoryLimit = 10
	}
	if c.PendingLimit <= 0 {
		c.PendingLimit = 4
	}
	if c.PendingExpiry <= 0 {
		c.PendingExpiry = 30 * time.Second
	}
	if c.EvaluationTimeout <= 0 {
		c.EvaluationTimeout = 15 * time.Second
	}
	return c
}

// Hooks are invoked outside the ledger lock when turn lifecycle events occur.
type Hooks struct {
	TurnStarted       func(Turn)
	TurnInterrupted   func(Turn)
	TurnArchived      func(Turn)
	EvaluationTimeout func(turnID string)
}

// Ledger owns the notion of "whose turn is active" for one session. Every
// mutation is gated on IsCurrentTurn, which protects against out-of-order
// asynchronous callbacks referencing a superseded turn.
type Ledger struct {
	mu        sync.Mutex
	cfg       Config
	sessionID string
	current   *Turn
	history   []*Turn
	pending   map[string]*Turn
	tasks     *timers.Set
	hooks     Hooks
	nowFunc   func() time.Time
}

func NewLedger(sessionID string, cfg Config, hooks Hooks) *Ledger {
	return &Ledger{
		cfg:       cfg.withDefaults(),
		sessionID: sessionID,
		pending:   make(map[string]*Turn),
		tasks:     timers.NewSet(),
		hooks:     hooks,
		nowFunc:   time.Now,
	}
}

// SetNowFunc overrides the clock source. Test hook.
func (l *Ledger) SetNowFunc(now func() time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.nowFunc = now
}

// StartTurn archives the previous current turn as complete, prunes history
// and expired pending turns, and opens a new active turn for the card.
// Turn ids come from uuid.NewString (crypto/rand backed), so concurrent
// creation cannot collide.
func (l *Ledger) StartTurn(cardID string) string {
	l.mu.Lock()
	now := l.nowFunc()

	var archived *Turn
	if l.current != nil {
		// An invalidated turn keeps its stale status through archival.
		if l.current.Status.live() {
			l.current.Status = StatusComplete
		}
		l.tasks.Cancel(evalTimerName(l.current.ID))
		archived = l.current
		l.history = append(l.history, l.current)
	}
	if over := len(l.history) - l.cfg.HistoryLimit; over > 0 {
		l.history = append(l.history[:0:0], l.history[over:]...)
	}
	for id, p := range l.pending {
		if now.Sub(p.InterruptedAt) > l.cfg.PendingExpiry {
			delete(l.pending, id)
		}
	}

	t := &Turn{
		ID:        uuid.NewString(),
		CardID:    cardID,
		Status:    StatusActive,
		StartedAt: now,
	}
	l.current = t
	started := clone(t)
	hooks := l.hooks
	l.mu.Unlock()

	if archived != nil && hooks.TurnArchived != nil {
		hooks.TurnArchived(clone(archived))
	}
	if hooks.TurnStarted != nil {
		hooks.TurnStarted(started)
	}
	return started.ID
}

// IsCurrentTurn reports whether the id names the current turn, or a pending
// interrupted turn, with a live status. This is the single ownership gate
// used by every mutating call.
func (l *Ledger) IsCurrentTurn(turnID string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.lookupLive(turnID) != nil
}

func (l *Ledger) lookupLive(turnID string) *Turn {
	if turnID == "" {
		return nil
	}
	if l.current != nil && l.current.ID == turnID && l.current.Status.live() {
		return l.current
	}
	if p, ok := l.pending[turnID]; ok && p.Status == StatusInterrupted {
		return p
	}
	return nil
}

// InterruptTurn moves the current turn to the pending set so late-arriving
// data can still be recorded without corrupting the next current turn.
func (l *Ledger) InterruptTurn(turnID string) bool {
	l.mu.Lock()
	if l.current == nil || l.current.ID != turnID || !l.current.Status.live() {
		l.mu.Unlock()
		l.rejectTransition("interrupt", turnID)
		return false
	}

	t := l.current
	l.tasks.Cancel(evalTimerName(t.ID))
	t.Status = StatusInterrupted
	t.InterruptedAt = l.nowFunc()
	l.current = nil

	if len(l.pending) >= l.cfg.PendingLimit {
		l.dropOldestPendingLocked()
	}
	l.pending[t.ID] = t
	interrupted := clone(t)
	hooks := l.hooks
	l.mu.Unlock()

	if hooks.TurnInterrupted != nil {
		hooks.TurnInterrupted(interrupted)
	}
	return true
}

func (l *Ledger) dropOldestPendingLocked() {
	var oldestID string
	var oldestAt time.Time
	for id, p := range l.pending {
		if oldestID == "" || p.InterruptedAt.Before(oldestAt) {
			oldestID = id
			oldestAt = p.InterruptedAt
		}
	}
	if oldestID != "" {
		delete(l.pending, oldestID)
	}
}

// InvalidateTurn marks the current turn stale if it matches. Used when the
// turn's context changed out from under an in-flight callback.
func (l *Ledger) InvalidateTurn(turnID string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.current == nil || l.current.ID != turnID || !l.current.Status.live() {
		return false
	}
	l.invalidateCurrentLocked()
	return true
}

// InvalidateCard marks the current turn stale when its owning card changed.
func (l *Ledger) InvalidateCard(cardID string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.current == nil || l.current.CardID != cardID || !l.current.Status.live() {
		return false
	}
	l.invalidateCurrentLocked()
	return true
}

func (l *Ledger) invalidateCurrentLocked() {
	l.tasks.Cancel(evalTimerName(l.current.ID))
	l.current.Status = StatusStale
	slog.Debug("turn invalidated",
		"session_id", l.sessionID,
		"turn_id", l.current.ID,
		"card_id", l.current.CardID)
}

// SetUserTranscript appends learner speech to the identified turn. Reports
// false, without mutating anything, when the turn is no longer current.
func (l *Ledger) SetUserTranscript(turnID, text string) bool {
	return l.appendTranscript(turnID, text, true)
}

// SetTutorTranscript appends tutor speech to the identified turn.
func (l *Ledger) SetTutorTranscript(turnID, text string) bool {
	return l.appendTranscript(turnID, text, false)
}

func (l *Ledger) appendTranscript(turnID, text string, user bool) bool {
	text = strings.TrimSpace(text)
	if text == "" {
		return false
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	t := l.lookupLive(turnID)
	if t == nil {
		slog.Debug("transcript for superseded turn dropped",
			"session_id", l.sessionID,
			"turn_id", turnID)
		return false
	}
	if user {
		t.UserTranscript = joinTranscript(t.UserTranscript, text)
	} else {
		t.TutorTranscript = joinTranscript(t.TutorTranscript, text)
	}
	return true
}

func joinTranscript(existing, addition string) string {
	if existing == "" {
		return addition
	}
	return existing + " " + addition
}

// StartEvaluation transitions the current turn active -> evaluating and arms
// a watchdog that force-reverts it to active if no result arrives, so a
// stuck judgement call cannot wedge the turn indefinitely.
func (l *Ledger) StartEvaluation(turnID string) bool {
	l.mu.Lock()
	if l.current == nil || l.current.ID != turnID || l.current.Status != StatusActive {
		l.mu.Unlock()
		l.rejectTransition("start_evaluation", turnID)
		return false
	}
	l.current.Status = StatusEvaluating
	l.tasks.After(evalTimerName(turnID), l.cfg.EvaluationTimeout, func() {
		l.revertEvaluation(turnID)
	})
	l.mu.Unlock()
	return true
}

func (l *Ledger) revertEvaluation(turnID string) {
	l.mu.Lock()
	reverted := l.current != nil && l.current.ID == turnID && l.current.Status == StatusEvaluating
	if reverted {
		l.current.Status = StatusActive
	}
	hooks := l.hooks
	l.mu.Unlock()

	if !reverted {
		return
	}
	slog.Warn("evaluation timed out, turn reverted to active",
		"session_id", l.sessionID,
		"turn_id", turnID)
	if hooks.EvaluationTimeout != nil {
		hooks.EvaluationTimeout(turnID)
	}
}

// SetEvaluation stores a judgement result on the current turn, reverts it to
// active and cancels the evaluation watchdog. Results referencing a
// superseded or interrupted turn are rejected.
func (l *Ledger) SetEvaluation(turnID string, result judge.Result) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.current == nil || l.current.ID != turnID || !l.current.Status.live() {
		l.rejectTransition("set_evaluation", turnID)
		return false
	}
	res := result
	l.current.Evaluation = &res
	l.current.Status = StatusActive
	l.tasks.Cancel(evalTimerName(turnID))
	return true
}

// Transcripts returns both transcripts of a turn still passing the
// ownership gate.
func (l *Ledger) Transcripts(turnID string) (user, tutor string, ok bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	t := l.lookupLive(turnID)
	if t == nil {
		return "", "", false
	}
	return t.UserTranscript, t.TutorTranscript, true
}

// Current returns a copy of the current turn.
func (l *Ledger) Current() (Turn, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.current == nil {
		return Turn{}, false
	}
	return clone(l.current), true
}

// History returns copies of archived turns, oldest first.
func (l *Ledger) History() []Turn {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]Turn, 0, len(l.history))
	for _, t := range l.history {
		out = append(out, clone(t))
	}
	return out
}

// PendingCount reports how many interrupted turns are still accepting data.
func (l *Ledger) PendingCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.pending)
}

// Close cancels the ledger's timers. Required on session teardown.
func (l *Ledger) Close() {
	l.tasks.CancelAll()
}

func (l *Ledger) rejectTransition(op, turnID string) {
	slog.Debug("illegal turn transition rejected",
		"session_id", l.sessionID,
		"op", op,
		"turn_id", turnID)
}

func evalTimerName(turnID string) string {
	return "eval_timeout:" + turnID
}
