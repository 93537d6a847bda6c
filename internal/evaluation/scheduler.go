package evaluation

import (
	"context"
	"log/slog"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/avolpe/preceptor/internal/judge"
	"github.com/avolpe/preceptor/internal/protocol"
	"github.com/avolpe/preceptor/internal/reliability"
)

// Config tunes when a judgement call is worth making.
type Config struct {
	Debounce          time.Duration
	MinUserExchanges  int
	MinTutorExchanges int
	MinReplyWords     int
	StruggleThreshold int
	ExchangeCeiling   int
	Breaker           reliability.BreakerConfig
	Retry             reliability.RetryConfig
}

func (c Config) withDefaults() Config {
	if c.Debounce <= 0 {
		c.Debounce = 8 * time.Second
	}
	if c.MinUserExchanges <= 0 {
		c.MinUserExchanges = 2
	}
	if c.MinTutorExchanges <= 0 {
		c.MinTutorExchanges = 2
	}
	if c.MinReplyWords <= 0 {
		c.MinReplyWords = 8
	}
	if c.StruggleThreshold <= 0 {
		c.StruggleThreshold = 3
	}
	if c.ExchangeCeiling <= 0 {
		c.ExchangeCeiling = 12
	}
	return c
}

// Entry is one finalized, role-tagged transcript entry.
type Entry struct {
	TurnID string
	CardID string
	Role   protocol.Role
	Text   string
}

// Ledger is the slice of the turn ledger the scheduler needs.
type Ledger interface {
	StartEvaluation(turnID string) bool
	SetEvaluation(turnID string, result judge.Result) bool
	Transcripts(turnID string) (user, tutor string, ok bool)
}

// Hesitation cues that mark a struggling learner. Very short replies count
// as struggle signals too.
var struggleRe = regexp.MustCompile(`(?i)\b(um+|uh+|hmm+|i don'?t know|i'?m not sure|no idea|confused|what|huh)\b`)

// Scheduler decides when to invoke the external judgement call for one
// session. A trigger requires, all at once: no evaluation in flight
// (single-flight), the debounce window elapsed, minimum exchanges from both
// parties, and a heuristic worth-judging condition.
type Scheduler struct {
	mu  sync.Mutex
	cfg Config

	sessionID string
	ledger    Ledger
	judge     judge.Judge
	breaker   *reliability.Breaker[judge.Result]

	inFlight       bool
	evalCount      int
	lastEvalAt     time.Time
	userExchanges  int
	tutorExchanges int
	struggles      int

	nowFunc   func() time.Time
	onReady   func(turnID string, res judge.Result)
	onLatency func(d time.Duration)
}

func NewScheduler(sessionID string, cfg Config, ledger Ledger, j judge.Judge) *Scheduler {
	cfg = cfg.withDefaults()
	return &Scheduler{
		cfg:       cfg,
		sessionID: sessionID,
		ledger:    ledger,
		judge:     j,
		breaker:   reliability.NewBreaker[judge.Result](cfg.Breaker),
		nowFunc:   time.Now,
	}
}

// SetNowFunc overrides the clock source. Test hook.
func (s *Scheduler) SetNowFunc(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nowFunc = now
}

// OnReady registers the callback for results accepted by the ledger.
func (s *Scheduler) OnReady(fn func(turnID string, res judge.Result)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onReady = fn
}

// OnLatency registers an observer for judgement round-trip latency.
func (s *Scheduler) OnLatency(fn func(d time.Duration)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onLatency = fn
}

// Offer ingests a finalized transcript entry and reports whether it
// triggered a judgement call. The call itself runs on its own goroutine,
// outside the turn's mutation path.
func (s *Scheduler) Offer(ctx context.Context, e Entry) bool {
	text := strings.TrimSpace(e.Text)
	if text == "" {
		return false
	}

	s.mu.Lock()
	switch e.Role {
	case protocol.RoleUser:
		s.userExchanges++
		if s.isStruggleReply(text) {
			s.struggles++
		}
	case protocol.RoleTutor:
		s.tutorExchanges++
		s.mu.Unlock()
		return false
	default:
		s.mu.Unlock()
		return false
	}

	if !s.shouldTriggerLocked(text, false) {
		s.mu.Unlock()
		return false
	}
	s.claimLocked()
	s.mu.Unlock()

	go s.run(ctx, e.TurnID, s.buildRequest(e, false))
	return true
}

// ForceEvaluation bypasses the debounce timer and the worth-judging
// heuristic, never the single-flight guard or the minimum exchange counts.
func (s *Scheduler) ForceEvaluation(ctx context.Context, e Entry) bool {
	s.mu.Lock()
	if !s.shouldTriggerLocked(strings.TrimSpace(e.Text), true) {
		s.mu.Unlock()
		return false
	}
	s.claimLocked()
	s.mu.Unlock()

	go s.run(ctx, e.TurnID, s.buildRequest(e, true))
	return true
}

func (s *Scheduler) isStruggleReply(text string) bool {
	return len(strings.Fields(text)) <= 3 || struggleRe.MatchString(text)
}

func (s *Scheduler) shouldTriggerLocked(lastReply string, forced bool) bool {
	if s.inFlight {
		return false
	}
	if s.userExchanges < s.cfg.MinUserExchanges || s.tutorExchanges < s.cfg.MinTutorExchanges {
		return false
	}
	if forced {
		return true
	}
	if !s.lastEvalAt.IsZero() && s.nowFunc().Sub(s.lastEvalAt) < s.cfg.Debounce {
		return false
	}
	substantive := len(strings.Fields(lastReply)) >= s.cfg.MinReplyWords
	struggling := s.struggles >= s.cfg.StruggleThreshold
	ceiling := s.userExchanges+s.tutorExchanges >= s.cfg.ExchangeCeiling
	return substantive || struggling || ceiling
}

func (s *Scheduler) claimLocked() {
	s.inFlight = true
	s.lastEvalAt = s.nowFunc()
	s.struggles = 0
}

func (s *Scheduler) buildRequest(e Entry, forced bool) judge.Request {
	s.mu.Lock()
	defer s.mu.Unlock()
	return judge.Request{
		SessionID:     s.sessionID,
		TurnID:        e.TurnID,
		CardID:        e.CardID,
		ExchangeCount: s.userExchanges,
		Forced:        forced,
	}
}

func (s *Scheduler) run(ctx context.Context, turnID string, req judge.Request) {
	// Clearing the in-flight flag is unconditional: a panicking or failed
	// call must not wedge the session permanently.
	defer func() {
		s.mu.Lock()
		s.inFlight = false
		s.mu.Unlock()
	}()

	if !s.ledger.StartEvaluation(turnID) {
		slog.Debug("evaluation skipped, turn no longer current",
			"session_id", s.sessionID,
			"turn_id", turnID)
		return
	}
	if user, tutor, ok := s.ledger.Transcripts(turnID); ok {
		req.UserTranscript = user
		req.TutorTranscript = tutor
	}

	start := time.Now()
	res := s.breaker.Execute(ctx, func(ctx context.Context) (judge.Result, error) {
		return reliability.Retry(ctx, s.cfg.Retry, func(ctx context.Context) (judge.Result, error) {
			return s.judge.Judge(ctx, req)
		})
	}, judge.Fallback())

	if ctx.Err() != nil {
		// Cancelled calls apply no result, not even the fallback. The
		// ledger's evaluation timeout reverts the turn.
		return
	}

	s.mu.Lock()
	s.evalCount++
	onReady := s.onReady
	onLatency := s.onLatency
	s.mu.Unlock()

	if onLatency != nil {
		onLatency(time.Since(start))
	}
	if s.ledger.SetEvaluation(turnID, res) && onReady != nil {
		onReady(turnID, res)
	}
}

// EvaluationCount reports completed judgement calls for this session.
func (s *Scheduler) EvaluationCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.evalCount
}

// InFlight reports whether a judgement call is currently running.
func (s *Scheduler) InFlight() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.inFlight
}

// BreakerState exposes the circuit position for stats reporting.
func (s *Scheduler) BreakerState() reliability.BreakerState {
	return s.breaker.State()
}

// Close releases the scheduler's reliability timers.
func (s *Scheduler) Close() {
	s.breaker.Close()
}
