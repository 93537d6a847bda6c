package engine

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/avolpe/preceptor/internal/assessment"
	"github.com/avolpe/preceptor/internal/evaluation"
	"github.com/avolpe/preceptor/internal/judge"
	"github.com/avolpe/preceptor/internal/observability"
	"github.com/avolpe/preceptor/internal/protocol"
	"github.com/avolpe/preceptor/internal/session"
	"github.com/avolpe/preceptor/internal/staleness"
	"github.com/avolpe/preceptor/internal/transport"
)

// Config carries the per-connection policy knobs.
type Config struct {
	Staleness staleness.Config
	Monitor   transport.MonitorConfig
}

// Engine runs the per-connection coordination pipeline: freshness
// filtering, liveness tracking, turn ledger mutation, assessment phase
// advancement, and evaluation scheduling.
type Engine struct {
	registry *session.Registry
	metrics  *observability.Metrics
	window   *observability.LatencyWindow
	cfg      Config
}

func New(registry *session.Registry, metrics *observability.Metrics, window *observability.LatencyWindow, cfg Config) *Engine {
	return &Engine{
		registry: registry,
		metrics:  metrics,
		window:   window,
		cfg:      cfg,
	}
}

// conn is the state of one live host connection.
type conn struct {
	engine    *Engine
	sessionID string
	cardID    string
	rt        session.Runtime
	machine   *assessment.Machine
	filter    *staleness.Filter
	monitor   *transport.Monitor
	outbound  chan<- any
}

// RunConnection consumes raw transport payloads until the inbound channel
// closes, the context is cancelled, or the far side sends connection_close.
// Host-facing events go to outbound; a full outbound channel drops rather
// than stalling the pipeline.
func (e *Engine) RunConnection(ctx context.Context, sessionID string, inbound <-chan []byte, outbound chan<- any) error {
	rt, err := e.registry.Runtime(sessionID)
	if err != nil {
		return err
	}
	if rt.Ledger == nil || rt.Scheduler == nil {
		return errors.New("session runtime unavailable")
	}
	sess, err := e.registry.Get(sessionID)
	if err != nil {
		return err
	}
	machine, err := e.registry.MachineFor(sessionID, sess.CurrentCardID)
	if err != nil {
		return err
	}

	c := &conn{
		engine:    e,
		sessionID: sessionID,
		cardID:    sess.CurrentCardID,
		rt:        rt,
		machine:   machine,
		filter:    staleness.NewFilter(e.cfg.Staleness),
		monitor:   transport.NewMonitor(sessionID, e.cfg.Monitor),
		outbound:  outbound,
	}
	defer c.monitor.Close()

	c.monitor.Start(c.onStale)
	rt.Scheduler.OnReady(c.onEvaluationReady)
	rt.Scheduler.OnLatency(func(d time.Duration) {
		e.observeEvaluationLatency(d)
	})

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case raw, ok := <-inbound:
			if !ok {
				return nil
			}
			if done := c.handle(ctx, raw); done {
				return nil
			}
		}
	}
}

// handle processes one raw payload. Returns true when the connection is
// finished.
func (c *conn) handle(ctx context.Context, raw []byte) bool {
	start := time.Now()
	msg, err := protocol.ParseMessage(raw)
	if err != nil {
		slog.Debug("dropping malformed payload",
			"session_id", c.sessionID,
			"error", err)
		c.emit(protocol.ErrorEvent{
			Type:      protocol.TypeErrorEvent,
			SessionID: c.sessionID,
			Code:      "bad_message",
			Source:    "transport",
			Retryable: false,
			Detail:    err.Error(),
		})
		return false
	}

	// Freshness check before anything mutates. Events without a stamp
	// pass through; a host that sends timestamps gets skew handling.
	if tsMS, ok := protocol.TimestampMSOf(msg); ok && tsMS > 0 {
		if err := c.filter.CheckMS(tsMS); err != nil {
			c.dropStale(msg, err)
			return false
		}
	}

	c.monitor.Ping()
	if err := c.engine.registry.Touch(c.sessionID); err != nil {
		slog.Debug("touch failed", "session_id", c.sessionID, "error", err)
	}

	done := false
	switch m := msg.(type) {
	case protocol.ConnectionOpen:
		c.countSessionEvent("connection_open")
	case protocol.ConnectionClose:
		c.countSessionEvent("connection_close")
		slog.Info("transport closed connection",
			"session_id", c.sessionID,
			"code", m.Code,
			"reason", m.Reason)
		done = true
	case protocol.TranscriptEntry:
		c.handleTranscript(ctx, m)
	case protocol.ToolCall:
		c.handleToolCall(m)
	case protocol.EvaluationResult:
		c.handleUpstreamEvaluation(m)
	}

	c.engine.observeStage("event_apply", time.Since(start))
	return done
}

func (c *conn) handleTranscript(ctx context.Context, m protocol.TranscriptEntry) {
	// Partial hypotheses keep the link alive but never touch the ledger.
	if !m.Final {
		return
	}

	if m.CardID != c.cardID {
		c.changeCard(m.CardID)
	}

	switch m.Role {
	case protocol.RoleUser:
		c.applyUserReply(ctx, m)
	case protocol.RoleTutor:
		c.applyTutorReply(ctx, m)
	}
}

// changeCard invalidates every turn on the old card and swaps in the new
// card's phase machine.
func (c *conn) changeCard(cardID string) {
	if c.rt.Ledger.InvalidateCard(c.cardID) {
		c.countTurnEvent("invalidated")
	}
	if err := c.engine.registry.SetCard(c.sessionID, cardID); err != nil {
		slog.Debug("card change not recorded", "session_id", c.sessionID, "error", err)
	}
	machine, err := c.engine.registry.MachineFor(c.sessionID, cardID)
	if err == nil {
		c.machine = machine
	}
	c.cardID = cardID
	c.countSessionEvent("card_change")
}

func (c *conn) applyUserReply(ctx context.Context, m protocol.TranscriptEntry) {
	cur, hasCur := c.rt.Ledger.Current()
	turnID := ""

	switch {
	case hasCur && m.TurnID == cur.ID:
		// Continuation of the reply already on the current turn. If the
		// turn went stale underneath, fall through to a fresh one.
		if c.rt.Ledger.SetUserTranscript(cur.ID, m.Text) {
			turnID = cur.ID
		} else {
			turnID = c.startTurn()
			c.rt.Ledger.SetUserTranscript(turnID, m.Text)
		}
	case hasCur:
		// The learner spoke again. If the tutor never got a reply in, this
		// is a barge-in: park the old turn as interrupted and time the
		// handoff to the fresh one. Otherwise the exchange is complete and
		// the old turn archives normally.
		if _, tutor, ok := c.rt.Ledger.Transcripts(cur.ID); ok && tutor == "" {
			handoffStart := time.Now()
			c.interruptCurrent(cur.ID)
			turnID = c.startTurn()
			c.rt.Ledger.SetUserTranscript(turnID, m.Text)
			c.engine.observeStage("turn_handoff", time.Since(handoffStart))
		} else {
			turnID = c.startTurn()
			c.rt.Ledger.SetUserTranscript(turnID, m.Text)
		}
	default:
		turnID = c.startTurn()
		c.rt.Ledger.SetUserTranscript(turnID, m.Text)
	}

	c.advanceUserPhase()
	c.rt.Scheduler.Offer(ctx, evaluation.Entry{
		TurnID: turnID,
		CardID: c.cardID,
		Role:   protocol.RoleUser,
		Text:   m.Text,
	})
}

func (c *conn) applyTutorReply(ctx context.Context, m protocol.TranscriptEntry) {
	cur, hasCur := c.rt.Ledger.Current()
	if !hasCur {
		// Tutor opened the card before any learner speech.
		id := c.startTurn()
		cur, hasCur = c.rt.Ledger.Current()
		if !hasCur {
			slog.Debug("tutor reply with no startable turn", "session_id", c.sessionID, "turn_id", id)
			return
		}
	}
	c.rt.Ledger.SetTutorTranscript(cur.ID, m.Text)

	if c.machine.Phase() == assessment.PhaseStart {
		c.machine.Ask()
	}
	c.rt.Scheduler.Offer(ctx, evaluation.Entry{
		TurnID: cur.ID,
		CardID: c.cardID,
		Role:   protocol.RoleTutor,
		Text:   m.Text,
	})
}

func (c *conn) handleToolCall(m protocol.ToolCall) {
	switch m.Name {
	case "barge_in", "interrupt":
		if cur, ok := c.rt.Ledger.Current(); ok {
			c.interruptCurrent(cur.ID)
		}
	default:
		slog.Debug("tool call ignored",
			"session_id", c.sessionID,
			"name", m.Name)
	}
}

// handleUpstreamEvaluation applies a judgement produced upstream of this
// service. It goes through the same ledger gate as local evaluations, so a
// verdict for a superseded turn is discarded.
func (c *conn) handleUpstreamEvaluation(m protocol.EvaluationResult) {
	res := judge.Result{
		Ready:           m.Ready,
		Mastery:         judge.Level(m.MasteryLevel),
		Confidence:      m.Confidence,
		SuggestedAction: judge.Action(m.SuggestedAction),
		PointsAwarded:   m.PointsAwarded,
	}
	if !c.rt.Ledger.StartEvaluation(m.TurnID) {
		c.countTurnEvent("evaluation_discarded")
		return
	}
	if c.rt.Ledger.SetEvaluation(m.TurnID, res) {
		c.onEvaluationReady(m.TurnID, res)
	}
}

func (c *conn) startTurn() string {
	id := c.rt.Ledger.StartTurn(c.cardID)
	c.countTurnEvent("started")
	c.emit(protocol.TurnStarted{
		Type:      protocol.TypeTurnStarted,
		SessionID: c.sessionID,
		TurnID:    id,
		CardID:    c.cardID,
	})
	return id
}

func (c *conn) interruptCurrent(turnID string) {
	if !c.rt.Ledger.InterruptTurn(turnID) {
		return
	}
	if err := c.engine.registry.RecordInterruption(c.sessionID); err != nil {
		slog.Debug("interruption not recorded", "session_id", c.sessionID, "error", err)
	}
	c.countTurnEvent("interrupted")
	c.observeIndicator("turn_interrupted")
	c.emit(protocol.TurnInterrupted{
		Type:      protocol.TypeTurnInterrupted,
		SessionID: c.sessionID,
		TurnID:    turnID,
	})
}

// advanceUserPhase maps a finalized learner reply onto the card's phase
// machine. A reply before the tutor formally opened the card counts as
// opening it.
func (c *conn) advanceUserPhase() {
	switch c.machine.Phase() {
	case assessment.PhaseStart:
		c.machine.Ask()
		c.machine.FirstReply()
	case assessment.PhaseObserving:
		c.machine.FirstReply()
	case assessment.PhaseProbing:
		c.machine.ProbeReply()
	case assessment.PhaseFinalCheck:
		c.machine.FinalReply()
	}
}

// onEvaluationReady relays an accepted verdict to the host and lets it
// drive the phase machine: a confident ready verdict unlocks scoring, a
// low-confidence one demands a final check.
func (c *conn) onEvaluationReady(turnID string, res judge.Result) {
	if res.Ready {
		if c.machine.MasteryAchieved() {
			c.countTurnEvent("mastery")
		}
	} else if res.Confidence > 0 && res.Confidence < 50 {
		if c.machine.NeedsFinalCheck() {
			c.countTurnEvent("final_check")
		}
	}
	c.countTurnEvent("evaluated")
	c.emit(protocol.EvaluationReady{
		Type:            protocol.TypeEvaluationReady,
		SessionID:       c.sessionID,
		TurnID:          turnID,
		Ready:           res.Ready,
		MasteryLevel:    string(res.Mastery),
		Confidence:      res.Confidence,
		SuggestedAction: string(res.SuggestedAction),
		PointsAwarded:   res.PointsAwarded,
	})
}

func (c *conn) onStale(idleFor time.Duration) {
	c.observeIndicator("connection_stale")
	c.countSessionEvent("connection_stale")
	c.emit(protocol.ConnectionStale{
		Type:      protocol.TypeConnectionStale,
		SessionID: c.sessionID,
		IdleForMS: idleFor.Milliseconds(),
	})
}

func (c *conn) dropStale(msg any, err error) {
	reason := "too_old"
	if errors.Is(err, staleness.ErrFromFuture) {
		reason = "from_future"
	}
	msgType, _ := protocol.TypeOf(msg)
	slog.Debug("dropping stale event",
		"session_id", c.sessionID,
		"type", msgType,
		"reason", reason)
	if c.engine.metrics != nil {
		c.engine.metrics.StaleEvents.WithLabelValues(reason).Inc()
	}
	c.observeIndicator("stale_dropped")
}

func (c *conn) emit(v any) {
	select {
	case c.outbound <- v:
		if c.engine.metrics != nil {
			msgType, _ := protocol.TypeOf(v)
			c.engine.metrics.WSMessages.WithLabelValues("outbound", string(msgType)).Inc()
		}
	default:
		msgType, _ := protocol.TypeOf(v)
		slog.Warn("outbound channel full, dropping event",
			"session_id", c.sessionID,
			"type", msgType)
	}
}

func (c *conn) countSessionEvent(event string) {
	if c.engine.metrics != nil {
		c.engine.metrics.SessionEvents.WithLabelValues(event).Inc()
	}
}

func (c *conn) countTurnEvent(event string) {
	if c.engine.metrics != nil {
		c.engine.metrics.TurnEvents.WithLabelValues(event).Inc()
	}
}

func (c *conn) observeIndicator(name string) {
	if c.engine.window != nil {
		c.engine.window.ObserveIndicator(name)
	}
}

func (e *Engine) observeStage(stage string, d time.Duration) {
	if e.window != nil {
		e.window.Observe(stage, float64(d.Microseconds())/1000)
	}
}

func (e *Engine) observeEvaluationLatency(d time.Duration) {
	if e.metrics != nil {
		e.metrics.ObserveEvaluationLatency(d)
	}
	e.observeStage("evaluation_total", d)
}
