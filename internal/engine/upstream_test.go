package engine

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/avolpe/preceptor/internal/evaluation"
	"github.com/avolpe/preceptor/internal/judge"
	"github.com/avolpe/preceptor/internal/observability"
	"github.com/avolpe/preceptor/internal/protocol"
	"github.com/avolpe/preceptor/internal/session"
	"github.com/avolpe/preceptor/internal/turn"
)

type fakeUpstream struct {
	messages chan []byte
	sent     chan any
}

func newFakeUpstream() *fakeUpstream {
	return &fakeUpstream{
		messages: make(chan []byte, 16),
		sent:     make(chan any, 16),
	}
}

func (f *fakeUpstream) Messages() <-chan []byte { return f.messages }

func (f *fakeUpstream) Send(_ context.Context, v any) error {
	f.sent <- v
	return nil
}

func newUpstreamEngine(t *testing.T) (*Engine, *session.Registry) {
	t.Helper()
	registry := session.NewRegistry(time.Minute, 2, func(sessionID string) session.Runtime {
		ledger := turn.NewLedger(sessionID, turn.Config{}, turn.Hooks{})
		scheduler := evaluation.NewScheduler(sessionID, evaluation.Config{
			MinUserExchanges:  100,
			MinTutorExchanges: 100,
		}, ledger, judge.NewMockJudge())
		return session.Runtime{Ledger: ledger, Scheduler: scheduler}
	})
	return New(registry, nil, observability.NewLatencyWindow(32), Config{}), registry
}

func runUpstream(t *testing.T, eng *Engine, up *fakeUpstream) chan error {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- eng.RunUpstream(ctx, up) }()
	t.Cleanup(func() {
		cancel()
		select {
		case <-done:
		case <-time.After(time.Second):
			t.Errorf("RunUpstream did not stop")
		}
	})
	return done
}

func (f *fakeUpstream) push(t *testing.T, v any) {
	t.Helper()
	raw, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	f.messages <- raw
}

func (f *fakeUpstream) nextSent(t *testing.T) any {
	t.Helper()
	select {
	case v := <-f.sent:
		return v
	case <-time.After(time.Second):
		t.Fatalf("nothing sent back over the link")
		return nil
	}
}

func TestUpstreamLinkDrivesSessionPipeline(t *testing.T) {
	eng, registry := newUpstreamEngine(t)
	sess := registry.Create("learner-1", "card-1")
	up := newFakeUpstream()
	runUpstream(t, eng, up)

	up.push(t, userEntry(sess.ID, "card-1", "", "the water cycle starts with evaporation"))

	started, ok := up.nextSent(t).(protocol.TurnStarted)
	if !ok {
		t.Fatalf("expected TurnStarted over the link")
	}
	if started.SessionID != sess.ID || started.CardID != "card-1" {
		t.Fatalf("unexpected TurnStarted: %+v", started)
	}

	rt, err := registry.Runtime(sess.ID)
	if err != nil {
		t.Fatalf("Runtime() error = %v", err)
	}
	user, _, ok := rt.Ledger.Transcripts(started.TurnID)
	if !ok || user != "the water cycle starts with evaporation" {
		t.Fatalf("transcript = %q, ok = %v", user, ok)
	}
}

func TestUpstreamRoutesSessionsIndependently(t *testing.T) {
	eng, registry := newUpstreamEngine(t)
	a := registry.Create("learner-1", "card-1")
	b := registry.Create("learner-2", "card-2")
	up := newFakeUpstream()
	runUpstream(t, eng, up)

	up.push(t, userEntry(a.ID, "card-1", "", "first session speaks"))
	first := up.nextSent(t).(protocol.TurnStarted)
	up.push(t, userEntry(b.ID, "card-2", "", "second session speaks"))
	second := up.nextSent(t).(protocol.TurnStarted)

	if first.SessionID != a.ID || second.SessionID != b.ID {
		t.Fatalf("events routed to the wrong sessions: %+v, %+v", first, second)
	}

	rtA, _ := registry.Runtime(a.ID)
	rtB, _ := registry.Runtime(b.ID)
	if _, ok := rtA.Ledger.Current(); !ok {
		t.Fatalf("no turn on first session")
	}
	if _, ok := rtB.Ledger.Current(); !ok {
		t.Fatalf("no turn on second session")
	}
}

func TestUpstreamIgnoresUnknownSession(t *testing.T) {
	eng, registry := newUpstreamEngine(t)
	sess := registry.Create("learner-1", "card-1")
	up := newFakeUpstream()
	runUpstream(t, eng, up)

	up.push(t, userEntry("no-such-session", "card-1", "", "ghost payload"))

	// The loop must stay alive and keep serving known sessions.
	up.push(t, userEntry(sess.ID, "card-1", "", "real payload"))
	started, ok := up.nextSent(t).(protocol.TurnStarted)
	if !ok || started.SessionID != sess.ID {
		t.Fatalf("known session not served after unknown payload: %+v", started)
	}
}

func TestUpstreamStopsWhenLinkCloses(t *testing.T) {
	eng, _ := newUpstreamEngine(t)
	up := newFakeUpstream()
	done := runUpstream(t, eng, up)

	close(up.messages)
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("RunUpstream() error = %v, want nil", err)
		}
		done <- nil
	case <-time.After(time.Second):
		t.Fatalf("RunUpstream did not return after link closed")
	}
}
