package transport

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

type fakeTransport struct {
	mu         sync.Mutex
	messages   chan []byte
	notes      chan Notification
	sent       []any
	keepalives int
	closed     bool
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{
		messages: make(chan []byte, 16),
		notes:    make(chan Notification, 16),
	}
}

func (f *fakeTransport) Send(_ context.Context, v any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, v)
	return nil
}

func (f *fakeTransport) SendKeepalive(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.keepalives++
	return nil
}

func (f *fakeTransport) SetPongHandler(func()) {}

func (f *fakeTransport) Messages() <-chan []byte { return f.messages }

func (f *fakeTransport) Notifications() <-chan Notification { return f.notes }

func (f *fakeTransport) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.closed {
		f.closed = true
		close(f.messages)
	}
	return nil
}

func (f *fakeTransport) keepaliveCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.keepalives
}

func startLink(t *testing.T, l *Link) (context.CancelFunc, chan error) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- l.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		select {
		case <-done:
		case <-time.After(time.Second):
			t.Errorf("link Run did not stop")
		}
	})
	return cancel, done
}

func TestLinkDeliversMessages(t *testing.T) {
	ft := newFakeTransport()
	l := NewLink("c1", LinkConfig{})
	l.SetDialFunc(func(context.Context) (Transport, error) { return ft, nil })
	startLink(t, l)

	ft.messages <- []byte(`{"type":"transcript_entry"}`)
	select {
	case got := <-l.Messages():
		if string(got) != `{"type":"transcript_entry"}` {
			t.Fatalf("delivered payload = %q", got)
		}
	case <-time.After(time.Second):
		t.Fatalf("payload never delivered")
	}
}

func TestLinkSendBeforeConnectFails(t *testing.T) {
	l := NewLink("c1", LinkConfig{})
	if err := l.Send(context.Background(), "x"); !errors.Is(err, ErrLinkNotConnected) {
		t.Fatalf("Send() error = %v, want ErrLinkNotConnected", err)
	}
}

func TestLinkRedialsOnRetryableClose(t *testing.T) {
	first := newFakeTransport()
	second := newFakeTransport()
	dialed := make(chan *fakeTransport, 2)

	l := NewLink("c1", LinkConfig{
		Reconnect: ReconnectConfig{MaxAttempts: 3, BaseDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond},
	})
	transports := []*fakeTransport{first, second}
	l.SetDialFunc(func(context.Context) (Transport, error) {
		ft := transports[0]
		transports = transports[1:]
		dialed <- ft
		return ft, nil
	})
	startLink(t, l)

	<-dialed
	first.notes <- Notification{Kind: NotifyClose, Code: 1006}

	select {
	case got := <-dialed:
		if got != second {
			t.Fatalf("redial returned the wrong transport")
		}
	case <-time.After(time.Second):
		t.Fatalf("link never redialed after retryable close")
	}

	second.messages <- []byte(`{"type":"tool_call"}`)
	select {
	case got := <-l.Messages():
		if string(got) != `{"type":"tool_call"}` {
			t.Fatalf("payload after redial = %q", got)
		}
	case <-time.After(time.Second):
		t.Fatalf("payload after redial never delivered")
	}
}

func TestLinkStopsOnNormalClose(t *testing.T) {
	ft := newFakeTransport()
	l := NewLink("c1", LinkConfig{})
	l.SetDialFunc(func(context.Context) (Transport, error) { return ft, nil })
	_, done := startLink(t, l)

	ft.notes <- Notification{Kind: NotifyClose, Code: 1000}
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run() error = %v, want nil on normal close", err)
		}
		done <- nil
	case <-time.After(time.Second):
		t.Fatalf("link kept running after normal close")
	}
	if _, ok := <-l.Messages(); ok {
		t.Fatalf("Messages() still open after Run returned")
	}
}

func TestLinkHeartbeatMissForcesRedial(t *testing.T) {
	dials := make(chan *fakeTransport, 4)
	l := NewLink("c1", LinkConfig{
		Heartbeat: HeartbeatConfig{Period: 20 * time.Millisecond, Grace: 5 * time.Millisecond},
		Reconnect: ReconnectConfig{MaxAttempts: 3, BaseDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond},
	})
	l.SetDialFunc(func(context.Context) (Transport, error) {
		ft := newFakeTransport()
		dials <- ft
		return ft, nil
	})
	startLink(t, l)

	var first *fakeTransport
	select {
	case first = <-dials:
	case <-time.After(time.Second):
		t.Fatalf("initial dial never happened")
	}

	// No traffic at all: the keepalive goes unanswered and the heartbeat
	// declares the link dead, which must trigger a redial.
	select {
	case <-dials:
	case <-time.After(2 * time.Second):
		t.Fatalf("heartbeat miss never triggered a redial")
	}
	if first.keepaliveCount() == 0 {
		t.Fatalf("no keepalive sent before the miss")
	}
}

func TestLinkExhaustsReconnectBudget(t *testing.T) {
	l := NewLink("c1", LinkConfig{
		Reconnect: ReconnectConfig{MaxAttempts: 2, BaseDelay: time.Millisecond, MaxDelay: 2 * time.Millisecond},
	})
	l.SetDialFunc(func(context.Context) (Transport, error) {
		return nil, errors.New("connection refused")
	})
	_, done := startLink(t, l)

	select {
	case err := <-done:
		if !errors.Is(err, ErrReconnectExhausted) {
			t.Fatalf("Run() error = %v, want ErrReconnectExhausted", err)
		}
		done <- nil
	case <-time.After(time.Second):
		t.Fatalf("link never gave up dialing")
	}
}
