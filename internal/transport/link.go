package transport

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"sync"

	"github.com/avolpe/preceptor/internal/reliability"
)

var ErrLinkNotConnected = errors.New("speech transport not connected")

// LinkConfig composes the policies that keep the dialed speech-transport
// connection healthy.
type LinkConfig struct {
	URL       string
	Header    http.Header
	Monitor   MonitorConfig
	Heartbeat HeartbeatConfig
	Reconnect ReconnectConfig
}

// Link owns the outbound speech-transport connection for its whole
// lifetime: it dials, keeps the socket warm with keepalives, tears down a
// silently dead link, and redials within a bounded budget when the far
// side drops in a retryable way. Payloads from every incarnation of the
// connection come out of one Messages channel.
type Link struct {
	cfg      LinkConfig
	connID   string
	monitor  *Monitor
	recon    *Reconnector
	messages chan []byte

	mu      sync.Mutex
	dial    func(ctx context.Context) (Transport, error)
	current Transport
}

func NewLink(connID string, cfg LinkConfig) *Link {
	l := &Link{
		cfg:      cfg,
		connID:   connID,
		monitor:  NewMonitor(connID, cfg.Monitor),
		recon:    NewReconnector(connID, cfg.Reconnect),
		messages: make(chan []byte, 256),
	}
	l.dial = func(ctx context.Context) (Transport, error) {
		return DialWS(ctx, cfg.URL, cfg.Header)
	}
	return l
}

// SetDialFunc overrides the dialer. Test hook.
func (l *Link) SetDialFunc(dial func(ctx context.Context) (Transport, error)) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.dial = dial
}

// Messages yields every payload received over the link, across redials.
// The channel closes when Run returns.
func (l *Link) Messages() <-chan []byte {
	return l.messages
}

// Send writes v over the currently connected transport.
func (l *Link) Send(ctx context.Context, v any) error {
	l.mu.Lock()
	t := l.current
	l.mu.Unlock()
	if t == nil {
		return ErrLinkNotConnected
	}
	return t.Send(ctx, v)
}

// Run drives the link until the context is cancelled, the far side closes
// it in a non-retryable way, or the reconnection budget is spent.
func (l *Link) Run(ctx context.Context) error {
	defer close(l.messages)
	defer l.monitor.Close()

	direct := true
	for {
		t, err := l.connect(ctx, direct)
		if err != nil {
			return err
		}
		direct = false

		retryable := l.serve(ctx, t)
		l.setCurrent(nil)
		_ = t.Close()

		if ctx.Err() != nil {
			return ctx.Err()
		}
		if !retryable {
			return nil
		}
	}
}

// connect dials the far side. The first connection goes straight out;
// every later one runs through the bounded backoff of the reconnector.
func (l *Link) connect(ctx context.Context, direct bool) (Transport, error) {
	dial := l.dialFunc()
	if direct {
		if t, err := dial(ctx); err == nil {
			return t, nil
		}
	}

	var t Transport
	err := l.recon.Run(ctx, func(ctx context.Context) error {
		dialed, dialErr := dial(ctx)
		if dialErr != nil {
			return dialErr
		}
		t = dialed
		return nil
	})
	if err != nil {
		return nil, err
	}
	return t, nil
}

// serve pumps one connection until it drops. The return value says whether
// the drop justifies a redial.
func (l *Link) serve(ctx context.Context, t Transport) bool {
	l.setCurrent(t)
	l.monitor.Ping()
	t.SetPongHandler(l.monitor.Ping)

	missed := make(chan struct{}, 1)
	linkDown := func() {
		select {
		case missed <- struct{}{}:
		default:
		}
		_ = t.Close()
	}

	// The monitor is the activity clock the heartbeat reads: inbound
	// payloads and pong frames both count as life.
	hb := NewHeartbeat(l.connID, l.cfg.Heartbeat, l.monitor, t.SendKeepalive, linkDown)
	hb.Start(ctx)
	defer hb.Close()

	for {
		select {
		case <-ctx.Done():
			return false
		case <-missed:
			return true
		case msg, ok := <-t.Messages():
			if !ok {
				// Read loop ended; classify from whatever notification it
				// left behind.
				return closeRetryable(t)
			}
			l.monitor.Ping()
			select {
			case l.messages <- msg:
			case <-ctx.Done():
				return false
			}
		case n := <-t.Notifications():
			switch n.Kind {
			case NotifyClose:
				retryable := reliability.IsRetryableCloseCode(n.Code)
				slog.Info("speech transport closed",
					"conn_id", l.connID,
					"code", n.Code,
					"retryable", retryable)
				return retryable
			case NotifyError:
				slog.Warn("speech transport error",
					"conn_id", l.connID,
					"error", n.Err)
				return true
			}
		}
	}
}

func closeRetryable(t Transport) bool {
	for {
		select {
		case n := <-t.Notifications():
			switch n.Kind {
			case NotifyClose:
				return reliability.IsRetryableCloseCode(n.Code)
			case NotifyError:
				return true
			}
		default:
			return true
		}
	}
}

func (l *Link) dialFunc() func(ctx context.Context) (Transport, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.dial
}

func (l *Link) setCurrent(t Transport) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.current = t
}
