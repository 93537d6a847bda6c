package transport

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	wsWriteTimeout = 10 * time.Second
	wsReadLimit    = 2 << 20
)

// WSTransport is the websocket link to the live speech-conversation
// service. Writes are serialized; reads are pumped into the Messages
// channel by a dedicated loop.
type WSTransport struct {
	conn      *websocket.Conn
	writeMu   sync.Mutex
	messages  chan []byte
	notes     chan Notification
	closeOnce sync.Once
}

// DialWS opens the speech transport link.
func DialWS(ctx context.Context, url string, header http.Header) (*WSTransport, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, header)
	if err != nil {
		return nil, fmt.Errorf("dial speech transport: %w", err)
	}
	conn.SetReadLimit(wsReadLimit)

	t := &WSTransport{
		conn:     conn,
		messages: make(chan []byte, 256),
		notes:    make(chan Notification, 16),
	}
	t.notify(Notification{Kind: NotifyOpen})
	go t.readLoop()
	return t, nil
}

func (t *WSTransport) readLoop() {
	defer close(t.messages)
	for {
		msgType, data, err := t.conn.ReadMessage()
		if err != nil {
			var closeErr *websocket.CloseError
			if errors.As(err, &closeErr) {
				t.notify(Notification{Kind: NotifyClose, Code: closeErr.Code, Err: err})
			} else {
				t.notify(Notification{Kind: NotifyError, Err: err})
			}
			return
		}
		if msgType != websocket.TextMessage {
			continue
		}
		t.messages <- data
	}
}

func (t *WSTransport) notify(n Notification) {
	select {
	case t.notes <- n:
	default:
		// Notifications are best-effort; a slow consumer must not stall
		// the read loop.
	}
}

// Send marshals v as JSON and writes it with a deadline.
func (t *WSTransport) Send(ctx context.Context, v any) error {
	t.writeMu.Lock()
	defer t.writeMu.Unlock()

	deadline := time.Now().Add(wsWriteTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	_ = t.conn.SetWriteDeadline(deadline)
	if err := t.conn.WriteJSON(v); err != nil {
		return fmt.Errorf("write speech transport: %w", err)
	}
	return nil
}

// SendKeepalive writes a ping control frame. Any response counts as link
// activity.
func (t *WSTransport) SendKeepalive(ctx context.Context) error {
	t.writeMu.Lock()
	defer t.writeMu.Unlock()

	deadline := time.Now().Add(wsWriteTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	return t.conn.WriteControl(websocket.PingMessage, nil, deadline)
}

// SetPongHandler routes pong frames into the given activity callback.
func (t *WSTransport) SetPongHandler(onActivity func()) {
	t.conn.SetPongHandler(func(string) error {
		onActivity()
		return nil
	})
}

func (t *WSTransport) Messages() <-chan []byte {
	return t.messages
}

func (t *WSTransport) Notifications() <-chan Notification {
	return t.notes
}

// Close sends a close frame best-effort and tears the socket down.
func (t *WSTransport) Close() error {
	var err error
	t.closeOnce.Do(func() {
		t.writeMu.Lock()
		_ = t.conn.WriteControl(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second),
		)
		t.writeMu.Unlock()
		err = t.conn.Close()
	})
	return err
}
