package transport

import "context"

// NotificationKind classifies link state changes.
type NotificationKind string

const (
	NotifyOpen  NotificationKind = "open"
	NotifyClose NotificationKind = "close"
	NotifyError NotificationKind = "error"
)

// Notification reports a transport state change to the engine.
type Notification struct {
	Kind NotificationKind
	Code int
	Err  error
}

// Transport is an opaque bidirectional event source. The engine never
// looks past this interface at the wire.
type Transport interface {
	Send(ctx context.Context, v any) error
	SendKeepalive(ctx context.Context) error
	SetPongHandler(onActivity func())
	Messages() <-chan []byte
	Notifications() <-chan Notification
	Close() error
}
