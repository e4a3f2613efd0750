package core

// Frame is a raw encoded signaling message.
type Frame []byte

// SessionID identifies one signaling connection. A peer's id is its session id.
type SessionID string

// SignalConnection abstracts for a system messaging transport
// Owned by the adapter; the adapter must Close() it.
type SignalConnection interface {
	TrySend(Frame) error
	Close()
}

// Notifier delivers server events to one client. It must not block:
// a full outbound queue is reported as an error.
type Notifier interface {
	Notify(Event) error
}
