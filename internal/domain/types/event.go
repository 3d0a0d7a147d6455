package types

import "time"

// EventKind names a lifecycle or message event reported to observers.
type EventKind string

const (
	EventConnectionState    EventKind = "connection.state"
	EventReconnectScheduled EventKind = "connection.reconnect_scheduled"
	EventSessionPending     EventKind = "session.pending"
	EventSessionReady       EventKind = "session.ready"
	EventSessionEnded       EventKind = "session.ended"
	EventHandshakeFailed    EventKind = "session.handshake_failed"
	EventFrameRejected      EventKind = "frame.rejected"
	EventMessageReceived    EventKind = "message.received"
	EventMessageCompleted   EventKind = "message.completed"
	EventMessageFailed      EventKind = "message.failed"
	EventMessageCancelled   EventKind = "message.cancelled"
)

// Event is a fire-and-forget notification for audit and metrics sinks. It
// never carries plaintext or key material.
type Event struct {
	Kind      EventKind     `json:"kind"`
	Time      time.Time     `json:"time"`
	SessionID SessionID     `json:"session_id,omitempty"`
	RequestID RequestID     `json:"request_id,omitempty"`
	State     string        `json:"state,omitempty"`
	Delay     time.Duration `json:"delay,omitempty"`
	Detail    string        `json:"detail,omitempty"`
}
