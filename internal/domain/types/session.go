package types

import "time"

// SessionState is the lifecycle state of an encrypted session.
type SessionState uint8

const (
	// SessionPending: key derived, acknowledgement not yet accepted.
	SessionPending SessionState = iota + 1
	// SessionReady: key usable in both directions.
	SessionReady
	// SessionEnded is terminal.
	SessionEnded
)

func (s SessionState) String() string {
	switch s {
	case SessionPending:
		return "pending"
	case SessionReady:
		return "ready"
	case SessionEnded:
		return "ended"
	default:
		return "unknown"
	}
}

// SessionInfo is a key-free snapshot of a registered session.
type SessionInfo struct {
	ID       SessionID
	State    SessionState
	Incoming uint64 // next expected inbound sequence
	Outgoing uint64 // next outbound sequence to allocate
	Created  time.Time
	Expires  time.Time // zero means no expiry
}
