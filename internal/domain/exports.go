package domain

import (
	interfaces "tether/internal/domain/interfaces"
	types "tether/internal/domain/types"
)

// Key parsers re-exported for callers holding raw wire bytes.
var (
	ParseX25519Public  = types.ParseX25519Public
	ParseEd25519Public = types.ParseEd25519Public
)

// Type aliases expose domain types from the types subpackage for compact imports.
type (
	DeviceID         = types.DeviceID
	SessionID        = types.SessionID
	RequestID        = types.RequestID
	Fingerprint      = types.Fingerprint
	Identity         = types.Identity
	AccountProfile   = types.AccountProfile
	X25519Public     = types.X25519Public
	X25519Private    = types.X25519Private
	Ed25519Public    = types.Ed25519Public
	Ed25519Private   = types.Ed25519Private
	SessionState     = types.SessionState
	SessionInfo      = types.SessionInfo
	FrameType        = types.FrameType
	Frame            = types.Frame
	Hello            = types.Hello
	Heartbeat        = types.Heartbeat
	Requester        = types.Requester
	HandshakeRequest = types.HandshakeRequest
	HandshakeAck     = types.HandshakeAck
	Prompt           = types.Prompt
	Progress         = types.Progress
	Result           = types.Result
	ErrorReply       = types.ErrorReply
	CancelRequest    = types.CancelRequest
	EventKind        = types.EventKind
	Event            = types.Event
)

// Interface aliases expose domain interfaces from the interfaces subpackage.
type (
	IdentityService = interfaces.IdentityService
	IdentitySigner  = interfaces.IdentitySigner
	IdentityStore   = interfaces.IdentityStore
	AccountStore    = interfaces.AccountStore
	Executor        = interfaces.Executor
	Sink            = interfaces.Sink
	Conn            = interfaces.Conn
	Dialer          = interfaces.Dialer
	Acknowledger    = interfaces.Acknowledger
)

// Constants re-exported so callers need only the domain import.
const (
	FrameUnknown          = types.FrameUnknown
	FrameHello            = types.FrameHello
	FrameHeartbeat        = types.FrameHeartbeat
	FrameHandshakeRequest = types.FrameHandshakeRequest
	FrameMessage          = types.FrameMessage
	FrameProgress         = types.FrameProgress
	FrameResult           = types.FrameResult
	FrameError            = types.FrameError
	FrameCancel           = types.FrameCancel

	SessionPending = types.SessionPending
	SessionReady   = types.SessionReady
	SessionEnded   = types.SessionEnded

	ErrorCodeExecution  = types.ErrorCodeExecution
	ErrorCodeTimeout    = types.ErrorCodeTimeout
	ErrorCodeCancelled  = types.ErrorCodeCancelled
	ErrorCodeBadRequest = types.ErrorCodeBadRequest
	ErrorCodeDuplicate  = types.ErrorCodeDuplicate

	EventConnectionState    = types.EventConnectionState
	EventReconnectScheduled = types.EventReconnectScheduled
	EventSessionPending     = types.EventSessionPending
	EventSessionReady       = types.EventSessionReady
	EventSessionEnded       = types.EventSessionEnded
	EventHandshakeFailed    = types.EventHandshakeFailed
	EventFrameRejected      = types.EventFrameRejected
	EventMessageReceived    = types.EventMessageReceived
	EventMessageCompleted   = types.EventMessageCompleted
	EventMessageFailed      = types.EventMessageFailed
	EventMessageCancelled   = types.EventMessageCancelled
)
