package interfaces

import (
	"context"

	domaintypes "tether/internal/domain/types"
)

// Conn is one live connection to the relay. ReadFrame is called from a
// single goroutine; WriteFrame must be safe for concurrent callers.
type Conn interface {
	ReadFrame() (domaintypes.Frame, error)
	WriteFrame(frame domaintypes.Frame) error
	Close() error
}

// Dialer opens relay connections.
type Dialer interface {
	Dial(ctx context.Context) (Conn, error)
}

// Acknowledger delivers handshake acknowledgements to the relay out of band.
type Acknowledger interface {
	Acknowledge(ctx context.Context, ack domaintypes.HandshakeAck) error
}
