package types

import (
	"encoding/json"
	"fmt"
)

// FrameType is the closed set of frame kinds carried on the relay
// connection. Unknown wire strings decode to FrameUnknown rather than
// failing, so the dispatcher can ignore them.
type FrameType uint8

const (
	FrameUnknown FrameType = iota
	FrameHello
	FrameHeartbeat
	FrameHandshakeRequest
	FrameMessage
	FrameProgress
	FrameResult
	FrameError
	FrameCancel
)

var frameTypeNames = [...]string{
	FrameUnknown:          "unknown",
	FrameHello:            "hello",
	FrameHeartbeat:        "heartbeat",
	FrameHandshakeRequest: "handshake.request",
	FrameMessage:          "session.message",
	FrameProgress:         "session.progress",
	FrameResult:           "session.result",
	FrameError:            "session.error",
	FrameCancel:           "session.cancel",
}

// String returns the wire name of the frame type.
func (t FrameType) String() string {
	if int(t) < len(frameTypeNames) {
		return frameTypeNames[t]
	}
	return fmt.Sprintf("frametype(%d)", uint8(t))
}

// IsSession reports whether frames of this type are encrypted under a
// session key.
func (t FrameType) IsSession() bool {
	switch t {
	case FrameMessage, FrameProgress, FrameResult, FrameError, FrameCancel:
		return true
	default:
		return false
	}
}

// MarshalText encodes the wire name.
func (t FrameType) MarshalText() ([]byte, error) {
	if t == FrameUnknown || int(t) >= len(frameTypeNames) {
		return nil, fmt.Errorf("frame type %d has no wire name", uint8(t))
	}
	return []byte(frameTypeNames[t]), nil
}

// UnmarshalText decodes a wire name; unrecognised names yield FrameUnknown.
func (t *FrameType) UnmarshalText(b []byte) error {
	s := string(b)
	for i, name := range frameTypeNames {
		if FrameType(i) != FrameUnknown && name == s {
			*t = FrameType(i)
			return nil
		}
	}
	*t = FrameUnknown
	return nil
}

// Frame is the wire envelope exchanged with the relay. Control frames
// (hello, heartbeat, handshake.request) carry Payload in the clear; session
// frames carry only Ciphertext and Tag.
type Frame struct {
	Type       FrameType       `json:"type"`
	SessionID  SessionID       `json:"session_id,omitempty"`
	Seq        uint64          `json:"seq"`
	Ciphertext []byte          `json:"ciphertext,omitempty"`
	Tag        []byte          `json:"tag,omitempty"`
	Payload    json.RawMessage `json:"payload,omitempty"`
}

// Hello announces the device when a connection comes up.
type Hello struct {
	DeviceID    DeviceID      `json:"device_id"`
	IdentityKey Ed25519Public `json:"identity_key"`
	Fingerprint Fingerprint   `json:"fingerprint"`
	Client      string        `json:"client"`
}

// Heartbeat is the payload of heartbeat frames. Replies are never answered.
type Heartbeat struct {
	Reply bool  `json:"reply,omitempty"`
	Time  int64 `json:"time"`
}
