package types

// DeviceID identifies this machine to the relay.
type DeviceID string

// String returns the string form of the device identifier.
func (id DeviceID) String() string { return string(id) }

// SessionID identifies one encrypted session. It is chosen by the relay and
// is unique per handshake.
type SessionID string

// String returns the string form of the session identifier.
func (id SessionID) String() string { return string(id) }

// RequestID correlates a prompt with its progress and terminal frames.
type RequestID string

// String returns the string form of the request identifier.
func (id RequestID) String() string { return string(id) }

// Fingerprint is a short identifier for public keys presented to users.
type Fingerprint string

// String returns the string form of the fingerprint.
func (f Fingerprint) String() string { return string(f) }
