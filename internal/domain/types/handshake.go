package types

// Requester is informational context about whoever opened the session. It is
// untrusted and never used for authorisation.
type Requester struct {
	UID         string `json:"uid,omitempty"`
	DisplayName string `json:"display_name,omitempty"`
	Client      string `json:"client,omitempty"`
}

// HandshakeRequest is the plaintext payload of a handshake.request frame.
type HandshakeRequest struct {
	SessionID    SessionID `json:"session_id"`
	Requester    Requester `json:"requester"`
	EphemeralKey []byte    `json:"ephemeral_key"`
	Challenge    []byte    `json:"challenge,omitempty"`
}

// HandshakeAck is delivered to the relay out of band once the device has
// derived the session key.
type HandshakeAck struct {
	SessionID    SessionID     `json:"session_id"`
	DeviceID     DeviceID      `json:"device_id"`
	EphemeralKey X25519Public  `json:"ephemeral_key"`
	IdentityKey  Ed25519Public `json:"identity_key"`
	Signature    []byte        `json:"signature"`
}
