package handshake

import (
	"crypto/rand"

	"tether/internal/crypto"
	"tether/internal/domain"
	"tether/internal/util/memzero"
)

const challengeSize = 32

// Initiator holds the peer side of one handshake until the device's
// acknowledgement arrives.
type Initiator struct {
	req  domain.HandshakeRequest
	priv domain.X25519Private
	pub  domain.X25519Public
}

// NewInitiator generates an ephemeral key and a random challenge for a new
// session and returns the request to send to the device.
func NewInitiator(
	sessionID domain.SessionID,
	requester domain.Requester,
) (*Initiator, domain.HandshakeRequest, error) {
	priv, pub, err := crypto.GenerateX25519()
	if err != nil {
		return nil, domain.HandshakeRequest{}, newError(KindInternal, "generate ephemeral key", err)
	}
	challenge := make([]byte, challengeSize)
	if _, err := rand.Read(challenge); err != nil {
		return nil, domain.HandshakeRequest{}, newError(KindInternal, "generate challenge", err)
	}
	req := domain.HandshakeRequest{
		SessionID:    sessionID,
		Requester:    requester,
		EphemeralKey: append([]byte(nil), pub[:]...),
		Challenge:    challenge,
	}
	return &Initiator{req: req, priv: priv, pub: pub}, req, nil
}

// Finish verifies ack against the request and returns the session key. If
// pinned is non-nil the ack's identity key must equal it. The ephemeral
// private key is wiped whether or not verification succeeds.
func (in *Initiator) Finish(ack domain.HandshakeAck, pinned *domain.Ed25519Public) ([32]byte, error) {
	defer memzero.Zero(in.priv[:])

	if ack.SessionID != in.req.SessionID {
		return [32]byte{}, newError(KindAckRejected, "session id mismatch", nil)
	}
	if pinned != nil && *pinned != ack.IdentityKey {
		return [32]byte{}, newError(KindBadSignature, "identity key does not match pin", nil)
	}

	tr := Transcript{
		SessionID:   in.req.SessionID,
		DeviceID:    ack.DeviceID,
		PeerEph:     in.pub,
		DeviceEph:   ack.EphemeralKey,
		Challenge:   in.req.Challenge,
		IdentityKey: ack.IdentityKey,
	}
	digest := tr.Digest()
	if !crypto.VerifyEd25519(ack.IdentityKey, digest[:], ack.Signature) {
		return [32]byte{}, newError(KindBadSignature, "transcript signature", nil)
	}

	shared, err := crypto.DH(in.priv, ack.EphemeralKey)
	if err != nil {
		return [32]byte{}, newError(KindAckRejected, "device ephemeral key", err)
	}
	defer memzero.Zero(shared[:])

	key, err := DeriveSessionKey(shared, digest)
	if err != nil {
		return [32]byte{}, newError(KindInternal, "derive session key", err)
	}
	return key, nil
}
