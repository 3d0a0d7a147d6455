package handshake

import (
	"crypto/sha256"
	"encoding/binary"

	"tether/internal/crypto"
	"tether/internal/domain"
	"tether/internal/util/memzero"
)

const (
	transcriptLabel = "tether/handshake/v1"
	sessionKeyInfo  = "tether/session-key/v1"

	// MaxChallenge bounds the challenge so its length fits the u16 prefix.
	MaxChallenge = 1024
	// MaxIDLength bounds session and device identifiers.
	MaxIDLength = 256
)

// Transcript carries the fields bound by one handshake.
type Transcript struct {
	SessionID   domain.SessionID
	DeviceID    domain.DeviceID
	PeerEph     domain.X25519Public
	DeviceEph   domain.X25519Public
	Challenge   []byte
	IdentityKey domain.Ed25519Public
}

// Bytes encodes the transcript in its fixed order.
func (t Transcript) Bytes() []byte {
	sid, did := t.SessionID.String(), t.DeviceID.String()
	out := make([]byte, 0, len(transcriptLabel)+6+len(sid)+len(did)+len(t.Challenge)+96)
	out = append(out, transcriptLabel...)
	out = binary.BigEndian.AppendUint16(out, uint16(len(sid)))
	out = append(out, sid...)
	out = binary.BigEndian.AppendUint16(out, uint16(len(did)))
	out = append(out, did...)
	out = append(out, t.PeerEph[:]...)
	out = append(out, t.DeviceEph[:]...)
	out = binary.BigEndian.AppendUint16(out, uint16(len(t.Challenge)))
	out = append(out, t.Challenge...)
	out = append(out, t.IdentityKey[:]...)
	return out
}

// Digest returns SHA-256 over the encoded transcript.
func (t Transcript) Digest() [sha256.Size]byte {
	return sha256.Sum256(t.Bytes())
}

// DeriveSessionKey expands the DH secret into a session key salted by the
// transcript digest.
func DeriveSessionKey(shared [32]byte, digest [sha256.Size]byte) ([32]byte, error) {
	return crypto.DeriveKey32(shared[:], digest[:], []byte(sessionKeyInfo))
}

// Result is the outcome of a successful responder handshake.
type Result struct {
	Key    [32]byte
	Ack    domain.HandshakeAck
	Digest [sha256.Size]byte
}

// Respond runs the device side of the handshake for req. The ephemeral
// private key never leaves this function.
func Respond(
	req domain.HandshakeRequest,
	deviceID domain.DeviceID,
	signer domain.IdentitySigner,
) (Result, error) {
	peerEph, err := validate(req)
	if err != nil {
		return Result{}, err
	}
	if signer == nil {
		return Result{}, newError(KindNoIdentity, "identity unavailable", nil)
	}
	identity := signer.PublicIdentity()
	if identity.IsZero() {
		return Result{}, newError(KindNoIdentity, "identity unavailable", nil)
	}

	ephPriv, ephPub, err := crypto.GenerateX25519()
	if err != nil {
		return Result{}, newError(KindInternal, "generate ephemeral key", err)
	}
	defer memzero.Zero(ephPriv[:])

	shared, err := crypto.DH(ephPriv, peerEph)
	if err != nil {
		return Result{}, newError(KindInvalidRequest, "peer ephemeral key", err)
	}
	defer memzero.Zero(shared[:])

	tr := Transcript{
		SessionID:   req.SessionID,
		DeviceID:    deviceID,
		PeerEph:     peerEph,
		DeviceEph:   ephPub,
		Challenge:   req.Challenge,
		IdentityKey: identity,
	}
	digest := tr.Digest()

	sig, err := signer.SignTranscript(digest[:])
	if err != nil {
		return Result{}, newError(KindNoIdentity, "sign transcript", err)
	}

	key, err := DeriveSessionKey(shared, digest)
	if err != nil {
		return Result{}, newError(KindInternal, "derive session key", err)
	}

	return Result{
		Key: key,
		Ack: domain.HandshakeAck{
			SessionID:    req.SessionID,
			DeviceID:     deviceID,
			EphemeralKey: ephPub,
			IdentityKey:  identity,
			Signature:    sig,
		},
		Digest: digest,
	}, nil
}

func validate(req domain.HandshakeRequest) (domain.X25519Public, error) {
	switch {
	case req.SessionID == "":
		return domain.X25519Public{}, newError(KindInvalidRequest, "missing session id", nil)
	case len(req.SessionID) > MaxIDLength:
		return domain.X25519Public{}, newError(KindInvalidRequest, "session id too long", nil)
	case len(req.EphemeralKey) == 0:
		return domain.X25519Public{}, newError(KindInvalidRequest, "missing peer ephemeral key", nil)
	case len(req.Challenge) > MaxChallenge:
		return domain.X25519Public{}, newError(KindInvalidRequest, "challenge too long", nil)
	}
	pub, err := domain.ParseX25519Public(req.EphemeralKey)
	if err != nil {
		return pub, newError(KindInvalidRequest, "peer ephemeral key", err)
	}
	return pub, nil
}
