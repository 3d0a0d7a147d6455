package identity

import (
	"errors"

	"tether/internal/crypto"
	"tether/internal/domain"
	"tether/internal/util/memzero"
)

// ErrNoIdentity is returned by a Signer whose key has been wiped.
var ErrNoIdentity = errors.New("identity: signing key unavailable")

// Signer signs handshake transcripts with an unlocked identity.
type Signer struct {
	priv domain.Ed25519Private
	pub  domain.Ed25519Public
}

// NewSigner wraps id. The private key is copied.
func NewSigner(id domain.Identity) *Signer {
	return &Signer{priv: id.EdPriv, pub: id.EdPub}
}

// SignTranscript signs a transcript digest.
func (s *Signer) SignTranscript(digest []byte) ([]byte, error) {
	if s.priv.IsZero() {
		return nil, ErrNoIdentity
	}
	return crypto.SignEd25519(s.priv, digest), nil
}

// PublicIdentity returns the device's public signing key.
func (s *Signer) PublicIdentity() domain.Ed25519Public { return s.pub }

// Wipe erases the private key; later signing attempts fail.
func (s *Signer) Wipe() { memzero.Zero(s.priv[:]) }

var _ domain.IdentitySigner = (*Signer)(nil)
