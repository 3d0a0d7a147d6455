package frame

import (
	"encoding/binary"
	"errors"
	"fmt"

	"golang.org/x/crypto/chacha20poly1305"

	"tether/internal/domain"
)

const (
	// KeySize is the session key length in bytes.
	KeySize = chacha20poly1305.KeySize
	// NonceSize is the derived nonce length in bytes.
	NonceSize = chacha20poly1305.NonceSize
	// TagSize is the Poly1305 tag length in bytes.
	TagSize = chacha20poly1305.Overhead

	layoutVersion byte = 0x01
	aadLabel           = "tether/aad/v1"
)

var (
	// ErrAuthentication reports a tag mismatch.
	ErrAuthentication = errors.New("frame: authentication failed")
	// ErrMalformedFrame reports a frame whose shape is invalid.
	ErrMalformedFrame = errors.New("frame: malformed")
)

// Key is a session key.
type Key [KeySize]byte

// Direction distinguishes the two counters of a session.
type Direction byte

const (
	// Inbound frames travel from the peer to this device.
	Inbound Direction = 0x01
	// Outbound frames travel from this device to the peer.
	Outbound Direction = 0x02
)

func (d Direction) String() string {
	switch d {
	case Inbound:
		return "inbound"
	case Outbound:
		return "outbound"
	default:
		return fmt.Sprintf("direction(%d)", byte(d))
	}
}

func (d Direction) valid() bool { return d == Inbound || d == Outbound }

// Metadata is the frame header authenticated alongside the ciphertext.
type Metadata struct {
	Type      domain.FrameType
	SessionID domain.SessionID
}

// Nonce returns the deterministic nonce for (dir, seq).
func Nonce(dir Direction, seq uint64) [NonceSize]byte {
	var n [NonceSize]byte
	n[0] = layoutVersion
	n[1] = byte(dir)
	binary.BigEndian.PutUint64(n[4:], seq)
	return n
}

// AssociatedData returns the AAD binding a frame's type, session and sequence.
func AssociatedData(md Metadata, dir Direction, seq uint64) []byte {
	typ := md.Type.String()
	sid := md.SessionID.String()

	out := make([]byte, 0, len(aadLabel)+2+len(typ)+2+len(sid)+8+1)
	out = append(out, aadLabel...)
	out = binary.BigEndian.AppendUint16(out, uint16(len(typ)))
	out = append(out, typ...)
	out = binary.BigEndian.AppendUint16(out, uint16(len(sid)))
	out = append(out, sid...)
	out = binary.BigEndian.AppendUint64(out, seq)
	out = append(out, byte(dir))
	return out
}

// Encrypt seals plaintext for (dir, seq) and returns the nonce used, the
// ciphertext and the detached tag.
func Encrypt(
	key Key,
	dir Direction,
	seq uint64,
	plaintext []byte,
	md Metadata,
) (nonce [NonceSize]byte, ciphertext, tag []byte, err error) {
	if !dir.valid() {
		return nonce, nil, nil, fmt.Errorf("%w: bad direction %d", ErrMalformedFrame, dir)
	}
	if !md.Type.IsSession() || md.SessionID == "" {
		return nonce, nil, nil, fmt.Errorf("%w: %s is not a session frame", ErrMalformedFrame, md.Type)
	}
	aead, err := chacha20poly1305.New(key[:])
	if err != nil {
		return nonce, nil, nil, err
	}
	nonce = Nonce(dir, seq)
	sealed := aead.Seal(nil, nonce[:], plaintext, AssociatedData(md, dir, seq))
	split := len(sealed) - TagSize
	return nonce, sealed[:split:split], sealed[split:], nil
}

// Decrypt opens ciphertext||tag for (dir, seq) under ad. Any tag mismatch
// returns ErrAuthentication and no plaintext.
func Decrypt(
	key Key,
	dir Direction,
	seq uint64,
	ciphertext, tag, ad []byte,
) ([]byte, error) {
	if !dir.valid() {
		return nil, fmt.Errorf("%w: bad direction %d", ErrMalformedFrame, dir)
	}
	if len(tag) != TagSize {
		return nil, fmt.Errorf("%w: tag is %d bytes", ErrMalformedFrame, len(tag))
	}
	aead, err := chacha20poly1305.New(key[:])
	if err != nil {
		return nil, err
	}
	nonce := Nonce(dir, seq)
	sealed := make([]byte, 0, len(ciphertext)+TagSize)
	sealed = append(sealed, ciphertext...)
	sealed = append(sealed, tag...)
	pt, err := aead.Open(nil, nonce[:], sealed, ad)
	if err != nil {
		return nil, ErrAuthentication
	}
	return pt, nil
}

// Seal builds a wire frame carrying plaintext.
func Seal(
	key Key,
	dir Direction,
	seq uint64,
	md Metadata,
	plaintext []byte,
) (domain.Frame, error) {
	_, ct, tag, err := Encrypt(key, dir, seq, plaintext, md)
	if err != nil {
		return domain.Frame{}, err
	}
	return domain.Frame{
		Type:       md.Type,
		SessionID:  md.SessionID,
		Seq:        seq,
		Ciphertext: ct,
		Tag:        tag,
	}, nil
}

// Open validates the shape of f and decrypts it, binding the frame's own
// type, session id and sequence as associated data.
func Open(key Key, dir Direction, f domain.Frame) ([]byte, error) {
	if err := CheckShape(f); err != nil {
		return nil, err
	}
	md := Metadata{Type: f.Type, SessionID: f.SessionID}
	return Decrypt(key, dir, f.Seq, f.Ciphertext, f.Tag, AssociatedData(md, dir, f.Seq))
}

// CheckShape reports whether f looks like a session frame.
func CheckShape(f domain.Frame) error {
	switch {
	case !f.Type.IsSession():
		return fmt.Errorf("%w: %s is not a session frame", ErrMalformedFrame, f.Type)
	case f.SessionID == "":
		return fmt.Errorf("%w: missing session id", ErrMalformedFrame)
	case len(f.Tag) != TagSize:
		return fmt.Errorf("%w: tag is %d bytes", ErrMalformedFrame, len(f.Tag))
	case len(f.Payload) != 0:
		return fmt.Errorf("%w: session frame carries a clear payload", ErrMalformedFrame)
	}
	return nil
}
