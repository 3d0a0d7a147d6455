package handshake

import (
	"errors"
	"fmt"
)

// Kind classifies handshake failures.
type Kind uint8

const (
	KindInvalidRequest Kind = iota + 1
	KindNoIdentity
	KindAckRejected
	KindTimeout
	KindBadSignature
	KindInternal
)

func (k Kind) String() string {
	switch k {
	case KindInvalidRequest:
		return "invalid request"
	case KindNoIdentity:
		return "no identity"
	case KindAckRejected:
		return "ack rejected"
	case KindTimeout:
		return "timeout"
	case KindBadSignature:
		return "bad signature"
	case KindInternal:
		return "internal"
	default:
		return "unknown"
	}
}

// Error is a handshake failure.
type Error struct {
	Kind  Kind
	Msg   string
	Inner error
}

func (e *Error) Error() string {
	if e.Inner != nil {
		return fmt.Sprintf("handshake %s: %s: %v", e.Kind, e.Msg, e.Inner)
	}
	return fmt.Sprintf("handshake %s: %s", e.Kind, e.Msg)
}

func (e *Error) Unwrap() error { return e.Inner }

func newError(kind Kind, msg string, inner error) *Error {
	return &Error{Kind: kind, Msg: msg, Inner: inner}
}

// Fail builds a handshake error of the given kind.
func Fail(kind Kind, msg string, inner error) error {
	return newError(kind, msg, inner)
}

// IsKind reports whether err is a handshake Error of kind k.
func IsKind(err error, k Kind) bool {
	var he *Error
	return errors.As(err, &he) && he.Kind == k
}
