package interfaces

import (
	"context"

	domaintypes "tether/internal/domain/types"
)

// IdentityService creates, retrieves, and inspects the device identity.
type IdentityService interface {
	GenerateIdentity(passphrase string) (
		domaintypes.Identity,
		domaintypes.Fingerprint,
		error,
	)
	LoadIdentity(passphrase string) (domaintypes.Identity, error)
	FingerprintIdentity(passphrase string) (domaintypes.Fingerprint, error)
}

// IdentitySigner signs handshake transcript digests with the device key.
type IdentitySigner interface {
	SignTranscript(digest []byte) ([]byte, error)
	PublicIdentity() domaintypes.Ed25519Public
}

// Executor runs one decrypted prompt. It must honour ctx cancellation and
// may report intermediate progress any number of times before returning.
type Executor interface {
	Execute(
		ctx context.Context,
		session domaintypes.SessionID,
		prompt domaintypes.Prompt,
		progress func(domaintypes.Progress),
	) (domaintypes.Result, error)
}

// Sink receives lifecycle events. Notify must not block the caller.
type Sink interface {
	Notify(event domaintypes.Event)
}
