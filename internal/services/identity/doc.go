// Package identity manages creation, encryption and loading of the device
// identity.
//
// It enforces passphrase policy, generates the Ed25519 signing key and a
// random device id, and persists them via the domain.IdentityStore. Signer
// adapts a loaded identity to the handshake's signing contract.
package identity
