// Package crypto exposes the primitives used by the handshake and frame
// layers.
//
// Contents
//
//   - X25519 ephemeral key generation and Diffie–Hellman with low-order
//     point rejection (GenerateX25519, DH)
//   - Ed25519 key generation, signing and verification (GenerateEd25519,
//     SignEd25519, VerifyEd25519)
//   - HKDF-SHA256 expansion to a fixed 32-byte key (DeriveKey32)
//   - Short public-key fingerprints for display/logging (Fingerprint)
//
// # Notes
//
// Functions return the fixed-size array types defined in internal/domain.
// Callers own the returned secrets and should wipe them with
// internal/util/memzero once they are no longer needed.
package crypto
