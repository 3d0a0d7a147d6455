// Package handshake implements the ephemeral key agreement that opens an
// encrypted session between a peer (relayed through the server) and this
// device.
//
// # Flows
//
// Device (responder):
//  1. Validate the peer's ephemeral X25519 key from the request.
//  2. Generate a fresh ephemeral key pair for this exchange only.
//  3. Compute the shared secret DH(device_eph, peer_eph).
//  4. Build the transcript and hash it with SHA-256.
//  5. Sign the digest with the long-lived Ed25519 identity.
//  6. Derive the session key with HKDF-SHA256, salted by the digest.
//  7. Return the key with an acknowledgement carrying the device ephemeral
//     key, identity key and signature.
//
// Peer (initiator): NewInitiator produces the request; Finish verifies the
// device signature over the same transcript and derives the identical key.
//
// # Transcript (version 1)
//
//	"tether/handshake/v1" | u16 len | session_id | u16 len | device_id |
//	peer_eph (32) | device_eph (32) | u16 len | challenge | identity_pub (32)
//
// # Errors
//
// Failures are reported as *Error with a Kind; use IsKind to branch.
package handshake
