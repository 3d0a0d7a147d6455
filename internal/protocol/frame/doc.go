// Package frame implements the encrypted frame codec for established
// sessions.
//
// # Overview
//
// Every session.* frame is sealed with ChaCha20-Poly1305 under the 32-byte
// session key. Nothing here keeps state: the caller supplies the key, the
// direction and the sequence number, and the session registry is the only
// place that decides which sequence value a frame receives.
//
// # Layout (version 1)
//
// Nonce, 12 bytes:
//
//	0x01 | direction | 0x00 0x00 | seq (uint64, big-endian)
//
// Direction is 0x01 for inbound frames (peer to device) and 0x02 for
// outbound frames (device to peer). Since each (direction, seq) pair occurs
// once per key, the nonce never repeats under a key.
//
// Associated data:
//
//	"tether/aad/v1" | u16 len(type) | type | u16 len(session_id) | session_id |
//	u64 seq | direction
//
// Binding the type, session id and sequence stops a captured ciphertext from
// being replayed under a different label or into a different session.
//
// # Errors
//
// ErrAuthentication is returned when the tag does not verify; no plaintext
// is ever released in that case. ErrMalformedFrame covers shape errors such
// as a wrong tag length or a non-session frame type.
package frame
