// Package main runs the in-memory relay used by tether during development
// and tests. It accepts device connections, routes handshake requests and
// encrypted session frames, and plays the peer side of the protocol for
// prompts submitted over HTTP.
//
// HTTP API
//
//	GET /v1/connect
//	    WebSocket upgrade for a device. The first frame must be a hello; the
//	    bearer token is bound to the announcing device on first use.
//
//	GET /v1/me
//	    Return {"device_id": ...} for the bearer token, empty if unbound.
//
//	POST /v1/sessions/{id}/ack
//	    Deliver the device's handshake acknowledgement. The relay verifies the
//	    signature against the identity key from the hello before answering
//	    204; a bad acknowledgement is answered 403.
//
//	POST /v1/prompt {"prompt": "...", "metadata": {...}}
//	    Open a fresh session with the token's device, send the prompt as an
//	    encrypted session.message and return the progress lines plus the
//	    terminal result or error.
//
// Behaviour
//
//   - All state is held in memory and lost on process exit.
//   - Heartbeats from the device are answered with reply heartbeats.
//   - Session frames are encrypted end to end; this relay holds session keys
//     only because it plays the peer.
//   - The default listen address is :8080.
package main
