// Package relay provides the device's two channels to the relay server.
//
// WSDialer opens the persistent WebSocket connection that carries frames in
// both directions; each WebSocket text message holds one JSON-encoded
// domain.Frame. AckClient is the out-of-band HTTP client the handshake
// engine uses to deliver acknowledgements, and it also verifies the device
// token at login.
//
// Both present the account token as a bearer credential. Non-2xx statuses
// are returned as errors with the method, path, and status text to aid
// diagnostics.
package relay
