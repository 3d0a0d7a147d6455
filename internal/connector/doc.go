// Package connector runs the device's long-lived connection to the relay.
//
// # States
//
//	Disconnected -> Connecting -> Connected -> Ready -> Reconnecting -> Connecting ...
//
// On Connected the runtime sends a hello and waits for the relay's hello
// reply, which moves it to Ready. Any inbound traffic resets a watchdog of
// interval × missed heartbeats; when it fires, or the hello reply does not
// arrive in time, or the transport fails, the connection is dropped, every
// session is cleared and the runtime reconnects after a backoff delay.
//
// # Dispatch
//
// Inbound frames are matched exhaustively on their type. Handshake requests
// go to the handshake engine. Session messages are decrypted through the
// session registry and handed to the executor; progress, result and error
// replies are always sealed through the registry. A sequence violation or
// authentication failure ends that session; a malformed frame, or a frame
// for an unknown or not-yet-ready session, is only rejected. Unknown frame
// types are logged and ignored.
//
// # Cancellation
//
// session.cancel cancels the matching execution's context and emits the
// request's single terminal frame (a "cancelled" error). Whatever the
// executor returns afterwards is discarded.
package connector
