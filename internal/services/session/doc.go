// Package session keeps the in-memory registry of live encrypted sessions.
//
// Each session owns its key, its two sequence counters and its lifecycle
// state behind its own mutex, so work on one session never waits on
// another. Sequence allocation, encryption and emission of an outbound frame
// happen in one locked call (Seal), which makes reusing a sequence value,
// and therefore a nonce, impossible for callers.
//
// Sessions are never persisted. Removing a session wipes its key.
package session
