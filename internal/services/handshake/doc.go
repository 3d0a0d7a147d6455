// Package handshake drives session establishment on the device: it runs the
// key agreement, registers the session as Pending, delivers the
// acknowledgement to the relay out of band and promotes the session to Ready
// only once the relay accepts it.
package handshake
