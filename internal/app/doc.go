// Package app loads the TOML configuration and wires the connector's
// dependencies for the CLI.
//
// NewWire builds the file-backed stores and the identity service that every
// command needs. Wire.Connector additionally unlocks the identity and
// assembles the relay clients, session registry, handshake engine, executor,
// event sinks and the connection runtime into an App.
package app
