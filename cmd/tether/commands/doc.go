// Package commands defines the tether CLI and wires dependencies for
// subcommands.
//
// Commands
//
//   - init         Create the device identity
//   - fingerprint  Print the identity fingerprint
//   - login        Verify a relay token and store it for the relay
//   - connect      Run the connector until interrupted
//
// The root command loads <home>/config.toml (or --config), applies flag
// overrides and builds the logger and the app wiring before any subcommand
// runs.
package commands
