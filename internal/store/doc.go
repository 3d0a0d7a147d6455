// Package store provides file-based persistence for the connector's
// long-lived data.
//
// It contains concrete implementations of the domain storage interfaces,
// serialising data as JSON on disk with atomic temp-file-and-rename writes.
// All methods are concurrency-safe via internal locking. Files live under
// the configured home directory.
//
// The package includes stores for:
//   - The device identity, encrypted at rest (IdentityFileStore)
//   - Per-relay account profiles (AccountFileStore)
//
// Session keys are never written here; they live only in memory.
package store
