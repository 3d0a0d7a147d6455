// Package domain defines the data models and contracts shared across the
// connector. It holds plain types (wire and state) and interfaces only.
package domain
