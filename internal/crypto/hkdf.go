package crypto

import (
	"crypto/sha256"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
)

// DeriveKey32 runs HKDF-SHA256 over ikm and returns 32 bytes of output.
func DeriveKey32(ikm, salt, info []byte) ([32]byte, error) {
	var out [32]byte
	r := hkdf.New(sha256.New, ikm, salt, info)
	if _, err := io.ReadFull(r, out[:]); err != nil {
		return out, fmt.Errorf("hkdf: %w", err)
	}
	return out, nil
}
