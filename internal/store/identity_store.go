package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"tether/internal/domain"
	"tether/internal/util/memzero"
)

const (
	idFilename = "identity.json.enc"
	idLabel    = "tether/identity/v1"
)

// ErrNoIdentity is returned when no identity file exists yet.
var ErrNoIdentity = errors.New("no identity found; run init first")

// IdentityFileStore persists the device identity to disk.
type IdentityFileStore struct {
	dir string
	mu  sync.Mutex
	kdf scryptParams
}

// NewIdentityFileStore returns an IdentityFileStore rooted at dir.
func NewIdentityFileStore(dir string) *IdentityFileStore {
	return &IdentityFileStore{dir: dir, kdf: defaultScrypt()}
}

// Path returns the identity file location.
func (s *IdentityFileStore) Path() string { return filepath.Join(s.dir, idFilename) }

// SaveIdentity writes the encrypted identity to disk.
func (s *IdentityFileStore) SaveIdentity(passphrase string, id domain.Identity) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	raw, err := json.Marshal(id)
	if err != nil {
		return err
	}
	defer memzero.Zero(raw)
	ct, err := seal(passphrase, idLabel, raw, s.kdf)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(s.dir, 0o700); err != nil {
		return err
	}
	return writeFile(s.Path(), ct, 0o600)
}

// LoadIdentity reads and decrypts the identity.
func (s *IdentityFileStore) LoadIdentity(passphrase string) (domain.Identity, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	b, err := readFile(s.Path())
	if err != nil {
		return domain.Identity{}, err
	}
	if b == nil {
		return domain.Identity{}, ErrNoIdentity
	}
	pt, err := open(passphrase, idLabel, b)
	if err != nil {
		return domain.Identity{}, err
	}
	defer memzero.Zero(pt)
	var id domain.Identity
	if err := json.Unmarshal(pt, &id); err != nil {
		return domain.Identity{}, fmt.Errorf("decode identity: %w", err)
	}
	return id, nil
}

// Compile-time assertion that IdentityFileStore implements domain.IdentityStore.
var _ domain.IdentityStore = (*IdentityFileStore)(nil)
