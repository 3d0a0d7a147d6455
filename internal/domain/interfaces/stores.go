package interfaces

import domaintypes "tether/internal/domain/types"

// IdentityStore persists the long-term device identity.
type IdentityStore interface {
	SaveIdentity(passphrase string, id domaintypes.Identity) error
	LoadIdentity(passphrase string) (domaintypes.Identity, error)
}
