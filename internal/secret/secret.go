// secret.go - Store passphrase cache in the OS keyring
package secret

import (
	"errors"
	"fmt"

	keyring "github.com/zalando/go-keyring"
)

// Service is the keyring service every entry is filed under
const Service = "tabterm"

// ErrNotFound means nothing is cached for this store
var ErrNotFound = errors.New("passphrase not in keyring")

// Keyring caches the passphrase of one profile store; the store path is
// the keyring user so separate data directories do not collide
type Keyring struct {
	user string
}

// New returns the cache entry for the store at dbPath
func New(dbPath string) *Keyring {
	return &Keyring{user: dbPath}
}

// Get returns the cached passphrase
func (k *Keyring) Get() (string, error) {
	pw, err := keyring.Get(Service, k.user)
	if errors.Is(err, keyring.ErrNotFound) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("keyring lookup failed: %w", err)
	}
	return pw, nil
}

// Set caches passphrase
func (k *Keyring) Set(passphrase string) error {
	if err := keyring.Set(Service, k.user, passphrase); err != nil {
		return fmt.Errorf("keyring store failed: %w", err)
	}
	return nil
}

// Delete forgets the passphrase; forgetting nothing is not an error
func (k *Keyring) Delete() error {
	err := keyring.Delete(Service, k.user)
	if err != nil && !errors.Is(err, keyring.ErrNotFound) {
		return fmt.Errorf("keyring delete failed: %w", err)
	}
	return nil
}
