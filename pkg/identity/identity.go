package identity

import (
	"fmt"
	"sync"

	"github.com/google/uuid"
)

const (
	keyIdentityID     = "SI"
	keyIdentitySecret = "SS"
)

// fingerprintNamespace scopes derived fingerprints to this project
var fingerprintNamespace = uuid.MustParse("6f1c3c52-5b7e-4d0e-9a43-2d1f0a8c6e11")

// Fingerprint derives a stable instance fingerprint from seed, typically the
// host name plus data directory.
func Fingerprint(seed string) string {
	return uuid.NewSHA1(fingerprintNamespace, []byte(seed)).String()
}

// Identity is the id/secret pair the peer issued to this instance. Values
// are stored under keys suffixed with the fingerprint so several instances
// can share one store.
type Identity struct {
	store       Store
	fingerprint string

	mu       sync.RWMutex
	id       string
	secret   string
	onChange []func(oldID, newID string)
}

// New loads the identity for fingerprint from store
func New(store Store, fingerprint string) (*Identity, error) {
	if store == nil {
		return nil, fmt.Errorf("store is required")
	}
	if fingerprint == "" {
		return nil, fmt.Errorf("fingerprint is required")
	}

	i := &Identity{store: store, fingerprint: fingerprint}

	id, _, err := store.Get(i.key(keyIdentityID))
	if err != nil {
		return nil, fmt.Errorf("failed to load identity id: %w", err)
	}
	secret, _, err := store.Get(i.key(keyIdentitySecret))
	if err != nil {
		return nil, fmt.Errorf("failed to load identity secret: %w", err)
	}

	i.id = id
	i.secret = secret
	return i, nil
}

func (i *Identity) key(name string) string {
	return name + "_" + i.fingerprint
}

// Fingerprint returns the instance fingerprint
func (i *Identity) Fingerprint() string {
	return i.fingerprint
}

// ID returns the identity id, empty if none was issued yet
func (i *Identity) ID() string {
	i.mu.RLock()
	defer i.mu.RUnlock()
	return i.id
}

// Secret returns the identity secret
func (i *Identity) Secret() string {
	i.mu.RLock()
	defer i.mu.RUnlock()
	return i.secret
}

// Registered reports whether an id and secret are present
func (i *Identity) Registered() bool {
	i.mu.RLock()
	defer i.mu.RUnlock()
	return i.id != "" && i.secret != ""
}

// OnIDChange registers fn to run when SetIDAndSecret replaces the id.
// Consumers use it to drop caches tied to the previous identity.
func (i *Identity) OnIDChange(fn func(oldID, newID string)) {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.onChange = append(i.onChange, fn)
}

// SetIDAndSecret stores a new identity. Change hooks fire after both values
// are persisted and only when the id differs from the stored one.
func (i *Identity) SetIDAndSecret(id, secret string) error {
	oldID, _, err := i.store.Get(i.key(keyIdentityID))
	if err != nil {
		return fmt.Errorf("failed to read current identity id: %w", err)
	}

	if err := i.store.Set(i.key(keyIdentityID), id); err != nil {
		return err
	}
	if err := i.store.Set(i.key(keyIdentitySecret), secret); err != nil {
		return err
	}

	i.mu.Lock()
	i.id = id
	i.secret = secret
	hooks := make([]func(oldID, newID string), len(i.onChange))
	copy(hooks, i.onChange)
	i.mu.Unlock()

	if oldID != id {
		for _, fn := range hooks {
			fn(oldID, id)
		}
	}
	return nil
}
