package tokenauth

import (
	"sync"

	"golang.org/x/crypto/bcrypt"

	"github.com/opencrate/registry"
)

// CredentialStore verifies the local Basic-auth fallback principal used when
// token auth is globally disabled. It holds only a username and a
// bcrypt hash; namespace roles are still evaluated through PermissionSource.
type CredentialStore struct {
	mu          sync.RWMutex
	credentials map[string]*registry.Credential
}

func NewCredentialStore() *CredentialStore {
	return &CredentialStore{credentials: make(map[string]*registry.Credential)}
}

// SetHash stores a precomputed bcrypt hash under username, as loaded from
// configuration rather than set interactively.
func (s *CredentialStore) SetHash(username string, hash []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.credentials[username] = &registry.Credential{Username: username, BcryptHash: hash}
}

// SetPassword hashes password with bcrypt and stores it under username,
// replacing any prior credential for that user.
func (s *CredentialStore) SetPassword(username, password string) error {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.credentials[username] = &registry.Credential{Username: username, BcryptHash: hash}
	return nil
}

// Verify reports whether password matches the stored hash for username. A
// username with no stored credential never verifies, regardless of password.
func (s *CredentialStore) Verify(username, password string) bool {
	s.mu.RLock()
	cred, ok := s.credentials[username]
	s.mu.RUnlock()
	if !ok || cred == nil {
		return false
	}
	return bcrypt.CompareHashAndPassword(cred.BcryptHash, []byte(password)) == nil
}
