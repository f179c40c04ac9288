package wallet

import (
	"errors"
	"sync"
)

// ErrNoCredentials is returned when no API key is stored for a wallet.
var ErrNoCredentials = errors.New("no credentials stored for wallet")

// CredentialStore is the secure-storage collaborator. Real apps back this
// with the platform keychain; the core never persists keys itself.
type CredentialStore interface {
	APIKey(walletID string) (string, error)
	StoreAPIKey(walletID, key string) error
	RemoveAPIKey(walletID string) error

	// DefaultWalletID caches the backend-side wallet identifier derived
	// from the API key, so it is not re-fetched on every payment.
	DefaultWalletID(walletID string) (string, bool)
	StoreDefaultWalletID(walletID, remoteID string) error
}

// MemoryCredentials keeps credentials in process memory. Used by tests and
// by the CLI, where the key arrives through the environment anyway.
type MemoryCredentials struct {
	mu       sync.Mutex
	keys     map[string]string
	remoteID map[string]string
}

func NewMemoryCredentials() *MemoryCredentials {
	return &MemoryCredentials{
		keys:     make(map[string]string),
		remoteID: make(map[string]string),
	}
}

func (m *MemoryCredentials) APIKey(walletID string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key, ok := m.keys[walletID]
	if !ok {
		return "", ErrNoCredentials
	}
	return key, nil
}

func (m *MemoryCredentials) StoreAPIKey(walletID, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.keys[walletID] = key
	return nil
}

func (m *MemoryCredentials) RemoveAPIKey(walletID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.keys, walletID)
	delete(m.remoteID, walletID)
	return nil
}

func (m *MemoryCredentials) DefaultWalletID(walletID string) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id, ok := m.remoteID[walletID]
	return id, ok
}

func (m *MemoryCredentials) StoreDefaultWalletID(walletID, remoteID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.remoteID[walletID] = remoteID
	return nil
}
