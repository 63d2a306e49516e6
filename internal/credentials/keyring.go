package credentials

import (
	"errors"
	"fmt"
	"sync"

	"github.com/zalando/go-keyring"
)

// ErrNotFound is returned by a Keyring when no secret is stored.
var ErrNotFound = errors.New("secret not found in keyring")

// Keyring is the interface for keyring operations
type Keyring interface {
	Set(service, account, secret string) error
	Get(service, account string) (string, error)
	Delete(service, account string) error
}

// MemoryKeyring is an in-process Keyring for tests and headless runs.
type MemoryKeyring struct {
	mu    sync.RWMutex
	store map[string]map[string]string // service -> account -> secret
}

// NewMemoryKeyring creates an empty in-memory keyring
func NewMemoryKeyring() *MemoryKeyring {
	return &MemoryKeyring{
		store: make(map[string]map[string]string),
	}
}

// Set stores a secret
func (m *MemoryKeyring) Set(service, account, secret string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.store[service] == nil {
		m.store[service] = make(map[string]string)
	}
	m.store[service][account] = secret
	return nil
}

// Get retrieves a secret
func (m *MemoryKeyring) Get(service, account string) (string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if accounts, ok := m.store[service]; ok {
		if secret, ok := accounts[account]; ok {
			return secret, nil
		}
	}
	return "", fmt.Errorf("%s/%s: %w", service, account, ErrNotFound)
}

// Delete removes a secret
func (m *MemoryKeyring) Delete(service, account string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if accounts, ok := m.store[service]; ok {
		if _, ok := accounts[account]; ok {
			delete(accounts, account)
			return nil
		}
	}
	return fmt.Errorf("%s/%s: %w", service, account, ErrNotFound)
}

// SystemKeyring stores secrets in the OS keyring (Secret Service, Keychain,
// Windows Credential Manager).
type SystemKeyring struct{}

// Set stores a secret in the system keyring
func (SystemKeyring) Set(service, account, secret string) error {
	return keyring.Set(service, account, secret)
}

// Get retrieves a secret from the system keyring
func (SystemKeyring) Get(service, account string) (string, error) {
	secret, err := keyring.Get(service, account)
	if errors.Is(err, keyring.ErrNotFound) {
		return "", fmt.Errorf("%s/%s: %w", service, account, ErrNotFound)
	}
	return secret, err
}

// Delete removes a secret from the system keyring
func (SystemKeyring) Delete(service, account string) error {
	err := keyring.Delete(service, account)
	if errors.Is(err, keyring.ErrNotFound) {
		return fmt.Errorf("%s/%s: %w", service, account, ErrNotFound)
	}
	return err
}
