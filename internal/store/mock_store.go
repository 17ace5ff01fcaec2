// ABOUTME: Mock CredentialStore implementation for testing
// ABOUTME: Allows tests to run without SQLite

package store

import (
	"context"
	"sync"
	"time"
)

// MockStore is an in-memory CredentialStore implementation for testing.
type MockStore struct {
	mu    sync.RWMutex
	creds map[string]*Credentials // keyed by profile
}

// NewMockStore creates a new MockStore.
func NewMockStore() *MockStore {
	return &MockStore{
		creds: make(map[string]*Credentials),
	}
}

// SaveCredentials stores a copy of creds.
func (m *MockStore) SaveCredentials(ctx context.Context, creds *Credentials) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	c := *creds
	if c.Profile == "" {
		c.Profile = DefaultProfile
	}
	if c.UpdatedAt.IsZero() {
		c.UpdatedAt = time.Now().UTC()
	}
	m.creds[c.Profile] = &c
	return nil
}

// GetCredentials returns a copy of the stored credentials.
func (m *MockStore) GetCredentials(ctx context.Context, profile string) (*Credentials, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	c, ok := m.creds[profile]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *c
	return &cp, nil
}

// DeleteCredentials removes a profile.
func (m *MockStore) DeleteCredentials(ctx context.Context, profile string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.creds, profile)
	return nil
}

// Close is a no-op.
func (m *MockStore) Close() error {
	return nil
}
