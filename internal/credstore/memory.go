// Package credstore persists the bearer credential behind the session store.
package credstore

import (
	"context"
	"sync"

	"campus.org/internal/session"
)

var _ session.CredentialStore = (*Memory)(nil)

// Memory keeps the credential in process memory.
type Memory struct {
	mu   sync.Mutex
	cred *session.Credential
}

// NewMemory constructs an empty in-memory store.
func NewMemory() *Memory { return &Memory{} }

func (m *Memory) Load(ctx context.Context) (session.Credential, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.cred == nil {
		return session.Credential{}, session.ErrNoCredential
	}
	return *m.cred, nil
}

func (m *Memory) Save(ctx context.Context, cred session.Credential) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c := cred
	m.cred = &c
	return nil
}

func (m *Memory) Clear(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cred = nil
	return nil
}
