// Package memory provides in-process fallbacks for the persistence layer.
// They are used when PostgreSQL or Redis are not configured; state does not
// survive a restart.
package memory

import (
	"context"
	"sync"

	"github.com/vietddude/relay/internal/core/domain"
)

// CredentialStore keeps the pairing credentials in memory.
type CredentialStore struct {
	mu    sync.Mutex
	creds *domain.Credentials
}

func NewCredentialStore() *CredentialStore {
	return &CredentialStore{}
}

func (s *CredentialStore) Load(ctx context.Context) (*domain.Credentials, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.creds == nil {
		return nil, nil
	}
	c := *s.creds
	return &c, nil
}

func (s *CredentialStore) Save(ctx context.Context, creds *domain.Credentials) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := *creds
	s.creds = &c
	return nil
}

func (s *CredentialStore) Delete(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.creds = nil
	return nil
}

func (s *CredentialStore) Has(ctx context.Context) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.creds != nil, nil
}
