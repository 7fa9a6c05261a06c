package userstore

import (
	"context"
	"sync"
)

// MemoryStore is seeded from config. It backs local runs and tests.
type MemoryStore struct {
	mu       sync.RWMutex
	accounts map[string]Account
}

func NewMemoryStore(accounts ...Account) *MemoryStore {
	s := &MemoryStore{accounts: make(map[string]Account, len(accounts))}
	for _, a := range accounts {
		s.Put(a)
	}
	return s
}

func (s *MemoryStore) Put(a Account) {
	a.Permissions = append([]string(nil), a.Permissions...)
	s.mu.Lock()
	s.accounts[a.ID] = a
	s.mu.Unlock()
}

func (s *MemoryStore) Lookup(_ context.Context, userID string) (Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.accounts[userID]
	if !ok {
		return Account{}, ErrNotFound
	}
	a.Permissions = append([]string(nil), a.Permissions...)
	return a, nil
}
