package account

import (
	"context"
	"sync"

	"github.com/google/uuid"
)

// MemStore is an in-memory Store. Used by tests and single-node dev
// deployments without Postgres.
type MemStore struct {
	mu       sync.Mutex
	accounts map[uuid.UUID]*Account
}

// NewMemStore creates an empty in-memory account store.
func NewMemStore() *MemStore {
	return &MemStore{accounts: make(map[uuid.UUID]*Account)}
}

// Get returns a deep copy of the stored aggregate, or a fresh empty
// aggregate at revision 0 if the account is unknown.
func (s *MemStore) Get(ctx context.Context, id uuid.UUID) (*Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	a, ok := s.accounts[id]
	if !ok {
		return &Account{ID: id}, nil
	}
	return a.Clone(), nil
}

// Save applies the compare-and-set: the write succeeds only if the stored
// revision still equals a.Revision. On success the stored copy and a are
// both advanced to the next revision.
func (s *MemStore) Save(ctx context.Context, a *Account) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cur, ok := s.accounts[a.ID]
	if ok && cur.Revision != a.Revision {
		return ErrRevisionConflict
	}
	if !ok && a.Revision != 0 {
		return ErrRevisionConflict
	}

	next := a.Clone()
	next.Revision = a.Revision + 1
	s.accounts[a.ID] = next
	a.Revision = next.Revision
	return nil
}
