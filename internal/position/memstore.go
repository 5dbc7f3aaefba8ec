package position

import (
	"context"
	"sync"
)

// MemStore is an in-memory position Store for tests and dev deployments.
type MemStore struct {
	mu   sync.Mutex
	rows map[Key]Position
}

// NewMemStore creates an empty in-memory position store.
func NewMemStore() *MemStore {
	return &MemStore{rows: make(map[Key]Position)}
}

func (s *MemStore) Get(ctx context.Context, key Key) (*Position, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.rows[key]
	if !ok {
		return nil, ErrNotFound
	}
	out := p
	return &out, nil
}

func (s *MemStore) Put(ctx context.Context, p *Position) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.rows[p.Key] = *p
	return nil
}

// Len reports the number of stored rows. Test helper for the uniqueness
// invariant.
func (s *MemStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.rows)
}
