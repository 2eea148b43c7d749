package cache

import (
	"context"
	"slices"
	"sync"

	"github.com/knoguchi/medrag/internal/domain"
)

// MemoryStore keeps entries in process memory.
type MemoryStore struct {
	mu      sync.RWMutex
	entries map[string]*domain.Corpus
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{entries: make(map[string]*domain.Corpus)}
}

// Get implements Store.
func (s *MemoryStore) Get(_ context.Context, key string) (*domain.Corpus, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	entry, ok := s.entries[key]
	if !ok {
		return nil, nil
	}
	cp := *entry
	return &cp, nil
}

// Put implements Store.
func (s *MemoryStore) Put(_ context.Context, entry *domain.Corpus) error {
	cp := *entry
	s.mu.Lock()
	s.entries[entry.Key] = &cp
	s.mu.Unlock()
	return nil
}

// Delete implements Store.
func (s *MemoryStore) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	delete(s.entries, key)
	s.mu.Unlock()
	return nil
}

// Clear implements Store.
func (s *MemoryStore) Clear(_ context.Context) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	keys := make([]string, 0, len(s.entries))
	for k := range s.entries {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	s.entries = make(map[string]*domain.Corpus)
	return keys, nil
}

// Len returns the number of entries.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}

var _ Store = (*MemoryStore)(nil)
