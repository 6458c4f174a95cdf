package storage

import (
	"context"
	"sort"
	"sync"

	"car-sales-pipeline/models"
)

// MemoryStore keeps datasets in process memory. Tables are copied on the
// way in and out so callers never share rows with the store.
type MemoryStore struct {
	mu     sync.RWMutex
	tables map[string]*models.Table
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{tables: make(map[string]*models.Table)}
}

func (s *MemoryStore) Load(_ context.Context, name string) (*models.Table, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.tables[name]
	if !ok {
		return nil, notFound(name)
	}
	return t.Clone(), nil
}

func (s *MemoryStore) Save(_ context.Context, name string, table *models.Table, mode SaveMode) error {
	if err := ValidateName(name); err != nil {
		return err
	}
	if err := table.Validate(); err != nil {
		return err
	}

	next := table.Clone()

	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.tables[name]; ok && mode == Append {
		merged, err := merge(existing, next)
		if err != nil {
			return err
		}
		next = merged
	}
	s.tables[name] = next
	return nil
}

func (s *MemoryStore) List(_ context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	names := make([]string, 0, len(s.tables))
	for n := range s.tables {
		names = append(names, n)
	}
	sort.Strings(names)
	return names, nil
}

func (s *MemoryStore) Close() error { return nil }
