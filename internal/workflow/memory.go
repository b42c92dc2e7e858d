package workflow

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// MemoryStore is the default in-process Store.
type MemoryStore struct {
	mu       sync.RWMutex
	removals map[string]*Removal
}

// NewMemoryStore returns a store seeded with the given removals.
func NewMemoryStore(seed ...Removal) *MemoryStore {
	s := &MemoryStore{removals: make(map[string]*Removal, len(seed))}
	for _, r := range seed {
		r := clone(r)
		s.removals[r.Code] = &r
	}
	return s
}

func (s *MemoryStore) Removals(_ context.Context) ([]Removal, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Removal, 0, len(s.removals))
	for _, r := range s.removals {
		out = append(out, clone(*r))
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].Code < out[j].Code
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

func (s *MemoryStore) Removal(_ context.Context, code string) (Removal, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.removals[code]
	if !ok {
		return Removal{}, fmt.Errorf("removal %q: %w", code, ErrUnknownRemoval)
	}
	return clone(*r), nil
}

func (s *MemoryStore) UpdateRemoval(_ context.Context, code string, u Update) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.removals[code]
	if !ok {
		return fmt.Errorf("removal %q: %w", code, ErrUnknownRemoval)
	}
	if u.Status != nil {
		r.Status = *u.Status
	}
	r.History = append(r.History, u.History...)
	return nil
}

func (s *MemoryStore) Create(_ context.Context, r Removal) error {
	if r.Code == "" {
		return fmt.Errorf("removal code is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.removals[r.Code]; exists {
		return fmt.Errorf("removal %q already exists", r.Code)
	}
	r = clone(r)
	s.removals[r.Code] = &r
	return nil
}
