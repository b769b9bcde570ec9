package rules

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// InMemoryStore is a simple in-process rule store for local/dev use.
type InMemoryStore struct {
	mu    sync.RWMutex
	rules map[string]Rule
}

func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{rules: make(map[string]Rule)}
}

func (s *InMemoryStore) Put(_ context.Context, rule Rule) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if rule.ID == "" {
		rule.ID = uuid.NewString()
	}
	if rule.UpdatedAt.IsZero() {
		rule.UpdatedAt = time.Now().UTC()
	}
	s.rules[rule.ID] = rule
	return nil
}

func (s *InMemoryStore) Get(_ context.Context, id string) (Rule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.rules[id]
	if !ok {
		return Rule{}, ErrNotFound
	}
	return r, nil
}

func (s *InMemoryStore) List(_ context.Context) ([]Rule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Rule, 0, len(s.rules))
	for _, r := range s.rules {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *InMemoryStore) Deactivate(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.rules[id]
	if !ok {
		return ErrNotFound
	}
	r.Active = false
	r.UpdatedAt = time.Now().UTC()
	s.rules[id] = r
	return nil
}

func (s *InMemoryStore) Close() error { return nil }
