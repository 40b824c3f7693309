package memory

import (
	"context"
	"sync"

	audit "anchorline/pkg/platform/audit"
)

type resourceKey struct {
	resourceType string
	resourceID   string
}

// InMemoryStore keeps audit entries in process memory. Test and development
// sink; production uses the postgres store.
type InMemoryStore struct {
	mu      sync.RWMutex
	entries map[resourceKey][]audit.Entry
	order   []audit.Entry
}

func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{entries: make(map[resourceKey][]audit.Entry)}
}

func (s *InMemoryStore) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = make(map[resourceKey][]audit.Entry)
	s.order = nil
}

func (s *InMemoryStore) Append(_ context.Context, entry audit.Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := resourceKey{entry.ResourceType, entry.ResourceID}
	s.entries[key] = append(s.entries[key], entry)
	s.order = append(s.order, entry)
	return nil
}

func (s *InMemoryStore) ListByResource(_ context.Context, resourceType, resourceID string) ([]audit.Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	key := resourceKey{resourceType, resourceID}
	return append([]audit.Entry{}, s.entries[key]...), nil
}

// ListRecent returns the most recent N entries in append order.
func (s *InMemoryStore) ListRecent(_ context.Context, limit int) ([]audit.Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	start := len(s.order) - limit
	if start < 0 {
		start = 0
	}
	return append([]audit.Entry{}, s.order[start:]...), nil
}
