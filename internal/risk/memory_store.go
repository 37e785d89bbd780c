package risk

import (
	"context"
	"sync"
)

// MemoryStore is an in-memory implementation of Store for demo/test use.
type MemoryStore struct {
	mu      sync.RWMutex
	records map[string][]*Record // domain → records, oldest first
}

// NewMemoryStore creates an in-memory risk record store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		records: make(map[string][]*Record),
	}
}

func (s *MemoryStore) Record(ctx context.Context, rec *Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.records[rec.Domain] = append(s.records[rec.Domain], copyRecord(rec))
	return nil
}

func (s *MemoryStore) ListByDomain(ctx context.Context, domain string, limit int) ([]*Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	all := s.records[domain]
	if len(all) == 0 {
		return nil, nil
	}

	// Most recent first, up to limit
	start := len(all) - limit
	if start < 0 {
		start = 0
	}

	result := make([]*Record, 0, len(all)-start)
	for i := len(all) - 1; i >= start; i-- {
		result = append(result, copyRecord(all[i]))
	}
	return result, nil
}

func copyRecord(rec *Record) *Record {
	r := *rec
	r.Reasons = append([]string(nil), rec.Reasons...)
	return &r
}
