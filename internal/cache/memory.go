package cache

import (
	"context"
	"fmt"
	"sync"
)

// MemoryStore keeps records in process memory. Useful for tests and one-shot runs.
type MemoryStore struct {
	mu      sync.Mutex
	records map[string]*Record
	bakes   map[string]*Bake
}

// NewMemoryStore creates an empty in-memory store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[string]*Record)}
}

// Get implements Store
func (s *MemoryStore) Get(_ context.Context, fingerprint string) (*Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[fingerprint]
	if !ok {
		return nil, ErrNotFound
	}
	out := *rec
	out.Outputs = copyOutputs(rec.Outputs)
	return &out, nil
}

// Put implements Store
func (s *MemoryStore) Put(_ context.Context, rec *Record) error {
	if rec == nil {
		return fmt.Errorf("cache record is nil")
	}
	stored := *rec
	stored.Outputs = copyOutputs(rec.Outputs)
	s.mu.Lock()
	s.records[rec.Fingerprint] = &stored
	s.mu.Unlock()
	return nil
}

// Delete implements Store
func (s *MemoryStore) Delete(_ context.Context, f Filter) (int, error) {
	return s.deleteWhere(f.Match), nil
}

// Len returns the number of stored records
func (s *MemoryStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.records)
}

func (s *MemoryStore) deleteWhere(match func(*Record) bool) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for fp, rec := range s.records {
		if match(rec) {
			delete(s.records, fp)
			n++
		}
	}
	return n
}
