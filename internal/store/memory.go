package store

import (
	"context"
	"sort"
	"sync"
)

// MemoryStore keeps records in a map. Contents are lost on exit.
type MemoryStore struct {
	mu      sync.RWMutex
	records map[string]Record
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[string]Record)}
}

func (s *MemoryStore) Put(_ context.Context, name string, doc []byte) (*Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t := now()
	rec, ok := s.records[name]
	if !ok {
		rec = Record{Name: name, CreatedAt: t}
	}
	rec.Document = append([]byte(nil), doc...)
	rec.UpdatedAt = t
	s.records[name] = rec
	out := rec
	return &out, nil
}

func (s *MemoryStore) Get(_ context.Context, name string) (*Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.records[name]
	if !ok {
		return nil, notFound(name)
	}
	rec.Document = append([]byte(nil), rec.Document...)
	return &rec, nil
}

func (s *MemoryStore) List(_ context.Context) ([]Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Record, 0, len(s.records))
	for _, rec := range s.records {
		rec.Document = append([]byte(nil), rec.Document...)
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (s *MemoryStore) Delete(_ context.Context, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.records[name]; !ok {
		return notFound(name)
	}
	delete(s.records, name)
	return nil
}

func (s *MemoryStore) Close() error { return nil }
