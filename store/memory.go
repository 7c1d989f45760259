package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

// MemoryStore is an in-process RecordStore with the same semantics as the
// SQLite implementation. Records are copied on write and read so callers
// cannot mutate stored state through shared maps.
type MemoryStore struct {
	mu      sync.RWMutex
	records map[string]*Record
}

var _ RecordStore = (*MemoryStore)(nil)

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: map[string]*Record{}}
}

func (s *MemoryStore) Save(_ context.Context, rec *Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UTC()
	cp := cloneRecord(rec)
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = now
	}
	if existing, ok := s.records[cp.ID]; ok {
		cp.CreatedAt = existing.CreatedAt
	}
	cp.UpdatedAt = now
	rec.CreatedAt = cp.CreatedAt
	rec.UpdatedAt = cp.UpdatedAt
	s.records[cp.ID] = cp
	return nil
}

func (s *MemoryStore) Get(_ context.Context, id string) (*Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.records[id]
	if !ok {
		return nil, fmt.Errorf("store: %w: %s", ErrNotFound, id)
	}
	return cloneRecord(rec), nil
}

func (s *MemoryStore) List(_ context.Context, f ListFilter) ([]*Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*Record
	for _, rec := range s.records {
		if f.Status != "" && rec.Status != f.Status {
			continue
		}
		if f.TaskID != "" && rec.TaskID != f.TaskID {
			continue
		}
		out = append(out, cloneRecord(rec))
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

func (s *MemoryStore) UpdateStatus(_ context.Context, id, status string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[id]
	if !ok {
		return fmt.Errorf("store: %w: %s", ErrNotFound, id)
	}
	rec.Status = status
	rec.UpdatedAt = time.Now().UTC()
	return nil
}

func (s *MemoryStore) Close() error { return nil }

func cloneRecord(rec *Record) *Record {
	cp := *rec
	if rec.Fields != nil {
		cp.Fields = make(map[string]any, len(rec.Fields))
		for k, v := range rec.Fields {
			cp.Fields[k] = v
		}
	}
	if rec.Entities != nil {
		cp.Entities = make([]map[string]any, len(rec.Entities))
		for i, e := range rec.Entities {
			m := make(map[string]any, len(e))
			for k, v := range e {
				m[k] = v
			}
			cp.Entities[i] = m
		}
	}
	return &cp
}
