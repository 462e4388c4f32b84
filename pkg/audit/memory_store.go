package audit

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

// MemoryStore keeps records in process memory
type MemoryStore struct {
	mu      sync.RWMutex
	records map[string]*Record
}

// NewMemoryStore creates an empty MemoryStore
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[string]*Record)}
}

// Create implements Store
func (s *MemoryStore) Create(ctx context.Context, rec *Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.records[rec.RequestID]; ok {
		return fmt.Errorf("%s: %w", rec.RequestID, ErrExists)
	}
	rec.Version = 1
	s.records[rec.RequestID] = rec.Clone()
	return nil
}

// Save implements Store
func (s *MemoryStore) Save(ctx context.Context, rec *Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	stored, ok := s.records[rec.RequestID]
	if !ok {
		return fmt.Errorf("%s: %w", rec.RequestID, ErrNotFound)
	}
	if stored.Version != rec.Version {
		return fmt.Errorf("%s at version %d: %w", rec.RequestID, rec.Version, ErrConflict)
	}
	rec.Version++
	s.records[rec.RequestID] = rec.Clone()
	return nil
}

// Get implements Store
func (s *MemoryStore) Get(ctx context.Context, requestID string) (*Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.records[requestID]
	if !ok {
		return nil, fmt.Errorf("%s: %w", requestID, ErrNotFound)
	}
	return rec.Clone(), nil
}

// Search implements Store
func (s *MemoryStore) Search(ctx context.Context, filter Filter) ([]*Record, error) {
	s.mu.RLock()
	out := make([]*Record, 0, len(s.records))
	for _, rec := range s.records {
		if filter.matches(rec) {
			out = append(out, rec.Clone())
		}
	}
	s.mu.RUnlock()

	sortNewestFirst(out)
	return filter.page(out), nil
}

// Prune implements Store
func (s *MemoryStore) Prune(ctx context.Context, before time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var removed int64
	for id, rec := range s.records {
		if rec.CreatedAt.Before(before) {
			delete(s.records, id)
			removed++
		}
	}
	return removed, nil
}

// Len returns the number of stored records
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.records)
}

func sortNewestFirst(records []*Record) {
	sort.SliceStable(records, func(i, j int) bool {
		if records[i].CreatedAt.Equal(records[j].CreatedAt) {
			return records[i].RequestID < records[j].RequestID
		}
		return records[i].CreatedAt.After(records[j].CreatedAt)
	})
}
