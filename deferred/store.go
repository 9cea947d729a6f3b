package deferred

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// Store persists deferred records.
//
// Implementations must be thread-safe!
type Store interface {
	Insert(ctx context.Context, rec Record) error
	// List returns the records of a kind, oldest first.
	List(ctx context.Context, kind Kind) ([]Record, error)
	// Update replaces the record with the same id.
	Update(ctx context.Context, rec Record) error
	Delete(ctx context.Context, id string) error
	Count(ctx context.Context, kind Kind) (int, error)
	Close() error
}

type MemStore struct {
	mutex   *sync.RWMutex
	records map[string]Record
}

func NewMemStore() *MemStore {
	return &MemStore{
		mutex:   &sync.RWMutex{},
		records: make(map[string]Record),
	}
}

func (m *MemStore) Insert(ctx context.Context, rec Record) error {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	if _, ok := m.records[rec.ID]; ok {
		return fmt.Errorf("record %s already exists", rec.ID)
	}
	m.records[rec.ID] = rec
	return nil
}

func (m *MemStore) List(ctx context.Context, kind Kind) ([]Record, error) {
	m.mutex.RLock()
	defer m.mutex.RUnlock()
	records := make([]Record, 0)
	for _, rec := range m.records {
		if rec.Kind == kind {
			records = append(records, rec)
		}
	}
	sort.Slice(records, func(i, j int) bool {
		if records[i].CreatedAt.Equal(records[j].CreatedAt) {
			return records[i].ID < records[j].ID
		}
		return records[i].CreatedAt.Before(records[j].CreatedAt)
	})
	return records, nil
}

func (m *MemStore) Update(ctx context.Context, rec Record) error {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	if _, ok := m.records[rec.ID]; !ok {
		return fmt.Errorf("record %s not found", rec.ID)
	}
	m.records[rec.ID] = rec
	return nil
}

func (m *MemStore) Delete(ctx context.Context, id string) error {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	delete(m.records, id)
	return nil
}

func (m *MemStore) Count(ctx context.Context, kind Kind) (int, error) {
	m.mutex.RLock()
	defer m.mutex.RUnlock()
	count := 0
	for _, rec := range m.records {
		if rec.Kind == kind {
			count++
		}
	}
	return count, nil
}

func (m *MemStore) Close() error {
	return nil
}
