package cache

import (
	"context"
	"sort"
	"sync"
)

type MemStore struct {
	mutex      *sync.RWMutex
	partitions map[string]*memPartition
}

func NewMemStore() *MemStore {
	return &MemStore{
		mutex:      &sync.RWMutex{},
		partitions: make(map[string]*memPartition),
	}
}

func (m *MemStore) Open(ctx context.Context, name string) (Partition, error) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	p, ok := m.partitions[name]
	if !ok {
		p = &memPartition{
			store:   m,
			name:    name,
			mutex:   &sync.RWMutex{},
			entries: make(map[string]Entry),
		}
		m.partitions[name] = p
	}
	return p, nil
}

func (m *MemStore) Has(ctx context.Context, name string) (bool, error) {
	m.mutex.RLock()
	defer m.mutex.RUnlock()
	_, ok := m.partitions[name]
	return ok, nil
}

func (m *MemStore) Names(ctx context.Context) ([]string, error) {
	m.mutex.RLock()
	defer m.mutex.RUnlock()
	names := make([]string, 0, len(m.partitions))
	for name := range m.partitions {
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

func (m *MemStore) Delete(ctx context.Context, name string) (bool, error) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	p, ok := m.partitions[name]
	if ok {
		p.dropped()
		delete(m.partitions, name)
	}
	return ok, nil
}

func (m *MemStore) Close() error {
	return nil
}

// revive re-registers a partition handle which was used after its partition was deleted.
func (m *MemStore) revive(p *memPartition) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	if current, ok := m.partitions[p.name]; ok && current != p {
		return
	}
	m.partitions[p.name] = p
}

type memPartition struct {
	store   *MemStore
	name    string
	mutex   *sync.RWMutex
	entries map[string]Entry
	deleted bool
}

func (p *memPartition) Name() string {
	return p.name
}

func (p *memPartition) Get(ctx context.Context, key string) (Entry, bool, error) {
	p.mutex.RLock()
	defer p.mutex.RUnlock()
	entry, ok := p.entries[key]
	return entry, ok, nil
}

func (p *memPartition) Put(ctx context.Context, entry Entry) error {
	p.mutex.Lock()
	revive := p.deleted
	p.deleted = false
	p.entries[entry.Key] = entry
	p.mutex.Unlock()
	if revive {
		p.store.revive(p)
	}
	return nil
}

func (p *memPartition) Delete(ctx context.Context, key string) error {
	p.mutex.Lock()
	defer p.mutex.Unlock()
	delete(p.entries, key)
	return nil
}

func (p *memPartition) Count(ctx context.Context) (int, error) {
	p.mutex.RLock()
	defer p.mutex.RUnlock()
	return len(p.entries), nil
}

func (p *memPartition) Keys(ctx context.Context, cb func(string)) error {
	p.mutex.RLock()
	keys := make([]string, 0, len(p.entries))
	for key := range p.entries {
		keys = append(keys, key)
	}
	p.mutex.RUnlock()
	sort.Strings(keys)
	for _, key := range keys {
		cb(key)
	}
	return nil
}

func (p *memPartition) dropped() {
	p.mutex.Lock()
	defer p.mutex.Unlock()
	p.deleted = true
	p.entries = make(map[string]Entry)
}
