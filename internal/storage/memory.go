package storage

import (
	"context"
	"sync"
	"time"

	"github.com/sdko-org/wms-filters/internal/cacheproxy"
)

type group struct {
	resource string
	kind     cacheproxy.Kind
}

type memEntry struct {
	storedAt time.Time
	bytes    []byte
}

// MemoryStore keeps entries in process memory, grouped by resource and kind
// so whole groups can be dropped at once.
type MemoryStore struct {
	mu     sync.RWMutex
	groups map[group]map[string]memEntry
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{groups: make(map[group]map[string]memEntry)}
}

func (m *MemoryStore) Get(_ context.Context, key cacheproxy.Key) ([]byte, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	entry, ok := m.groups[group{key.Resource, key.Kind}][key.SubKey]
	if !ok {
		return nil, false, nil
	}
	return entry.bytes, true, nil
}

func (m *MemoryStore) Set(_ context.Context, key cacheproxy.Key, value []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	g := group{key.Resource, key.Kind}
	entries, ok := m.groups[g]
	if !ok {
		entries = make(map[string]memEntry)
		m.groups[g] = entries
	}
	entries[key.SubKey] = memEntry{storedAt: time.Now(), bytes: append([]byte(nil), value...)}
	return nil
}

func (m *MemoryStore) Delete(_ context.Context, key cacheproxy.Key) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	g := group{key.Resource, key.Kind}
	delete(m.groups[g], key.SubKey)
	if len(m.groups[g]) == 0 {
		delete(m.groups, g)
	}
	return nil
}

func (m *MemoryStore) DeleteAll(_ context.Context, resource string, kind cacheproxy.Kind) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.groups, group{resource, kind})
	return nil
}

func (m *MemoryStore) PurgeExpired(_ context.Context, before time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int
	for g, entries := range m.groups {
		for sub, entry := range entries {
			if entry.storedAt.Before(before) {
				delete(entries, sub)
				n++
			}
		}
		if len(entries) == 0 {
			delete(m.groups, g)
		}
	}
	return n, nil
}

// Len returns the number of stored entries.
func (m *MemoryStore) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var n int
	for _, entries := range m.groups {
		n += len(entries)
	}
	return n
}
