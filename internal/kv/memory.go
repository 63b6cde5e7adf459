package kv

import (
	"context"
	"sync"
	"time"
)

type memoryEntry struct {
	value   string
	members map[string]struct{}
	expiry  time.Time
}

func (e *memoryEntry) expired(now time.Time) bool {
	return !e.expiry.IsZero() && !now.Before(e.expiry)
}

// MemoryStore is an in-process Store for development and tests. Expired
// keys are dropped lazily on access.
type MemoryStore struct {
	mu      sync.Mutex
	entries map[string]*memoryEntry
	now     func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{entries: make(map[string]*memoryEntry), now: time.Now}
}

func (m *MemoryStore) live(key string) *memoryEntry {
	entry, ok := m.entries[key]
	if !ok {
		return nil
	}
	if entry.expired(m.now()) {
		delete(m.entries, key)
		return nil
	}
	return entry
}

func (m *MemoryStore) Set(_ context.Context, key, value string, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	entry := &memoryEntry{value: value}
	if ttl > 0 {
		entry.expiry = m.now().Add(ttl)
	}
	m.entries[key] = entry
	return nil
}

func (m *MemoryStore) Get(_ context.Context, key string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	entry := m.live(key)
	if entry == nil || entry.members != nil {
		return "", ErrNotFound
	}
	return entry.value, nil
}

func (m *MemoryStore) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	delete(m.entries, key)
	m.mu.Unlock()
	return nil
}

func (m *MemoryStore) SetAdd(_ context.Context, key, member string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	entry := m.live(key)
	if entry == nil || entry.members == nil {
		entry = &memoryEntry{members: make(map[string]struct{})}
		m.entries[key] = entry
	}
	entry.members[member] = struct{}{}
	return nil
}

func (m *MemoryStore) SetRemove(_ context.Context, key, member string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	entry := m.live(key)
	if entry == nil || entry.members == nil {
		return nil
	}
	delete(entry.members, member)
	if len(entry.members) == 0 {
		delete(m.entries, key)
	}
	return nil
}

func (m *MemoryStore) SetCardinality(_ context.Context, key string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	entry := m.live(key)
	if entry == nil {
		return 0, nil
	}
	return int64(len(entry.members)), nil
}

func (m *MemoryStore) SetIsMember(_ context.Context, key, member string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	entry := m.live(key)
	if entry == nil || entry.members == nil {
		return false, nil
	}
	_, ok := entry.members[member]
	return ok, nil
}

func (m *MemoryStore) Ping(context.Context) error { return nil }

func (m *MemoryStore) Close() error { return nil }
