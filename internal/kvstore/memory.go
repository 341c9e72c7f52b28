package kvstore

import (
	"context"
	"sync"
	"time"
)

// MemoryStore is an in-process Store intended for tests and single-instance dev runs.
type MemoryStore struct {
	mutex   sync.Mutex
	entries map[string]*memoryEntry
	now     func() time.Time
}

type memoryEntry struct {
	fields    map[string]string
	value     string
	expiresAt time.Time
}

// NewMemoryStore constructs an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		entries: make(map[string]*memoryEntry),
		now:     time.Now,
	}
}

// WithClock replaces the time source used for expiry; intended for tests.
func (store *MemoryStore) WithClock(now func() time.Time) *MemoryStore {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	store.now = now
	return store
}

func (store *MemoryStore) HashSet(ctx context.Context, key string, fields map[string]string, expiresAt time.Time) error {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	entry := store.liveEntryLocked(key)
	if entry == nil || entry.fields == nil {
		entry = &memoryEntry{fields: make(map[string]string, len(fields))}
		store.entries[key] = entry
	}
	for name, value := range fields {
		entry.fields[name] = value
	}
	entry.expiresAt = expiresAt
	return nil
}

func (store *MemoryStore) HashUpdate(ctx context.Context, key string, fields map[string]string, expiresAt time.Time) (bool, error) {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	entry := store.liveEntryLocked(key)
	if entry == nil || entry.fields == nil {
		return false, nil
	}
	for name, value := range fields {
		entry.fields[name] = value
	}
	if !expiresAt.IsZero() {
		entry.expiresAt = expiresAt
	}
	return true, nil
}

func (store *MemoryStore) HashGetAll(ctx context.Context, key string) (map[string]string, error) {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	entry := store.liveEntryLocked(key)
	result := make(map[string]string)
	if entry == nil {
		return result, nil
	}
	for name, value := range entry.fields {
		result[name] = value
	}
	return result, nil
}

func (store *MemoryStore) SetIfAbsent(ctx context.Context, key string, value string, ttl time.Duration) (bool, error) {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	if store.liveEntryLocked(key) != nil {
		return false, nil
	}
	store.entries[key] = &memoryEntry{value: value, expiresAt: store.now().Add(ttl)}
	return true, nil
}

func (store *MemoryStore) DeleteIfValue(ctx context.Context, key string, value string) (bool, error) {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	entry := store.liveEntryLocked(key)
	if entry == nil || entry.fields != nil || entry.value != value {
		return false, nil
	}
	delete(store.entries, key)
	return true, nil
}

func (store *MemoryStore) Delete(ctx context.Context, key string) error {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	delete(store.entries, key)
	return nil
}

func (store *MemoryStore) Ping(ctx context.Context) error {
	return nil
}

func (store *MemoryStore) Close() error {
	return nil
}

// ExpiresAt reports the expiry recorded for key, if any.
func (store *MemoryStore) ExpiresAt(key string) (time.Time, bool) {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	entry := store.liveEntryLocked(key)
	if entry == nil {
		return time.Time{}, false
	}
	return entry.expiresAt, true
}

func (store *MemoryStore) liveEntryLocked(key string) *memoryEntry {
	entry, ok := store.entries[key]
	if !ok {
		return nil
	}
	if !entry.expiresAt.IsZero() && !store.now().Before(entry.expiresAt) {
		delete(store.entries, key)
		return nil
	}
	return entry
}
