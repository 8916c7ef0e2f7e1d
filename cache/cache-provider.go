package cache

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"
)

// ErrStoreNotFound is returned when writing to a cache store that does not exist
// (never opened, or deleted since).
var ErrStoreNotFound = errors.New("cache store not found")

// Storage is a collection of named cache stores (cache generations).
// It stores and retrieves []byte values, which represent HTTP responses.
//
// Implementations must be thread-safe!
type Storage interface {
	// Open returns the named store, creating it if it does not exist.
	Open(ctx context.Context, name string) (Store, error)
	// Store returns a handle to the named store without creating it.
	// Reads from a store that does not exist find nothing,
	// writes fail with ErrStoreNotFound.
	Store(name string) Store
	// Has checks if the named store exists.
	Has(ctx context.Context, name string) (bool, error)
	// Delete removes the named store and all of its entries.
	// It returns false if there was no such store.
	Delete(ctx context.Context, name string) (bool, error)
	// Names returns the names of all stores, in creation order.
	Names(ctx context.Context) ([]string, error)
}

// Store is a single named collection of cache entries.
type Store interface {
	Name() string
	// Get returns the entry for the given key, if it exists.
	// It also returns a boolean indicating whether retrieval was successful.
	Get(ctx context.Context, key string) (Entry, bool, error)
	// Put stores the bytes under the given key, overwriting any previous entry.
	Put(ctx context.Context, key string, bytes []byte) error
	// Delete removes the entry for the given key.
	Delete(ctx context.Context, key string) (bool, error)
	// Keys returns all keys of the store, oldest entry first.
	Keys(ctx context.Context) ([]string, error)
}

type Entry struct {
	Key      string
	StoredAt time.Time
	Bytes    []byte
}

// sortEntries orders entries by insertion time, breaking ties by key.
func sortEntries(entries []Entry) []string {
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].StoredAt.Equal(entries[j].StoredAt) {
			return entries[i].Key < entries[j].Key
		}
		return entries[i].StoredAt.Before(entries[j].StoredAt)
	})
	keys := make([]string, 0, len(entries))
	for _, e := range entries {
		keys = append(keys, e.Key)
	}
	return keys
}

// clock hands out strictly increasing wall-clock times, so that entries
// written in quick succession keep their insertion order.
type clock struct {
	mutex sync.Mutex
	last  time.Time
}

func (c *clock) now() time.Time {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	now := time.Now().Round(0)
	if !now.After(c.last) {
		now = c.last.Add(time.Nanosecond)
	}
	c.last = now
	return now
}

type memStore struct {
	created time.Time
	entries map[string]Entry
}

type MemStorage struct {
	mutex  *sync.RWMutex
	stores map[string]*memStore
	clock  *clock
}

func NewMemStorage() *MemStorage {
	return &MemStorage{
		mutex:  &sync.RWMutex{},
		stores: make(map[string]*memStore),
		clock:  &clock{},
	}
}

func (m *MemStorage) Open(ctx context.Context, name string) (Store, error) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	if _, ok := m.stores[name]; !ok {
		m.stores[name] = &memStore{
			created: m.clock.now(),
			entries: make(map[string]Entry),
		}
	}
	return m.Store(name), nil
}

func (m *MemStorage) Store(name string) Store {
	return memStoreHandle{storage: m, name: name}
}

func (m *MemStorage) Has(ctx context.Context, name string) (bool, error) {
	m.mutex.RLock()
	defer m.mutex.RUnlock()
	_, ok := m.stores[name]
	return ok, nil
}

func (m *MemStorage) Delete(ctx context.Context, name string) (bool, error) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	_, ok := m.stores[name]
	delete(m.stores, name)
	return ok, nil
}

func (m *MemStorage) Names(ctx context.Context) ([]string, error) {
	m.mutex.RLock()
	defer m.mutex.RUnlock()
	names := make([]string, 0, len(m.stores))
	for name := range m.stores {
		names = append(names, name)
	}
	sort.Slice(names, func(i, j int) bool {
		ci, cj := m.stores[names[i]].created, m.stores[names[j]].created
		if ci.Equal(cj) {
			return names[i] < names[j]
		}
		return ci.Before(cj)
	})
	return names, nil
}

type memStoreHandle struct {
	storage *MemStorage
	name    string
}

func (h memStoreHandle) Name() string {
	return h.name
}

func (h memStoreHandle) Get(ctx context.Context, key string) (Entry, bool, error) {
	h.storage.mutex.RLock()
	defer h.storage.mutex.RUnlock()
	store, ok := h.storage.stores[h.name]
	if !ok {
		return Entry{}, false, nil
	}
	entry, ok := store.entries[key]
	return entry, ok, nil
}

func (h memStoreHandle) Put(ctx context.Context, key string, bytes []byte) error {
	h.storage.mutex.Lock()
	defer h.storage.mutex.Unlock()
	store, ok := h.storage.stores[h.name]
	if !ok {
		return ErrStoreNotFound
	}
	store.entries[key] = Entry{
		Key:      key,
		StoredAt: h.storage.clock.now(),
		Bytes:    append([]byte(nil), bytes...),
	}
	return nil
}

func (h memStoreHandle) Delete(ctx context.Context, key string) (bool, error) {
	h.storage.mutex.Lock()
	defer h.storage.mutex.Unlock()
	store, ok := h.storage.stores[h.name]
	if !ok {
		return false, nil
	}
	_, ok = store.entries[key]
	delete(store.entries, key)
	return ok, nil
}

func (h memStoreHandle) Keys(ctx context.Context) ([]string, error) {
	h.storage.mutex.RLock()
	defer h.storage.mutex.RUnlock()
	store, ok := h.storage.stores[h.name]
	if !ok {
		return nil, nil
	}
	entries := make([]Entry, 0, len(store.entries))
	for _, e := range store.entries {
		entries = append(entries, e)
	}
	return sortEntries(entries), nil
}
