package cache

import (
	"context"

	lru "github.com/hashicorp/golang-lru/v2"
)

// DefaultMemCacheSize is the entry bound used when no size is given.
const DefaultMemCacheSize = 1024

// MemCache is a bounded in-process store with least-recently-used eviction.
// It is meant for ephemeral caches and tests.
type MemCache struct {
	entries *lru.Cache[string, []byte]
}

// NewMemCache creates an in-memory cache bounded to the given number of
// entries. A non-positive size falls back to DefaultMemCacheSize.
func NewMemCache(size int) *MemCache {
	if size <= 0 {
		size = DefaultMemCacheSize
	}
	// lru.New only fails on non-positive sizes, which are handled above.
	entries, err := lru.New[string, []byte](size)
	if err != nil {
		panic(err)
	}
	return &MemCache{entries: entries}
}

func (m *MemCache) Get(ctx context.Context, key string) ([]byte, bool, error) {
	value, ok := m.entries.Get(key)
	return value, ok, nil
}

func (m *MemCache) Put(ctx context.Context, key string, value []byte) error {
	// Copy so later mutation of the caller's slice cannot tear a stored entry.
	stored := make([]byte, len(value))
	copy(stored, value)
	m.entries.Add(key, stored)
	return nil
}

func (m *MemCache) Delete(ctx context.Context, key string) error {
	m.entries.Remove(key)
	return nil
}

func (m *MemCache) Close() error {
	m.entries.Purge()
	return nil
}

// Len returns the number of stored entries.
func (m *MemCache) Len() int {
	return m.entries.Len()
}
