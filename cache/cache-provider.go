// Package cache defines the storage contract for encoded response
// envelopes and provides the reference backends: a content-addressed disk
// store, a bounded in-memory LRU store, a SQLite store and a Redis store.
package cache

import (
	"context"
	"io"
)

// CacheProvider is the capability set a storage backend must expose.
// It stores and retrieves []byte values, which represent encoded response
// envelopes. Providers never interpret the bytes.
//
// Implementations must be thread-safe, and a Put must be visible to any
// Get issued after it returns. A Get racing a Put may observe either the
// old or the new value, never a partially written one.
type CacheProvider interface {
	// Get returns the stored bytes for the given key, if any.
	// Absence is not an error: it is reported as (nil, false, nil).
	Get(ctx context.Context, key string) ([]byte, bool, error)
	// Put stores the given bytes under the given key, overwriting any
	// existing entry atomically from the caller's perspective.
	Put(ctx context.Context, key string, value []byte) error
	// Delete removes the entry for the given key. It is idempotent:
	// deleting an absent key succeeds.
	Delete(ctx context.Context, key string) error
	// Close flushes and releases the backing medium.
	Close() error
}

// StreamProvider is an optional extension for backends that can spool
// envelopes through a reader instead of requiring the full byte slice in
// memory. An entry written through PutReader must only become visible once
// the reader has been fully consumed without error; a failed or abandoned
// write leaves any previous entry untouched.
type StreamProvider interface {
	PutReader(ctx context.Context, key string, r io.Reader) error
	GetReader(ctx context.Context, key string) (io.ReadCloser, bool, error)
}
