package cache

import (
	"context"
	"time"
)

// Store is a set of named, independent partitions.
// Each partition is a key/value store of serialized HTTP responses.
// The store knows nothing about caching strategies or freshness.
//
// Implementations must be thread-safe!
type Store interface {
	// Open returns the partition with the given name, creating it if needed.
	Open(ctx context.Context, name string) (Partition, error)
	// Has checks if the partition exists.
	Has(ctx context.Context, name string) (bool, error)
	// Names returns the names of all existing partitions, sorted.
	Names(ctx context.Context) ([]string, error)
	// Delete drops the partition and all of its entries.
	// It returns false if there was no such partition.
	Delete(ctx context.Context, name string) (bool, error)
	// Close releases the resources held by the store.
	Close() error
}

// Partition is a single named key/value store.
// Puts and deletes are atomic per key, there are no multi-key transactions.
type Partition interface {
	Name() string
	// Get returns the entry for the given key, if it exists.
	// It also returns a boolean indicating whether retrieval was successful.
	Get(ctx context.Context, key string) (Entry, bool, error)
	// Put stores the entry under its key, replacing any previous entry.
	Put(ctx context.Context, entry Entry) error
	// Delete removes the entry for the given key.
	Delete(ctx context.Context, key string) error
	// Count returns the number of stored entries.
	Count(ctx context.Context) (int, error)
	// Keys calls the given callback for each key.
	Keys(ctx context.Context, cb func(string)) error
}

type Entry struct {
	Key string
	// Time the entry was stored, set by the engine.
	StoredAt time.Time
	Bytes    []byte
}
