// Package store defines the storage boundary used by memocache tiers.
//
// A Local store lives in-process (ttlstore.Store is the default). A Distributed
// store is slower and shared (remote.Store over a provider is the bundled one).
// Both report the remaining TTL of every hit so a two-tier cache can promote a
// distributed hit into the local tier without extending its lifetime.
package store

import (
	"context"
	"errors"
	"time"
)

// Entry is a cached value with its remaining time-to-live.
type Entry[V any] struct {
	Value V
	TTL   time.Duration
}

// Local is a key/value store with per-entry TTL.
// Implementations must be safe for concurrent use.
type Local[K comparable, V any] interface {
	// GetMany returns live entries for the requested keys; misses are absent.
	GetMany(ctx context.Context, keys []K) (map[K]Entry[V], error)

	// Set stores value for ttl. ttl <= 0 means "do not cache".
	Set(ctx context.Context, key K, value V, ttl time.Duration) error

	// SetMany stores all entries with the same ttl.
	SetMany(ctx context.Context, entries map[K]V, ttl time.Duration) error

	// Remove deletes key and reports whether it was present.
	Remove(ctx context.Context, key K) (bool, error)

	// Close releases resources (background sweepers, clients it owns).
	Close(ctx context.Context) error
}

// Distributed is a Local with a single-key lookup, the shape of a remote
// key/value client.
type Distributed[K comparable, V any] interface {
	Local[K, V]

	// TryGet returns (entry, true, nil) on hit and (zero, false, nil) on miss.
	TryGet(ctx context.Context, key K) (Entry[V], bool, error)
}

// Watcher is implemented by distributed stores that can push key-changed
// notifications. fn is called from a background goroutine; it must be cheap.
type Watcher[K comparable] interface {
	Watch(ctx context.Context, fn func(key K)) (stop func(), err error)
}

// ErrWatchUnsupported is returned by Watch when the backend cannot push
// notifications.
var ErrWatchUnsupported = errors.New("memocache: store does not support watch")
