// Package provider defines the byte storage abstraction underneath remote
// stores.
//
// Implementations MUST be byte-for-byte transparent: Get must return exactly the
// same []byte that was previously passed to Set for a key (no prepended/appended
// metadata, no re-encoding, no mutation). If a store performs internal transforms
// (e.g., compression), they MUST be fully reversed so that the bytes returned by
// Get are identical to the bytes provided to Set.
//
// Keys under a remote store's namespace ("<ns>:") are owned by that store.
// Foreign writes under the prefix fail wire-format validation and are deleted.
package provider

import (
	"context"
	"time"
)

// Provider is a minimal byte store with TTLs.
// Must be safe for concurrent use and must be byte-for-byte
// transparent: Get must return exactly the []byte previously passed to Set for
// the same key. Implementations must not prepend/append metadata, transcode, or
// otherwise mutate values.
type Provider interface {
	// Get returns (value, true, nil) on hit; (nil, false, nil) on miss.
	// If an IO/remote error happens, return (nil, false, err).
	Get(ctx context.Context, key string) ([]byte, bool, error)

	// Set stores value with the given TTL. May ignore cost if unsupported.
	// Returns ok=false when the store rejected the write under pressure.
	Set(ctx context.Context, key string, value []byte, cost int64, ttl time.Duration) (ok bool, err error)

	// Del removes a key and reports whether it existed, where the backend can
	// tell. Backends that cannot report it return true.
	Del(ctx context.Context, key string) (bool, error)

	// Close releases resources.
	Close(ctx context.Context) error
}

// Item is one entry of a batched write.
type Item struct {
	Key   string
	Value []byte
	Cost  int64
	TTL   time.Duration
}

// Batcher is implemented by providers with native multi-key commands.
type Batcher interface {
	// GetMany returns hits only; misses are absent from the map.
	GetMany(ctx context.Context, keys []string) (map[string][]byte, error)

	// SetMany writes all items; it fails as a whole on transport errors.
	SetMany(ctx context.Context, items []Item) error
}

// Notifier is implemented by providers that can push key invalidations.
// fn receives full storage keys starting with prefix and runs on a
// background goroutine.
type Notifier interface {
	Subscribe(ctx context.Context, prefix string, fn func(key string)) (stop func(), err error)
}
