// Package genstore keeps per-key invalidation generations.
//
// A cached function snapshots the generation of every key it is about to
// fetch and bumps it on Remove. When the fetch returns, keys whose generation
// moved are not written back: the value is already stale relative to the
// invalidation that happened while it was being fetched.
package genstore

import "context"

// GenStore abstracts where generations live.
// Use Local (default) for in-process gens, or Redis for distributed gens.
type GenStore interface {
	// Snapshot returns the current generation; missing => 0.
	Snapshot(ctx context.Context, key string) (uint64, error)
	// SnapshotMany returns gens for many keys; missing => 0.
	SnapshotMany(ctx context.Context, keys []string) (map[string]uint64, error)
	// Bump atomically increments and returns the new generation.
	Bump(ctx context.Context, key string) (uint64, error)
	// Close releases resources (no-op ok).
	Close(context.Context) error
}

// Moved returns the keys whose generation in now differs from before.
func Moved(before, now map[string]uint64) map[string]struct{} {
	var out map[string]struct{}
	for k, g := range before {
		if now[k] != g {
			if out == nil {
				out = make(map[string]struct{})
			}
			out[k] = struct{}{}
		}
	}
	return out
}
