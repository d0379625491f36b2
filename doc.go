// Package memocache memoizes functions that resolve many keys at once.
//
// A cached function wraps a FetchFunc (keys in, values out) and serves calls
// from a tiered cache, resolving only the misses:
//
//	normalize+dedup -> read cache -> coalesce misses -> batch -> fetch
//	               -> fill missing -> write back -> return requested keys
//
// Components:
//   - coalescer: at most one fetch in flight per key across all callers.
//   - tiered: local store, distributed store, or both (local in front).
//   - ttlstore: default in-process store with per-entry expiry.
//   - remote + provider: distributed store over Redis, Ristretto or BigCache.
//   - genstore: invalidation generations; a Remove racing a fetch prevents
//     that fetch from writing its (now stale) result back.
//
// Errors:
//
//	*FetchError   the wrapped function failed; the same value reaches every
//	              caller waiting on that fetch
//	*CacheError   a cache tier failed to read, write or remove
//	ErrNotFound   Get's key was not returned and no fill is configured
//
// With ContinueOnError, cache errors degrade to misses and fetch failures
// yield DefaultValue (never cached). Hooks and Logger see every error either
// way.
//
// Usage:
//
//	users, _ := memocache.New(loadUsers, memocache.Options[int, User]{
//	    Name:         "users",
//	    TTL:          5 * time.Minute,
//	    MaxBatchSize: 100,
//	})
//	defer users.Close(ctx)
//
//	u, err := users.Get(ctx, 42)
//	many, err := users.GetMany(ctx, []int{1, 2, 3})
package memocache
