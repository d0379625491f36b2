// Package tiered composes a local and a distributed store into one cache.
//
// Build picks the shape from what is configured:
//
//	local  distributed  result
//	 -      -           default in-process ttlstore
//	 x      -           the local store
//	 -      x           the distributed store
//	 x      x           two-tier: local in front of distributed
//
// A two-tier cache reads local first and falls back to distributed for local
// misses, promoting distributed hits into local with the TTL the distributed
// store reports as remaining, so promotion never extends a value's life.
// Writes and removals go to both tiers concurrently; a failure in one tier
// never prevents the other from being updated.
package tiered

import (
	"context"
	"errors"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/unkn0wn-root/memocache/store"
	"github.com/unkn0wn-root/memocache/ttlstore"
)

// Cache is the composed view used by cached functions. Errors from tiers are
// *store.Error values, joined when more than one tier failed.
type Cache[K comparable, V any] interface {
	// Get returns the values found for keys. On error the values found in
	// the tiers that did answer are still returned.
	Get(ctx context.Context, keys []K) (map[K]V, error)
	// Set stores every entry with the same ttl. ttl <= 0 is a no-op.
	Set(ctx context.Context, entries map[K]V, ttl time.Duration) error
	// SetEntries stores entries with per-entry TTLs.
	SetEntries(ctx context.Context, entries map[K]store.Entry[V]) error
	Remove(ctx context.Context, key K) error
	Close(ctx context.Context) error
}

// Options tune Build.
type Options struct {
	// Default configures the in-process store built when neither tier is given.
	Default ttlstore.Options
	// DisableWatch skips subscribing to distributed invalidations.
	DisableWatch bool
	// OnWatchError receives errors from local evictions triggered by
	// distributed notifications.
	OnWatchError func(error)
}

// Build composes local and dist. Either may be nil; pass an untyped nil, not
// a typed nil pointer. The returned cache owns both stores and closes them.
func Build[K comparable, V any](local store.Local[K, V], dist store.Distributed[K, V], opts Options) (Cache[K, V], error) {
	switch {
	case local == nil && dist == nil:
		return &single[K, V]{s: ttlstore.New[K, V](opts.Default), tier: store.TierLocal}, nil
	case dist == nil:
		return &single[K, V]{s: local, tier: store.TierLocal}, nil
	case local == nil:
		return &single[K, V]{s: dist, tier: store.TierDistributed}, nil
	}

	t := &twoTier[K, V]{local: local, dist: dist}
	if w, ok := dist.(store.Watcher[K]); ok && !opts.DisableWatch {
		onErr := opts.OnWatchError
		stop, err := w.Watch(context.Background(), func(k K) {
			if _, err := local.Remove(context.Background(), k); err != nil && onErr != nil {
				onErr(store.NewError(store.TierLocal, store.OpRemove, []K{k}, err))
			}
		})
		switch {
		case err == nil:
			t.stopWatch = stop
		case !errors.Is(err, store.ErrWatchUnsupported):
			return nil, err
		}
	}
	return t, nil
}

type single[K comparable, V any] struct {
	s    store.Local[K, V]
	tier store.Tier
}

func (c *single[K, V]) Get(ctx context.Context, keys []K) (map[K]V, error) {
	hits, err := c.s.GetMany(ctx, keys)
	if err != nil {
		return map[K]V{}, store.NewError(c.tier, store.OpGet, keys, err)
	}
	return values(hits), nil
}

func (c *single[K, V]) Set(ctx context.Context, entries map[K]V, ttl time.Duration) error {
	if ttl <= 0 || len(entries) == 0 {
		return nil
	}
	return store.NewError(c.tier, store.OpSet, keysOf(entries), c.s.SetMany(ctx, entries, ttl))
}

func (c *single[K, V]) SetEntries(ctx context.Context, entries map[K]store.Entry[V]) error {
	return setEntries(ctx, c.s, c.tier, entries)
}

func (c *single[K, V]) Remove(ctx context.Context, key K) error {
	_, err := c.s.Remove(ctx, key)
	return store.NewError(c.tier, store.OpRemove, []K{key}, err)
}

func (c *single[K, V]) Close(ctx context.Context) error { return c.s.Close(ctx) }

type twoTier[K comparable, V any] struct {
	local     store.Local[K, V]
	dist      store.Distributed[K, V]
	stopWatch func()
}

func (c *twoTier[K, V]) Get(ctx context.Context, keys []K) (map[K]V, error) {
	var errs []error
	out := make(map[K]V, len(keys))

	misses := keys
	hits, err := c.local.GetMany(ctx, keys)
	if err != nil {
		errs = append(errs, store.NewError(store.TierLocal, store.OpGet, keys, err))
	} else if len(hits) > 0 {
		misses = make([]K, 0, len(keys)-len(hits))
		for _, k := range keys {
			if e, ok := hits[k]; ok {
				out[k] = e.Value
			} else {
				misses = append(misses, k)
			}
		}
	}
	if len(misses) == 0 {
		return out, nil
	}

	found, err := c.dist.GetMany(ctx, misses)
	if err != nil {
		errs = append(errs, store.NewError(store.TierDistributed, store.OpGet, misses, err))
		return out, errors.Join(errs...)
	}
	for k, e := range found {
		out[k] = e.Value
	}
	if len(found) > 0 {
		if err := setEntries(ctx, c.local, store.TierLocal, found); err != nil {
			errs = append(errs, err)
		}
	}
	return out, errors.Join(errs...)
}

func (c *twoTier[K, V]) Set(ctx context.Context, entries map[K]V, ttl time.Duration) error {
	if ttl <= 0 || len(entries) == 0 {
		return nil
	}
	keys := keysOf(entries)
	return both(
		func() error { return store.NewError(store.TierLocal, store.OpSet, keys, c.local.SetMany(ctx, entries, ttl)) },
		func() error {
			return store.NewError(store.TierDistributed, store.OpSet, keys, c.dist.SetMany(ctx, entries, ttl))
		},
	)
}

func (c *twoTier[K, V]) SetEntries(ctx context.Context, entries map[K]store.Entry[V]) error {
	return both(
		func() error { return setEntries(ctx, c.local, store.TierLocal, entries) },
		func() error { return setEntries(ctx, c.dist, store.TierDistributed, entries) },
	)
}

func (c *twoTier[K, V]) Remove(ctx context.Context, key K) error {
	return both(
		func() error {
			_, err := c.local.Remove(ctx, key)
			return store.NewError(store.TierLocal, store.OpRemove, []K{key}, err)
		},
		func() error {
			_, err := c.dist.Remove(ctx, key)
			return store.NewError(store.TierDistributed, store.OpRemove, []K{key}, err)
		},
	)
}

func (c *twoTier[K, V]) Close(ctx context.Context) error {
	if c.stopWatch != nil {
		c.stopWatch()
	}
	return errors.Join(c.local.Close(ctx), c.dist.Close(ctx))
}

// both runs a and b concurrently and joins their errors. Neither cancels the
// other.
func both(a, b func() error) error {
	var errA, errB error
	var g errgroup.Group
	g.Go(func() error { errA = a(); return nil })
	g.Go(func() error { errB = b(); return nil })
	_ = g.Wait()
	return errors.Join(errA, errB)
}

// setEntries groups entries by TTL so each group is one SetMany.
func setEntries[K comparable, V any](ctx context.Context, s store.Local[K, V], tier store.Tier, entries map[K]store.Entry[V]) error {
	groups := make(map[time.Duration]map[K]V)
	for k, e := range entries {
		if e.TTL <= 0 {
			continue
		}
		g, ok := groups[e.TTL]
		if !ok {
			g = make(map[K]V)
			groups[e.TTL] = g
		}
		g[k] = e.Value
	}
	var errs []error
	for ttl, g := range groups {
		if err := s.SetMany(ctx, g, ttl); err != nil {
			errs = append(errs, store.NewError(tier, store.OpSet, keysOf(g), err))
		}
	}
	return errors.Join(errs...)
}

func values[K comparable, V any](hits map[K]store.Entry[V]) map[K]V {
	out := make(map[K]V, len(hits))
	for k, e := range hits {
		out[k] = e.Value
	}
	return out
}

func keysOf[K comparable, V any](m map[K]V) []K {
	keys := make([]K, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	return keys
}
