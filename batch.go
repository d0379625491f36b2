package memocache

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/unkn0wn-root/memocache/coalescer"
	"github.com/unkn0wn-root/memocache/genstore"
	"github.com/unkn0wn-root/memocache/store"
)

// split cuts keys into batches of at most size keys. size <= 0 => one batch.
func split[K any](keys []K, size int) [][]K {
	if size <= 0 || len(keys) <= size {
		return [][]K{keys}
	}
	batches := make([][]K, 0, (len(keys)+size-1)/size)
	for size < len(keys) {
		keys, batches = keys[size:], append(batches, keys[:size:size])
	}
	return append(batches, keys)
}

// resolveMisses resolves keys batch by batch, up to f.concurrency batches at
// a time, merging results under one lock. A failed batch contributes its
// error; the others still contribute their values.
func (f *Func[K, V]) resolveMisses(ctx context.Context, keys []K) (map[K]V, error) {
	if f.order == BatchSorted {
		keys = slices.Clone(keys)
		slices.SortFunc(keys, f.compare)
	}
	batches := split(keys, f.maxBatch)
	if len(batches) == 1 {
		return f.resolveBatch(ctx, batches[0])
	}

	f.log.Debug("resolving in batches", Fields{"func": f.name, "keys": len(keys), "batches": len(batches)})

	var (
		mu   sync.Mutex
		out  = make(map[K]V, len(keys))
		errs []error
	)
	var g errgroup.Group
	g.SetLimit(f.concurrency)
	for _, b := range batches {
		g.Go(func() error {
			got, err := f.resolveBatch(ctx, b)
			mu.Lock()
			defer mu.Unlock()
			for k, v := range got {
				out[k] = v
			}
			if err != nil {
				errs = append(errs, err)
			}
			return nil
		})
	}
	_ = g.Wait()
	// batches attached to the same failed flight share its error
	return out, errors.Join(distinct(errs)...)
}

// resolveBatch coalesces one batch with concurrent callers. Fetching, filling
// and writing back all happen inside the flight, so attached callers only
// see results once they are cached.
func (f *Func[K, V]) resolveBatch(ctx context.Context, batch []K) (map[K]V, error) {
	// only this call's own flight sends here; buffered so it never blocks
	writeErrs := make(chan error, 1)

	got, err := f.flights.Resolve(ctx, batch, func(fctx context.Context, owned []K) (map[K]V, error) {
		gens, genErr := f.snapshot(fctx, owned)
		vals, filled, err := f.load(fctx, owned)
		if err != nil {
			return nil, err
		}
		if werr := f.writeBack(fctx, vals, filled, gens, genErr); werr != nil {
			writeErrs <- werr
		}
		return vals, nil
	})
	if got == nil {
		return nil, err // this caller gave up waiting
	}

	var errs []error
	if err != nil {
		if !f.continueOnErr {
			errs = append(errs, err)
		} else {
			f.log.Error("fetch failed, using default value", Fields{"func": f.name, "keys": len(batch), "err": err})
			for _, k := range batch {
				if _, ok := got[k]; !ok {
					got[k] = f.defaultValue
				}
			}
		}
	}
	select {
	case werr := <-writeErrs:
		if !f.continueOnErr {
			errs = append(errs, werr)
		}
	default:
	}
	return got, errors.Join(errs...)
}

// load invokes the wrapped function for keys and applies FillMissing.
// filled holds the keys whose values were produced by the fill.
func (f *Func[K, V]) load(ctx context.Context, keys []K) (vals map[K]V, filled map[K]struct{}, err error) {
	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: %v", coalescer.ErrFetchPanic, r)
		}
		if err != nil {
			fe := newFetchError(f.name, keys, err)
			f.hooks.FetchFailed(f.name, len(keys), err)
			f.log.Debug("fetch failed", Fields{"func": f.name, "keys": len(keys), "err": err})
			vals, filled, err = nil, nil, fe
			return
		}
		f.hooks.FetchSucceeded(f.name, len(keys), time.Since(start))
	}()

	vals, err = f.fetch(ctx, keys)
	if err != nil {
		return nil, nil, err
	}
	if vals == nil {
		vals = make(map[K]V, len(keys))
	}
	if f.fill != nil {
		for _, k := range keys {
			if _, ok := vals[k]; !ok {
				if filled == nil {
					filled = make(map[K]struct{})
				}
				vals[k] = f.fill(k)
				filled[k] = struct{}{}
			}
		}
	}
	return vals, filled, nil
}

// snapshot records the generations of keys before they are fetched.
func (f *Func[K, V]) snapshot(ctx context.Context, keys []K) (map[string]uint64, error) {
	if f.disabled {
		return nil, nil
	}
	gks := make([]string, len(keys))
	for i, k := range keys {
		gks[i] = f.genKey(k)
	}
	return f.gens.SnapshotMany(ctx, gks)
}

// writeBack caches fetched values, minus those excluded by the skip
// predicate, a non-positive TTL, DontCacheFilled, or a Remove that happened
// while they were being fetched. If generations could not be read, nothing
// is written.
func (f *Func[K, V]) writeBack(ctx context.Context, vals map[K]V, filled map[K]struct{}, before map[string]uint64, genErr error) error {
	if f.disabled || len(vals) == 0 {
		return nil
	}
	if genErr != nil {
		f.log.Warn("generation snapshot failed, skipping write-back", Fields{"func": f.name, "err": genErr})
		f.hooks.WriteSkipped(f.name, len(vals), "gen_error")
		return nil
	}
	skipped := map[string]int{}
	entries := make(map[K]store.Entry[V], len(vals))
	for k, v := range vals {
		switch {
		case f.dontCacheFilled && isFilled(filled, k):
			skipped["filled"]++
		case f.skipSet != nil && f.skipSet(k, v):
			skipped["predicate"]++
		default:
			ttl := f.ttl
			if f.ttlFunc != nil {
				ttl = f.ttlFunc(k, v)
			}
			if ttl <= 0 {
				skipped["ttl"]++
				continue
			}
			entries[k] = store.Entry[V]{Value: v, TTL: ttl}
		}
	}
	if err := f.dropInvalidated(ctx, entries, before); err != nil {
		f.log.Warn("generation check failed, skipping write-back", Fields{"func": f.name, "err": err})
		skipped["gen_error"] += len(entries)
		clear(entries)
	} else if n := len(vals) - len(entries) - sum(skipped); n > 0 {
		skipped["invalidated"] = n
	}

	for reason, n := range skipped {
		f.hooks.WriteSkipped(f.name, n, reason)
	}
	if len(entries) == 0 {
		return nil
	}
	setErr := f.cache.SetEntries(ctx, entries)
	if setErr != nil {
		f.cacheError("cache write failed", setErr)
	}
	// a Remove may have landed between the check above and the write
	f.evictInvalidated(ctx, entries, before)
	return setErr
}

func isFilled[K comparable](filled map[K]struct{}, k K) bool {
	_, ok := filled[k]
	return ok
}

// dropInvalidated removes entries whose generation moved since before.
func (f *Func[K, V]) dropInvalidated(ctx context.Context, entries map[K]store.Entry[V], before map[string]uint64) error {
	moved, err := f.movedSince(ctx, entries, before)
	if err != nil {
		return err
	}
	for _, k := range moved {
		delete(entries, k)
		f.log.Debug("write-back dropped, key removed during fetch", Fields{"func": f.name, "key": k})
	}
	return nil
}

// evictInvalidated removes just-written entries whose generation moved since
// before. Remove bumps before it clears, so a bump this check misses is
// followed by a clear that lands after the write. If generations cannot be
// read, every written entry is evicted.
func (f *Func[K, V]) evictInvalidated(ctx context.Context, written map[K]store.Entry[V], before map[string]uint64) {
	moved, err := f.movedSince(ctx, written, before)
	if err != nil {
		f.log.Warn("generation recheck failed, evicting write-back", Fields{"func": f.name, "err": err})
		moved = make([]K, 0, len(written))
		for k := range written {
			moved = append(moved, k)
		}
	}
	for _, k := range moved {
		if rerr := f.cache.Remove(ctx, k); rerr != nil {
			f.cacheError("evict invalidated entry failed", rerr)
		}
	}
	if len(moved) > 0 {
		f.hooks.WriteSkipped(f.name, len(moved), "invalidated")
	}
}

// movedSince returns the keys of entries whose generation differs from before.
func (f *Func[K, V]) movedSince(ctx context.Context, entries map[K]store.Entry[V], before map[string]uint64) ([]K, error) {
	if len(entries) == 0 {
		return nil, nil
	}
	keys := make(map[string]K, len(entries))
	gks := make([]string, 0, len(entries))
	for k := range entries {
		gk := f.genKey(k)
		keys[gk] = k
		gks = append(gks, gk)
	}
	now, err := f.gens.SnapshotMany(ctx, gks)
	if err != nil {
		return nil, err
	}
	var moved []K
	for gk := range genstore.Moved(before, now) {
		if k, ok := keys[gk]; ok {
			moved = append(moved, k)
		}
	}
	return moved, nil
}

func sum(m map[string]int) int {
	n := 0
	for _, v := range m {
		n += v
	}
	return n
}
