package memocache

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/unkn0wn-root/memocache/coalescer"
	"github.com/unkn0wn-root/memocache/genstore"
	"github.com/unkn0wn-root/memocache/internal/util"
	"github.com/unkn0wn-root/memocache/tiered"
)

// Func is a cached function. Safe for concurrent use.
type Func[K comparable, V any] struct {
	name    string
	fetch   FetchFunc[K, V]
	cache   tiered.Cache[K, V]
	flights *coalescer.Coalescer[K, V]
	gens    genstore.GenStore
	log     Logger
	hooks   Hooks

	ttl             time.Duration
	ttlFunc         func(K, V) time.Duration
	normalize       func(K) K
	maxBatch        int
	order           BatchOrder
	compare         func(a, b K) int
	concurrency     int
	skipGet         func(K) bool
	skipSet         func(K, V) bool
	fill            func(K) V
	dontCacheFilled bool
	continueOnErr   bool
	defaultValue    V
	disabled        bool

	closeOnce sync.Once
	closeErr  error
}

func newFunc[K comparable, V any](fetch FetchFunc[K, V], opts Options[K, V]) (*Func[K, V], error) {
	f := &Func[K, V]{
		name:            coalesce(opts.Name, defaultName),
		fetch:           fetch,
		flights:         coalescer.New[K, V](coalescer.Options{FetchTimeout: opts.FetchTimeout}),
		ttl:             coalesce(opts.TTL, defaultTTL),
		ttlFunc:         opts.TTLFunc,
		normalize:       opts.KeyNormalizer,
		maxBatch:        opts.MaxBatchSize,
		order:           opts.BatchOrder,
		compare:         opts.KeyCompare,
		concurrency:     coalesce(opts.MaxConcurrentBatches, defaultMaxConcurrentBatches),
		skipGet:         opts.SkipCacheGet,
		skipSet:         opts.SkipCacheSet,
		fill:            opts.FillMissing,
		dontCacheFilled: opts.DontCacheFilled,
		continueOnErr:   opts.ContinueOnError,
		defaultValue:    opts.DefaultValue,
		disabled:        opts.Disabled,
	}
	f.log = coalesce[Logger](opts.Logger, NopLogger{})
	f.hooks = coalesce[Hooks](opts.Hooks, NopHooks{})

	if f.disabled {
		return f, nil
	}

	c, err := tiered.Build(opts.Local, opts.Distributed, tiered.Options{
		Default:      opts.LocalOptions,
		DisableWatch: opts.DisableWatch,
		OnWatchError: func(err error) { f.cacheError("watch evict failed", err) },
	})
	if err != nil {
		// the stores were handed over with opts; nobody else will close them
		var closeErrs []error
		if opts.Local != nil {
			closeErrs = append(closeErrs, opts.Local.Close(context.Background()))
		}
		if opts.Distributed != nil {
			closeErrs = append(closeErrs, opts.Distributed.Close(context.Background()))
		}
		return nil, errors.Join(fmt.Errorf("memocache: build cache: %w", err), errors.Join(closeErrs...))
	}
	f.cache = c

	if opts.GenStore != nil {
		f.gens = opts.GenStore
	} else {
		f.gens = genstore.NewLocal(genstore.LocalOptions{
			CleanupInterval: defaultGenSweep,
			Retention:       defaultGenRetention,
		})
	}
	return f, nil
}

// Name returns the function's label.
func (f *Func[K, V]) Name() string { return f.name }

// Get returns the value for key. A key the fetch did not return yields
// ErrNotFound unless FillMissing is set. A non-nil error alongside a value
// means the value is valid but could not be cached.
func (f *Func[K, V]) Get(ctx context.Context, key K) (V, error) {
	got, err := f.GetMany(ctx, []K{key})
	if v, ok := got[key]; ok {
		return v, err
	}
	if err == nil {
		err = ErrNotFound
	}
	var zero V
	return zero, err
}

// GetMany returns values for keys, keyed as requested. Keys the fetch did not
// return are absent unless FillMissing is set.
//
// A failing batch does not discard the others: the returned map holds every
// value resolved, and the error joins the failures.
func (f *Func[K, V]) GetMany(ctx context.Context, keys []K) (map[K]V, error) {
	if len(keys) == 0 {
		return map[K]V{}, nil
	}
	uniq, orig := f.normalizeKeys(keys)

	found, misses, err := f.checkCache(ctx, uniq)
	if err != nil {
		return nil, err
	}

	var errs []error
	if len(misses) > 0 {
		resolved, err := f.resolveMisses(ctx, misses)
		if err != nil {
			errs = append(errs, err)
		}
		for k, v := range resolved {
			found[k] = v
		}
	}
	return f.project(keys, orig, found), errors.Join(errs...)
}

// normalizeKeys returns the distinct normalized keys in first-seen order and,
// when a normalizer is set, the normalized form of every requested key.
func (f *Func[K, V]) normalizeKeys(keys []K) ([]K, map[K]K) {
	var orig map[K]K
	if f.normalize != nil {
		orig = make(map[K]K, len(keys))
	}
	seen := make(map[K]struct{}, len(keys))
	uniq := make([]K, 0, len(keys))
	for _, k := range keys {
		nk := k
		if orig != nil {
			nk = f.normalize(k)
			orig[k] = nk
		}
		if _, dup := seen[nk]; dup {
			continue
		}
		seen[nk] = struct{}{}
		uniq = append(uniq, nk)
	}
	return uniq, orig
}

func (f *Func[K, V]) project(keys []K, orig map[K]K, found map[K]V) map[K]V {
	if orig == nil {
		return found
	}
	out := make(map[K]V, len(keys))
	for _, k := range keys {
		if v, ok := found[orig[k]]; ok {
			out[k] = v
		}
	}
	return out
}

// checkCache reads the cacheable keys and returns the hits and the keys
// still to resolve.
func (f *Func[K, V]) checkCache(ctx context.Context, keys []K) (map[K]V, []K, error) {
	if f.disabled {
		return make(map[K]V, len(keys)), keys, nil
	}
	readable := keys
	if f.skipGet != nil {
		readable = make([]K, 0, len(keys))
		for _, k := range keys {
			if !f.skipGet(k) {
				readable = append(readable, k)
			}
		}
	}

	found := make(map[K]V, len(keys))
	if len(readable) > 0 {
		hits, err := f.cache.Get(ctx, readable)
		if err != nil {
			f.cacheError("cache read failed", err)
			if !f.continueOnErr {
				return nil, nil, err
			}
		}
		for k, v := range hits {
			found[k] = v
		}
	}

	misses := make([]K, 0, len(keys)-len(found))
	for _, k := range keys {
		if _, ok := found[k]; !ok {
			misses = append(misses, k)
		}
	}
	f.hooks.CacheHits(f.name, len(found), len(misses))
	return found, misses, nil
}

// Remove invalidates key in every tier. A fetch for key already in flight
// will not write its result back.
func (f *Func[K, V]) Remove(ctx context.Context, key K) error {
	if f.disabled {
		return nil
	}
	if f.normalize != nil {
		key = f.normalize(key)
	}
	// bump first: a fetch that snapshotted before this point must not
	// repopulate what the removal below clears
	_, bumpErr := f.gens.Bump(ctx, f.genKey(key))
	cacheErr := f.cache.Remove(ctx, key)
	if bumpErr == nil && cacheErr == nil {
		f.log.Debug("removed", Fields{"func": f.name, "key": key})
		return nil
	}
	err := &RemoveError{Key: key, BumpErr: bumpErr, CacheErr: cacheErr}
	f.cacheError("remove failed", err)
	return err
}

// Close releases the cache tiers and the generation store. Calls after
// Close fail with errors from the closed stores.
func (f *Func[K, V]) Close(ctx context.Context) error {
	f.closeOnce.Do(func() {
		if f.disabled {
			return
		}
		f.closeErr = errors.Join(f.cache.Close(ctx), f.gens.Close(ctx))
	})
	return f.closeErr
}

func (f *Func[K, V]) genKey(k K) string {
	return util.StorageKey(f.name, util.KeyString(k))
}

func (f *Func[K, V]) cacheError(msg string, err error) {
	f.hooks.CacheError(f.name, err)
	if f.continueOnErr {
		f.log.Warn(msg, Fields{"func": f.name, "err": err})
	} else {
		f.log.Debug(msg, Fields{"func": f.name, "err": err})
	}
}
