package memocache

import (
	"context"
	"time"

	"github.com/unkn0wn-root/memocache/genstore"
	"github.com/unkn0wn-root/memocache/internal/util"
	"github.com/unkn0wn-root/memocache/store"
	"github.com/unkn0wn-root/memocache/ttlstore"
)

// Pair is the cache key of a two-level function: one outer key (such as a
// tenant) and one inner key resolved under it.
type Pair[O, K comparable] struct {
	Outer O
	Inner K
}

// String renders "outer|inner", the form remote stores use as storage key.
func (p Pair[O, K]) String() string {
	return util.JoinKey(util.KeyString(p.Outer), util.KeyString(p.Inner))
}

// NestedFetchFunc resolves inner keys under one outer key.
type NestedFetchFunc[O, K comparable, V any] func(ctx context.Context, outer O, inner []K) (map[K]V, error)

// NestedOptions mirror Options for two-level functions. The outer gates
// apply to a whole call: when SkipCacheGetOuter(outer) is true no inner key
// is read from cache, and when SkipCacheSetOuter(outer) is true none is
// written, whatever the per-key predicates say.
type NestedOptions[O, K comparable, V any] struct {
	Name    string
	TTL     time.Duration
	TTLFunc func(outer O, inner K, value V) time.Duration

	Local        store.Local[Pair[O, K], V]
	Distributed  store.Distributed[Pair[O, K], V]
	LocalOptions ttlstore.Options
	DisableWatch bool

	// KeyNormalizer canonicalizes inner keys.
	KeyNormalizer func(K) K

	MaxBatchSize         int
	BatchOrder           BatchOrder
	KeyCompare           func(a, b K) int
	MaxConcurrentBatches int
	FetchTimeout         time.Duration

	SkipCacheGetOuter func(outer O) bool
	SkipCacheSetOuter func(outer O) bool
	SkipCacheGet      func(outer O, inner K) bool
	SkipCacheSet      func(outer O, inner K, value V) bool

	FillMissing     func(outer O, inner K) V
	DontCacheFilled bool

	ContinueOnError bool
	DefaultValue    V
	Disabled        bool

	GenStore genstore.GenStore
	Logger   Logger
	Hooks    Hooks
}

// NestedFunc is a cached two-level function.
type NestedFunc[O, K comparable, V any] struct {
	f *Func[Pair[O, K], V]
}

// NewNested wraps fetch in a cache keyed by (outer, inner) pairs.
func NewNested[O, K comparable, V any](fetch NestedFetchFunc[O, K, V], opts NestedOptions[O, K, V]) (*NestedFunc[O, K, V], error) {
	if fetch == nil {
		return nil, ErrNilFetch
	}
	f, err := New(nestedFetch(fetch), flatten(opts))
	if err != nil {
		return nil, err
	}
	return &NestedFunc[O, K, V]{f: f}, nil
}

// nestedFetch regroups pairs by outer key. A single call only ever produces
// pairs of one outer key, so this is one invocation in practice.
func nestedFetch[O, K comparable, V any](fetch NestedFetchFunc[O, K, V]) FetchFunc[Pair[O, K], V] {
	return func(ctx context.Context, keys []Pair[O, K]) (map[Pair[O, K]]V, error) {
		var outers []O
		groups := make(map[O][]K)
		for _, p := range keys {
			if _, ok := groups[p.Outer]; !ok {
				outers = append(outers, p.Outer)
			}
			groups[p.Outer] = append(groups[p.Outer], p.Inner)
		}
		out := make(map[Pair[O, K]]V, len(keys))
		for _, o := range outers {
			got, err := fetch(ctx, o, groups[o])
			if err != nil {
				return nil, err
			}
			for k, v := range got {
				out[Pair[O, K]{Outer: o, Inner: k}] = v
			}
		}
		return out, nil
	}
}

func flatten[O, K comparable, V any](o NestedOptions[O, K, V]) Options[Pair[O, K], V] {
	opts := Options[Pair[O, K], V]{
		Name:                 o.Name,
		TTL:                  o.TTL,
		Local:                o.Local,
		Distributed:          o.Distributed,
		LocalOptions:         o.LocalOptions,
		DisableWatch:         o.DisableWatch,
		MaxBatchSize:         o.MaxBatchSize,
		BatchOrder:           o.BatchOrder,
		MaxConcurrentBatches: o.MaxConcurrentBatches,
		FetchTimeout:         o.FetchTimeout,
		DontCacheFilled:      o.DontCacheFilled,
		ContinueOnError:      o.ContinueOnError,
		DefaultValue:         o.DefaultValue,
		Disabled:             o.Disabled,
		GenStore:             o.GenStore,
		Logger:               o.Logger,
		Hooks:                o.Hooks,
	}
	if o.TTLFunc != nil {
		opts.TTLFunc = func(p Pair[O, K], v V) time.Duration { return o.TTLFunc(p.Outer, p.Inner, v) }
	}
	if o.KeyNormalizer != nil {
		opts.KeyNormalizer = func(p Pair[O, K]) Pair[O, K] {
			return Pair[O, K]{Outer: p.Outer, Inner: o.KeyNormalizer(p.Inner)}
		}
	}
	if o.KeyCompare != nil {
		opts.KeyCompare = func(a, b Pair[O, K]) int { return o.KeyCompare(a.Inner, b.Inner) }
	}
	if o.SkipCacheGetOuter != nil || o.SkipCacheGet != nil {
		opts.SkipCacheGet = func(p Pair[O, K]) bool {
			return (o.SkipCacheGetOuter != nil && o.SkipCacheGetOuter(p.Outer)) ||
				(o.SkipCacheGet != nil && o.SkipCacheGet(p.Outer, p.Inner))
		}
	}
	if o.SkipCacheSetOuter != nil || o.SkipCacheSet != nil {
		opts.SkipCacheSet = func(p Pair[O, K], v V) bool {
			return (o.SkipCacheSetOuter != nil && o.SkipCacheSetOuter(p.Outer)) ||
				(o.SkipCacheSet != nil && o.SkipCacheSet(p.Outer, p.Inner, v))
		}
	}
	if o.FillMissing != nil {
		opts.FillMissing = func(p Pair[O, K]) V { return o.FillMissing(p.Outer, p.Inner) }
	}
	return opts
}

// Get returns the values of inner under outer, keyed by inner key.
func (n *NestedFunc[O, K, V]) Get(ctx context.Context, outer O, inner []K) (map[K]V, error) {
	pairs := make([]Pair[O, K], len(inner))
	for i, k := range inner {
		pairs[i] = Pair[O, K]{Outer: outer, Inner: k}
	}
	got, err := n.f.GetMany(ctx, pairs)
	out := make(map[K]V, len(got))
	for p, v := range got {
		out[p.Inner] = v
	}
	return out, err
}

// Remove invalidates one inner key under outer.
func (n *NestedFunc[O, K, V]) Remove(ctx context.Context, outer O, inner K) error {
	return n.f.Remove(ctx, Pair[O, K]{Outer: outer, Inner: inner})
}

func (n *NestedFunc[O, K, V]) Close(ctx context.Context) error { return n.f.Close(ctx) }
