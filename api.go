package memocache

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/unkn0wn-root/memocache/genstore"
	"github.com/unkn0wn-root/memocache/store"
	"github.com/unkn0wn-root/memocache/ttlstore"
)

// FetchFunc resolves many keys at once. Keys it does not return are treated
// as absent (see Options.FillMissing).
type FetchFunc[K comparable, V any] func(ctx context.Context, keys []K) (map[K]V, error)

// SingleFetchFunc resolves one key.
type SingleFetchFunc[K comparable, V any] func(ctx context.Context, key K) (V, error)

// BatchOrder controls how cache misses are ordered before batching.
type BatchOrder int

const (
	// BatchPreserve keeps the caller's key order.
	BatchPreserve BatchOrder = iota
	// BatchSorted sorts misses with Options.KeyCompare, so equal key sets
	// always produce equal batches.
	BatchSorted
)

// FillWith returns a FillMissing function that always yields v.
func FillWith[K comparable, V any](v V) func(K) V {
	return func(K) V { return v }
}

// Options tune a cached function. The zero value caches in-process for ten
// minutes with unbounded batches.
type Options[K comparable, V any] struct {
	// Name labels hooks and logs and namespaces generation keys. Default "memo".
	Name string

	// TTL for written-back values. 0 => 10m; negative => never write back.
	TTL time.Duration
	// TTLFunc, if set, overrides TTL per entry. A result <= 0 skips the write.
	TTLFunc func(key K, value V) time.Duration

	// Local and Distributed select the cache tiers; see tiered.Build. With
	// neither, an in-process ttlstore configured by LocalOptions is used.
	// The cached function owns the stores and closes them on Close.
	Local        store.Local[K, V]
	Distributed  store.Distributed[K, V]
	LocalOptions ttlstore.Options
	// DisableWatch ignores invalidation notifications from Distributed.
	DisableWatch bool

	// KeyNormalizer maps keys onto their canonical form before lookup, so
	// keys the caller treats as equal share one cache entry and one fetch.
	// Results are returned under the caller's original keys.
	KeyNormalizer func(K) K

	// MaxBatchSize splits misses into batches of at most this many keys.
	// 0 => one batch.
	MaxBatchSize int
	BatchOrder   BatchOrder
	// KeyCompare orders misses for BatchSorted.
	KeyCompare func(a, b K) int
	// MaxConcurrentBatches bounds batches in flight per call. 0 => 4.
	MaxConcurrentBatches int
	// FetchTimeout bounds one invocation of the wrapped function. 0 => none.
	FetchTimeout time.Duration

	// SkipCacheGet bypasses the cache read for keys it accepts; they are
	// always fetched.
	SkipCacheGet func(key K) bool
	// SkipCacheSet prevents writing back entries it accepts.
	SkipCacheSet func(key K, value V) bool

	// FillMissing produces values for keys the fetch did not return. Filled
	// values are cached like fetched ones unless DontCacheFilled is set.
	FillMissing     func(key K) V
	DontCacheFilled bool

	// ContinueOnError turns cache errors into misses and fetch errors into
	// DefaultValue for the affected keys. DefaultValue is never cached.
	ContinueOnError bool
	DefaultValue    V

	// Disabled bypasses the cache entirely; calls still coalesce.
	Disabled bool

	// GenStore tracks invalidations racing fetches. nil => in-process store.
	GenStore genstore.GenStore

	Logger Logger // nil => NopLogger
	Hooks  Hooks  // nil => NopHooks
}

func (o *Options[K, V]) validate() error {
	switch {
	case o.MaxBatchSize < 0:
		return fmt.Errorf("%w: MaxBatchSize %d < 0", ErrInvalidOptions, o.MaxBatchSize)
	case o.MaxConcurrentBatches < 0:
		return fmt.Errorf("%w: MaxConcurrentBatches %d < 0", ErrInvalidOptions, o.MaxConcurrentBatches)
	case o.BatchOrder == BatchSorted && o.KeyCompare == nil:
		return fmt.Errorf("%w: BatchSorted requires KeyCompare", ErrInvalidOptions)
	case o.BatchOrder != BatchPreserve && o.BatchOrder != BatchSorted:
		return fmt.Errorf("%w: unknown BatchOrder %d", ErrInvalidOptions, o.BatchOrder)
	}
	return nil
}

// New wraps fetch in a cache.
func New[K comparable, V any](fetch FetchFunc[K, V], opts Options[K, V]) (*Func[K, V], error) {
	if fetch == nil {
		return nil, ErrNilFetch
	}
	if err := opts.validate(); err != nil {
		return nil, err
	}
	return newFunc(fetch, opts)
}

// NewSingle wraps a single-key function. Misses of one batch are fetched
// concurrently (bounded by MaxConcurrentBatches); any failure fails the batch,
// so use MaxBatchSize 1 to isolate keys from each other.
func NewSingle[K comparable, V any](fetch SingleFetchFunc[K, V], opts Options[K, V]) (*Func[K, V], error) {
	if fetch == nil {
		return nil, ErrNilFetch
	}
	limit := coalesce(opts.MaxConcurrentBatches, defaultMaxConcurrentBatches)
	return New(fanOut(fetch, limit), opts)
}

func fanOut[K comparable, V any](fetch SingleFetchFunc[K, V], limit int) FetchFunc[K, V] {
	return func(ctx context.Context, keys []K) (map[K]V, error) {
		if len(keys) == 1 {
			v, err := fetch(ctx, keys[0])
			if err != nil {
				return nil, err
			}
			return map[K]V{keys[0]: v}, nil
		}
		vals := make([]V, len(keys))
		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(limit)
		for i, k := range keys {
			g.Go(func() error {
				v, err := fetch(gctx, k)
				vals[i] = v
				return err
			})
		}
		if err := g.Wait(); err != nil {
			return nil, err
		}
		out := make(map[K]V, len(keys))
		for i, k := range keys {
			out[k] = vals[i]
		}
		return out, nil
	}
}
