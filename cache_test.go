package memocache

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/unkn0wn-root/memocache/genstore"
	"github.com/unkn0wn-root/memocache/store"
	"github.com/unkn0wn-root/memocache/ttlstore"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// counter is a FetchFunc that returns "v<key>" for every key and records
// each invocation.
type counter struct {
	mu      sync.Mutex
	calls   int
	batches [][]int
	delay   time.Duration
}

func (c *counter) fetch(ctx context.Context, keys []int) (map[int]string, error) {
	c.mu.Lock()
	c.calls++
	c.batches = append(c.batches, append([]int(nil), keys...))
	c.mu.Unlock()
	if c.delay > 0 {
		time.Sleep(c.delay)
	}
	out := make(map[int]string, len(keys))
	for _, k := range keys {
		out[k] = fmt.Sprintf("v%d", k)
	}
	return out, nil
}

func (c *counter) Calls() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls
}

func (c *counter) Batches() [][]int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.batches
}

func mustNew[K comparable, V any](t *testing.T, fetch FetchFunc[K, V], opts Options[K, V]) *Func[K, V] {
	t.Helper()
	f, err := New(fetch, opts)
	require.NoError(t, err)
	t.Cleanup(func() { _ = f.Close(context.Background()) })
	return f
}

// spyStore wraps a ttlstore and records the keys read and written.
type spyStore struct {
	*ttlstore.Store[int, string]

	mu     sync.Mutex
	reads  []int
	writes map[int]time.Duration

	getErr error
	setErr error
	closed atomic.Bool
}

func newSpyStore() *spyStore {
	return &spyStore{
		Store:  ttlstore.New[int, string](ttlstore.Options{SweepInterval: -1}),
		writes: make(map[int]time.Duration),
	}
}

func (s *spyStore) GetMany(ctx context.Context, keys []int) (map[int]store.Entry[string], error) {
	s.mu.Lock()
	s.reads = append(s.reads, keys...)
	err := s.getErr
	s.mu.Unlock()
	if err != nil {
		return nil, err
	}
	return s.Store.GetMany(ctx, keys)
}

func (s *spyStore) SetMany(ctx context.Context, entries map[int]string, ttl time.Duration) error {
	s.mu.Lock()
	for k := range entries {
		s.writes[k] = ttl
	}
	err := s.setErr
	s.mu.Unlock()
	if err != nil {
		return err
	}
	return s.Store.SetMany(ctx, entries, ttl)
}

func (s *spyStore) Close(ctx context.Context) error {
	s.closed.Store(true)
	return s.Store.Close(ctx)
}

func (s *spyStore) Reads() []int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]int(nil), s.reads...)
}

func (s *spyStore) Written(k int) (time.Duration, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ttl, ok := s.writes[k]
	return ttl, ok
}

// recorder counts hook events.
type recorder struct {
	hits, misses  atomic.Int64
	fetchOK       atomic.Int64
	fetchFailed   atomic.Int64
	cacheErrors   atomic.Int64
	mu            sync.Mutex
	skippedReason map[string]int
}

func newRecorder() *recorder { return &recorder{skippedReason: map[string]int{}} }

func (r *recorder) CacheHits(_ string, hits, misses int) {
	r.hits.Add(int64(hits))
	r.misses.Add(int64(misses))
}
func (r *recorder) FetchSucceeded(string, int, time.Duration) { r.fetchOK.Add(1) }
func (r *recorder) FetchFailed(string, int, error)            { r.fetchFailed.Add(1) }
func (r *recorder) CacheError(string, error)                  { r.cacheErrors.Add(1) }
func (r *recorder) WriteSkipped(_ string, n int, reason string) {
	r.mu.Lock()
	r.skippedReason[reason] += n
	r.mu.Unlock()
}

func (r *recorder) Skipped(reason string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.skippedReason[reason]
}

func TestNewValidation(t *testing.T) {
	_, err := New[int, string](nil, Options[int, string]{})
	assert.ErrorIs(t, err, ErrNilFetch)

	c := &counter{}
	_, err = New(c.fetch, Options[int, string]{MaxBatchSize: -1})
	assert.ErrorIs(t, err, ErrInvalidOptions)

	_, err = New(c.fetch, Options[int, string]{MaxConcurrentBatches: -2})
	assert.ErrorIs(t, err, ErrInvalidOptions)

	_, err = New(c.fetch, Options[int, string]{BatchOrder: BatchSorted})
	assert.ErrorIs(t, err, ErrInvalidOptions)

	_, err = NewSingle[int, string](nil, Options[int, string]{})
	assert.ErrorIs(t, err, ErrNilFetch)
}

func TestGetCachesResult(t *testing.T) {
	ctx := context.Background()
	c := &counter{}
	f := mustNew(t, c.fetch, Options[int, string]{Name: "users"})
	assert.Equal(t, "users", f.Name())

	v, err := f.Get(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, "v1", v)

	v, err = f.Get(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, "v1", v)
	assert.Equal(t, 1, c.Calls())
}

func TestGetNotFound(t *testing.T) {
	f := mustNew(t, func(ctx context.Context, keys []int) (map[int]string, error) {
		return nil, nil
	}, Options[int, string]{})

	_, err := f.Get(context.Background(), 7)
	assert.ErrorIs(t, err, ErrNotFound)

	got, err := f.GetMany(context.Background(), nil)
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestGetSingleFlightUnderConcurrency(t *testing.T) {
	c := &counter{delay: 50 * time.Millisecond}
	f := mustNew(t, c.fetch, Options[int, string]{})

	const n = 100
	start := make(chan struct{})
	var wg sync.WaitGroup
	vals := make([]string, n)
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			<-start
			vals[i], errs[i] = f.Get(context.Background(), 42)
		}(i)
	}
	close(start)
	wg.Wait()

	assert.Equal(t, 1, c.Calls())
	for i := 0; i < n; i++ {
		require.NoError(t, errs[i])
		assert.Equal(t, "v42", vals[i])
	}
}

func TestSkipCacheGetNeverReadsAndAlwaysFetches(t *testing.T) {
	ctx := context.Background()
	c := &counter{}
	spy := newSpyStore()
	f := mustNew(t, c.fetch, Options[int, string]{
		Local:        spy,
		SkipCacheGet: func(k int) bool { return k == 1 },
	})

	for i := 0; i < 3; i++ {
		v, err := f.Get(ctx, 1)
		require.NoError(t, err)
		assert.Equal(t, "v1", v)
	}
	assert.Equal(t, 3, c.Calls())
	assert.NotContains(t, spy.Reads(), 1)

	// skipping the read does not skip the write
	_, ok := spy.Written(1)
	assert.True(t, ok)

	_, err := f.Get(ctx, 2)
	require.NoError(t, err)
	_, err = f.Get(ctx, 2)
	require.NoError(t, err)
	assert.Equal(t, 4, c.Calls())
}

func TestSetThenGetRoundTripKeepsTTLBound(t *testing.T) {
	ctx := context.Background()
	c := &counter{}
	spy := newSpyStore()
	f := mustNew(t, c.fetch, Options[int, string]{Local: spy, TTL: time.Minute})

	_, err := f.Get(ctx, 5)
	require.NoError(t, err)

	got, err := spy.GetMany(ctx, []int{5})
	require.NoError(t, err)
	require.Contains(t, got, 5)
	assert.Equal(t, "v5", got[5].Value)
	assert.LessOrEqual(t, got[5].TTL, time.Minute)
	assert.Positive(t, got[5].TTL)
}

func TestSkipCacheSetDoesNotWrite(t *testing.T) {
	ctx := context.Background()
	c := &counter{}
	spy := newSpyStore()
	rec := newRecorder()
	f := mustNew(t, c.fetch, Options[int, string]{
		Local:        spy,
		Hooks:        rec,
		SkipCacheSet: func(k int, v string) bool { return k%2 == 0 },
	})

	_, err := f.GetMany(ctx, []int{1, 2, 3, 4})
	require.NoError(t, err)
	for _, k := range []int{2, 4} {
		_, ok := spy.Written(k)
		assert.False(t, ok, "key %d", k)
	}
	for _, k := range []int{1, 3} {
		_, ok := spy.Written(k)
		assert.True(t, ok, "key %d", k)
	}
	assert.Equal(t, 2, rec.Skipped("predicate"))
}

func TestFillMissingValuesAreCached(t *testing.T) {
	ctx := context.Background()
	var calls atomic.Int32
	f := mustNew(t, func(ctx context.Context, keys []int) (map[int]string, error) {
		calls.Add(1)
		return map[int]string{1: "one"}, nil
	}, Options[int, string]{
		FillMissing: func(k int) string { return fmt.Sprintf("filled-%d", k) },
	})

	got, err := f.GetMany(ctx, []int{1, 2})
	require.NoError(t, err)
	assert.Equal(t, map[int]string{1: "one", 2: "filled-2"}, got)

	v, err := f.Get(ctx, 2)
	require.NoError(t, err)
	assert.Equal(t, "filled-2", v)
	assert.Equal(t, int32(1), calls.Load(), "filled value must be served from cache")
}

func TestFillWithConstant(t *testing.T) {
	f := mustNew(t, func(ctx context.Context, keys []int) (map[int]string, error) {
		return nil, nil
	}, Options[int, string]{FillMissing: FillWith[int]("none")})

	v, err := f.Get(context.Background(), 9)
	require.NoError(t, err)
	assert.Equal(t, "none", v)
}

func TestDontCacheFilled(t *testing.T) {
	ctx := context.Background()
	var calls atomic.Int32
	rec := newRecorder()
	f := mustNew(t, func(ctx context.Context, keys []int) (map[int]string, error) {
		calls.Add(1)
		return nil, nil
	}, Options[int, string]{
		FillMissing:     FillWith[int]("x"),
		DontCacheFilled: true,
		Hooks:           rec,
	})

	for i := 0; i < 2; i++ {
		v, err := f.Get(ctx, 1)
		require.NoError(t, err)
		assert.Equal(t, "x", v)
	}
	assert.Equal(t, int32(2), calls.Load())
	assert.Equal(t, 2, rec.Skipped("filled"))
}

func TestNonPositiveTTLSkipsWrite(t *testing.T) {
	for _, ttl := range []time.Duration{-1, -time.Minute} {
		t.Run(ttl.String(), func(t *testing.T) {
			ctx := context.Background()
			c := &counter{}
			rec := newRecorder()
			f := mustNew(t, c.fetch, Options[int, string]{TTL: ttl, Hooks: rec})

			for i := 0; i < 2; i++ {
				_, err := f.Get(ctx, 1)
				require.NoError(t, err)
			}
			assert.Equal(t, 2, c.Calls())
			assert.Equal(t, 2, rec.Skipped("ttl"))
		})
	}
}

func TestTTLFuncPerEntry(t *testing.T) {
	ctx := context.Background()
	c := &counter{}
	spy := newSpyStore()
	f := mustNew(t, c.fetch, Options[int, string]{
		Local: spy,
		TTLFunc: func(k int, _ string) time.Duration {
			if k == 0 {
				return 0
			}
			return time.Duration(k) * time.Second
		},
	})

	_, err := f.GetMany(ctx, []int{0, 1, 2})
	require.NoError(t, err)

	_, ok := spy.Written(0)
	assert.False(t, ok)
	ttl, ok := spy.Written(1)
	require.True(t, ok)
	assert.Equal(t, time.Second, ttl)
	ttl, ok = spy.Written(2)
	require.True(t, ok)
	assert.Equal(t, 2*time.Second, ttl)
}

func TestBatchingIsIdempotentAcrossBatchSizes(t *testing.T) {
	ctx := context.Background()
	keys := make([]int, 250)
	for i := range keys {
		keys[i] = i
	}

	results := make(map[int]map[int]string)
	for _, size := range []int{100, 1000} {
		c := &counter{}
		f := mustNew(t, c.fetch, Options[int, string]{MaxBatchSize: size})
		got, err := f.GetMany(ctx, keys)
		require.NoError(t, err)
		results[size] = got

		if size == 100 {
			require.Len(t, c.Batches(), 3)
			sizes := []int{}
			for _, b := range c.Batches() {
				sizes = append(sizes, len(b))
			}
			assert.ElementsMatch(t, []int{100, 100, 50}, sizes)
		} else {
			assert.Len(t, c.Batches(), 1)
		}
	}
	assert.Len(t, results[100], 250)
	assert.Equal(t, results[1000], results[100])
}

func TestBatchSortedGivesStableBatches(t *testing.T) {
	c := &counter{}
	f := mustNew(t, c.fetch, Options[int, string]{
		MaxBatchSize:         2,
		MaxConcurrentBatches: 1,
		BatchOrder:           BatchSorted,
		KeyCompare:           func(a, b int) int { return a - b },
	})

	_, err := f.GetMany(context.Background(), []int{5, 1, 4, 2, 3})
	require.NoError(t, err)
	assert.ElementsMatch(t, [][]int{{1, 2}, {3, 4}, {5}}, c.Batches())
}

func TestFailureIsolationAcrossBatches(t *testing.T) {
	ctx := context.Background()
	boom := errors.New("boom")
	var calls atomic.Int32
	f := mustNew(t, func(ctx context.Context, keys []string) (map[string]string, error) {
		calls.Add(1)
		out := make(map[string]string, len(keys))
		for _, k := range keys {
			if k == "error" {
				return nil, boom
			}
			out[k] = strings.ToLower(k)
		}
		return out, nil
	}, Options[string, string]{
		MaxBatchSize: 3,
		BatchOrder:   BatchSorted,
		KeyCompare:   strings.Compare,
	})

	// sorted: [A B C] [error]
	got, err := f.GetMany(ctx, []string{"error", "C", "B", "A"})
	require.Error(t, err)
	assert.ErrorIs(t, err, boom)
	var fe *FetchError
	require.ErrorAs(t, err, &fe)
	assert.Equal(t, []any{"error"}, fe.Keys)
	assert.Equal(t, map[string]string{"A": "a", "B": "b", "C": "c"}, got)

	// the good batch was cached; only the failing key is fetched again
	before := calls.Load()
	got, err = f.GetMany(ctx, []string{"A", "B", "C"})
	require.NoError(t, err)
	assert.Len(t, got, 3)
	assert.Equal(t, before, calls.Load())

	_, err = f.Get(ctx, "error")
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, before+1, calls.Load(), "failure is not cached")
}

func TestFetchPanicIsReturnedAsError(t *testing.T) {
	f := mustNew(t, func(ctx context.Context, keys []int) (map[int]string, error) {
		panic("kaboom")
	}, Options[int, string]{})

	_, err := f.Get(context.Background(), 1)
	var fe *FetchError
	require.ErrorAs(t, err, &fe)
	assert.Contains(t, err.Error(), "kaboom")
}

func TestContinueOnErrorFetchUsesDefault(t *testing.T) {
	ctx := context.Background()
	var calls atomic.Int32
	var fail atomic.Bool
	fail.Store(true)
	rec := newRecorder()
	f := mustNew(t, func(ctx context.Context, keys []int) (map[int]string, error) {
		calls.Add(1)
		if fail.Load() {
			return nil, errors.New("down")
		}
		return map[int]string{1: "real"}, nil
	}, Options[int, string]{ContinueOnError: true, DefaultValue: "fallback", Hooks: rec})

	v, err := f.Get(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, "fallback", v)
	assert.Equal(t, int64(1), rec.fetchFailed.Load())

	// the default was not cached: the next call reaches the function again
	fail.Store(false)
	v, err = f.Get(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, "real", v)
	assert.Equal(t, int32(2), calls.Load())
}

func TestCacheReadErrorIsReturnedByDefault(t *testing.T) {
	ctx := context.Background()
	c := &counter{}
	spy := newSpyStore()
	spy.getErr = errors.New("disk on fire")
	rec := newRecorder()
	f := mustNew(t, c.fetch, Options[int, string]{Local: spy, Hooks: rec})

	_, err := f.Get(ctx, 1)
	var ce *CacheError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, store.TierLocal, ce.Tier)
	assert.True(t, ce.IsRead())
	assert.Equal(t, []any{1}, ce.Keys)
	assert.Equal(t, 0, c.Calls())
	assert.Equal(t, int64(1), rec.cacheErrors.Load())
}

func TestContinueOnErrorTreatsReadErrorAsMiss(t *testing.T) {
	ctx := context.Background()
	c := &counter{}
	spy := newSpyStore()
	spy.getErr = errors.New("disk on fire")
	f := mustNew(t, c.fetch, Options[int, string]{Local: spy, ContinueOnError: true})

	v, err := f.Get(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, "v1", v)
	assert.Equal(t, 1, c.Calls())
}

func TestCacheWriteErrorKeepsValue(t *testing.T) {
	ctx := context.Background()
	c := &counter{}
	spy := newSpyStore()
	spy.setErr = errors.New("full")
	f := mustNew(t, c.fetch, Options[int, string]{Local: spy})

	v, err := f.Get(ctx, 1)
	assert.Equal(t, "v1", v)
	var ce *CacheError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, store.OpSet, ce.Op)
}

func TestRemoveInvalidates(t *testing.T) {
	ctx := context.Background()
	c := &counter{}
	f := mustNew(t, c.fetch, Options[int, string]{})

	_, err := f.Get(ctx, 1)
	require.NoError(t, err)
	require.NoError(t, f.Remove(ctx, 1))
	_, err = f.Get(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, 2, c.Calls())
}

func TestRemoveDuringFetchSuppressesWriteBack(t *testing.T) {
	ctx := context.Background()
	started := make(chan struct{})
	release := make(chan struct{})
	var calls atomic.Int32
	rec := newRecorder()
	f := mustNew(t, func(ctx context.Context, keys []int) (map[int]string, error) {
		if calls.Add(1) == 1 {
			close(started)
			<-release
			return map[int]string{1: "stale"}, nil
		}
		return map[int]string{1: "fresh"}, nil
	}, Options[int, string]{Hooks: rec})

	done := make(chan string, 1)
	go func() {
		v, _ := f.Get(ctx, 1)
		done <- v
	}()
	<-started
	require.NoError(t, f.Remove(ctx, 1))
	close(release)
	assert.Equal(t, "stale", <-done, "the caller still gets what was fetched")
	assert.Equal(t, 1, rec.Skipped("invalidated"))

	v, err := f.Get(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, "fresh", v)
}

type failingGens struct {
	genstore.GenStore
}

func (failingGens) SnapshotMany(context.Context, []string) (map[string]uint64, error) {
	return nil, errors.New("gens unavailable")
}

func TestGenerationErrorSkipsWriteBack(t *testing.T) {
	ctx := context.Background()
	c := &counter{}
	rec := newRecorder()
	gens := genstore.NewLocal(genstore.LocalOptions{})
	f := mustNew(t, c.fetch, Options[int, string]{GenStore: failingGens{gens}, Hooks: rec})

	for i := 0; i < 2; i++ {
		v, err := f.Get(ctx, 1)
		require.NoError(t, err)
		assert.Equal(t, "v1", v)
	}
	assert.Equal(t, 2, c.Calls())
	assert.Equal(t, 2, rec.Skipped("gen_error"))
}

func TestKeyNormalizerSharesEntries(t *testing.T) {
	ctx := context.Background()
	var seen [][]string
	var mu sync.Mutex
	f := mustNew(t, func(ctx context.Context, keys []string) (map[string]string, error) {
		mu.Lock()
		seen = append(seen, keys)
		mu.Unlock()
		out := make(map[string]string, len(keys))
		for _, k := range keys {
			out[k] = "user:" + k
		}
		return out, nil
	}, Options[string, string]{KeyNormalizer: strings.ToLower})

	got, err := f.GetMany(ctx, []string{"Bob", "BOB", "alice"})
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"Bob": "user:bob", "BOB": "user:bob", "alice": "user:alice"}, got)
	require.Len(t, seen, 1)
	assert.ElementsMatch(t, []string{"bob", "alice"}, seen[0])

	v, err := f.Get(ctx, "bOb")
	require.NoError(t, err)
	assert.Equal(t, "user:bob", v)
	assert.Len(t, seen, 1)
}

func TestDisabledAlwaysFetches(t *testing.T) {
	ctx := context.Background()
	c := &counter{}
	f := mustNew(t, c.fetch, Options[int, string]{Disabled: true})

	for i := 0; i < 3; i++ {
		v, err := f.Get(ctx, 1)
		require.NoError(t, err)
		assert.Equal(t, "v1", v)
	}
	assert.Equal(t, 3, c.Calls())
	assert.NoError(t, f.Remove(ctx, 1))
}

// fixedDist is a distributed tier answering every key with a fixed TTL.
type fixedDist struct {
	ttl   time.Duration
	mu    sync.Mutex
	reads int
}

func (d *fixedDist) GetMany(_ context.Context, keys []int) (map[int]store.Entry[string], error) {
	d.mu.Lock()
	d.reads++
	d.mu.Unlock()
	out := make(map[int]store.Entry[string], len(keys))
	for _, k := range keys {
		out[k] = store.Entry[string]{Value: fmt.Sprintf("remote%d", k), TTL: d.ttl}
	}
	return out, nil
}

func (d *fixedDist) TryGet(ctx context.Context, k int) (store.Entry[string], bool, error) {
	got, _ := d.GetMany(ctx, []int{k})
	return got[k], true, nil
}

func (d *fixedDist) Set(context.Context, int, string, time.Duration) error        { return nil }
func (d *fixedDist) SetMany(context.Context, map[int]string, time.Duration) error { return nil }
func (d *fixedDist) Remove(context.Context, int) (bool, error)                    { return false, nil }
func (d *fixedDist) Close(context.Context) error                                  { return nil }

func TestTwoTierPromotesWithRemainingTTL(t *testing.T) {
	ctx := context.Background()
	c := &counter{}
	spy := newSpyStore()
	dist := &fixedDist{ttl: 3 * time.Second}
	f := mustNew(t, c.fetch, Options[int, string]{Local: spy, Distributed: dist, TTL: time.Hour})

	v, err := f.Get(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, "remote1", v)
	assert.Equal(t, 0, c.Calls())

	ttl, ok := spy.Written(1)
	require.True(t, ok)
	assert.Equal(t, 3*time.Second, ttl)

	v, err = f.Get(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, "remote1", v)
	assert.Equal(t, 1, dist.reads, "second read served locally")
}

func TestNewSingleFansOut(t *testing.T) {
	ctx := context.Background()
	var calls atomic.Int32
	f, err := NewSingle(func(ctx context.Context, k int) (string, error) {
		calls.Add(1)
		if k < 0 {
			return "", errors.New("negative")
		}
		return fmt.Sprint(k * 10), nil
	}, Options[int, string]{MaxConcurrentBatches: 2})
	require.NoError(t, err)
	t.Cleanup(func() { _ = f.Close(ctx) })

	got, err := f.GetMany(ctx, []int{1, 2, 3})
	require.NoError(t, err)
	assert.Equal(t, map[int]string{1: "10", 2: "20", 3: "30"}, got)
	assert.Equal(t, int32(3), calls.Load())

	_, err = f.Get(ctx, -1)
	assert.Error(t, err)
}

func TestHooksSeeHitsAndFetches(t *testing.T) {
	ctx := context.Background()
	c := &counter{}
	rec := newRecorder()
	f := mustNew(t, c.fetch, Options[int, string]{Hooks: rec})

	_, err := f.GetMany(ctx, []int{1, 2})
	require.NoError(t, err)
	_, err = f.GetMany(ctx, []int{1, 2, 3})
	require.NoError(t, err)

	assert.Equal(t, int64(2), rec.hits.Load())
	assert.Equal(t, int64(3), rec.misses.Load())
	assert.Equal(t, int64(2), rec.fetchOK.Load())
}

func TestCallerCancellationDoesNotPoisonFlight(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})
	var calls atomic.Int32
	f := mustNew(t, func(ctx context.Context, keys []int) (map[int]string, error) {
		if calls.Add(1) == 1 {
			close(started)
			<-release
		}
		return map[int]string{1: "v1"}, nil
	}, Options[int, string]{})

	cctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() {
		_, err := f.Get(cctx, 1)
		errc <- err
	}()
	<-started
	cancel()
	assert.ErrorIs(t, <-errc, context.Canceled)
	close(release)

	// the detached fetch still populates the cache
	require.Eventually(t, func() bool {
		v, err := f.Get(context.Background(), 1)
		return err == nil && v == "v1"
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, int32(1), calls.Load())
}

func TestCloseIsIdempotent(t *testing.T) {
	c := &counter{}
	f, err := New(c.fetch, Options[int, string]{})
	require.NoError(t, err)
	require.NoError(t, f.Close(context.Background()))
	require.NoError(t, f.Close(context.Background()))
}

// gatedStore blocks its first SetMany until release is closed.
type gatedStore struct {
	*spyStore
	once    sync.Once
	entered chan struct{}
	release chan struct{}
}

func (g *gatedStore) SetMany(ctx context.Context, entries map[int]string, ttl time.Duration) error {
	first := false
	g.once.Do(func() { first = true })
	if first {
		close(g.entered)
		<-g.release
	}
	return g.spyStore.SetMany(ctx, entries, ttl)
}

func TestRemoveDuringWriteBackEvictsStaleValue(t *testing.T) {
	ctx := context.Background()
	gated := &gatedStore{spyStore: newSpyStore(), entered: make(chan struct{}), release: make(chan struct{})}
	var calls atomic.Int32
	rec := newRecorder()
	f := mustNew(t, func(ctx context.Context, keys []int) (map[int]string, error) {
		if calls.Add(1) == 1 {
			return map[int]string{1: "stale"}, nil
		}
		return map[int]string{1: "fresh"}, nil
	}, Options[int, string]{Local: gated, Hooks: rec})

	done := make(chan string, 1)
	go func() {
		v, _ := f.Get(ctx, 1)
		done <- v
	}()

	// the generation check has passed and the write is about to land
	<-gated.entered
	require.NoError(t, f.Remove(ctx, 1))
	close(gated.release)
	assert.Equal(t, "stale", <-done)
	assert.Equal(t, 1, rec.Skipped("invalidated"))

	v, err := f.Get(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, "fresh", v)
	assert.Equal(t, int32(2), calls.Load())
}

func countFetchErrors(err error) int {
	if j, ok := err.(interface{ Unwrap() []error }); ok {
		n := 0
		for _, e := range j.Unwrap() {
			n += countFetchErrors(e)
		}
		return n
	}
	var fe *FetchError
	if errors.As(err, &fe) {
		return 1
	}
	return 0
}

func TestSharedFlightErrorReportedOncePerCall(t *testing.T) {
	ctx := context.Background()
	boom := errors.New("boom")
	started := make(chan struct{})
	release := make(chan struct{})
	owned := make(chan struct{}, 2)
	f := mustNew(t, func(ctx context.Context, keys []int) (map[int]string, error) {
		if slices.Contains(keys, 1) {
			close(started)
			<-release
			return nil, boom
		}
		owned <- struct{}{}
		out := make(map[int]string, len(keys))
		for _, k := range keys {
			out[k] = fmt.Sprint(k)
		}
		return out, nil
	}, Options[int, string]{MaxBatchSize: 2})

	firstErr := make(chan error, 1)
	go func() {
		_, err := f.GetMany(ctx, []int{1, 2})
		firstErr <- err
	}()
	<-started

	// batches [1 3] and [2 4] both attach to the flight fetching [1 2]
	type result struct {
		got map[int]string
		err error
	}
	second := make(chan result, 1)
	go func() {
		got, err := f.GetMany(ctx, []int{1, 3, 2, 4})
		second <- result{got, err}
	}()
	<-owned
	<-owned
	close(release)

	assert.ErrorIs(t, <-firstErr, boom)
	r := <-second
	require.ErrorIs(t, r.err, boom)
	assert.Equal(t, 1, countFetchErrors(r.err))
	assert.Equal(t, map[int]string{3: "3", 4: "4"}, r.got)
}

// unwatchableDist refuses invalidation subscriptions.
type unwatchableDist struct {
	fixedDist
	closed atomic.Bool
}

func (d *unwatchableDist) Watch(context.Context, func(int)) (func(), error) {
	return nil, errors.New("subscribe refused")
}

func (d *unwatchableDist) Close(context.Context) error {
	d.closed.Store(true)
	return nil
}

func TestNewClosesStoresWhenWatchFails(t *testing.T) {
	c := &counter{}
	local := newSpyStore()
	dist := &unwatchableDist{}

	_, err := New(c.fetch, Options[int, string]{Local: local, Distributed: dist})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "subscribe refused")
	assert.True(t, local.closed.Load())
	assert.True(t, dist.closed.Load())
}
