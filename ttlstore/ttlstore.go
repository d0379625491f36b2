// Package ttlstore implements an in-process key/value store with per-entry
// absolute expiry and a bucketed background sweeper.
//
// Expiry is checked on every read, so a value is never returned after its TTL
// even if the sweeper has not run. The sweeper only bounds the memory held by
// dead entries: it visits per-second buckets of keys in expiry order and drops
// keys whose current expiry has passed. Bucket membership is a hint: a key
// re-set with a later TTL simply sits in two buckets until the older one is
// discarded.
package ttlstore

import (
	"container/heap"
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/unkn0wn-root/memocache/store"
)

const (
	DefaultSweepInterval = 10 * time.Second

	ticksPerSecond  = int64(time.Second)
	pendingQueueLen = 4096
)

var epoch = time.Now()

// monotonic returns nanoseconds since package init from the monotonic clock.
func monotonic() time.Duration { return time.Since(epoch) }

// Options configure a Store. The zero value is usable.
type Options struct {
	// SweepInterval is the background sweep period. 0 => DefaultSweepInterval,
	// negative disables the sweeper (call Sweep manually).
	SweepInterval time.Duration

	// Rolling extends an entry's expiry by its original TTL on every hit.
	Rolling bool
	// MaxLifetime caps rolling extension, measured from Set. 0 => no cap.
	MaxLifetime time.Duration

	// OnSweep, if set, is called after each sweep cycle with the number of
	// entries removed.
	OnSweep func(removed int)

	// Clock returns a monotonic offset; tests substitute a fake clock.
	Clock func() time.Duration
}

type entry[V any] struct {
	value     V
	expiresAt atomic.Int64
	ttl       int64
	ceiling   int64 // rolling cap; 0 => none
}

// Store is a TTL-indexed concurrent map. Use New to construct.
type Store[K comparable, V any] struct {
	live sync.Map // K -> *entry[V]

	// bucket index: expiry second -> keys; seconds is a min-heap over its keys.
	mu      sync.Mutex
	buckets map[int64][]K
	seconds secondHeap

	// rolling reads enqueue here; drained into buckets by Sweep.
	pending chan K

	rolling     bool
	maxLifetime int64
	onSweep     func(int)
	clock       func() time.Duration

	stopCh    chan struct{}
	wg        sync.WaitGroup
	closeOnce sync.Once
}

var _ store.Local[string, int] = (*Store[string, int])(nil)

func New[K comparable, V any](opts Options) *Store[K, V] {
	s := &Store[K, V]{
		buckets:     make(map[int64][]K),
		rolling:     opts.Rolling,
		maxLifetime: int64(opts.MaxLifetime),
		onSweep:     opts.OnSweep,
		clock:       opts.Clock,
	}
	if s.clock == nil {
		s.clock = monotonic
	}
	if s.rolling {
		s.pending = make(chan K, pendingQueueLen)
	}

	interval := opts.SweepInterval
	if interval == 0 {
		interval = DefaultSweepInterval
	}
	if interval > 0 {
		s.stopCh = make(chan struct{})
		s.wg.Add(1)
		go s.sweepLoop(interval)
	}
	return s
}

func (s *Store[K, V]) now() int64 { return int64(s.clock()) }

// Get returns the live values for keys. Expired entries are removed inline.
func (s *Store[K, V]) Get(keys []K) map[K]V {
	out := make(map[K]V, len(keys))
	now := s.now()
	for _, k := range keys {
		if e, _, ok := s.load(k, now); ok {
			out[k] = e.value
		}
	}
	return out
}

// GetMany is Get reporting each hit's remaining TTL.
func (s *Store[K, V]) GetMany(_ context.Context, keys []K) (map[K]store.Entry[V], error) {
	out := make(map[K]store.Entry[V], len(keys))
	now := s.now()
	for _, k := range keys {
		if e, exp, ok := s.load(k, now); ok {
			out[k] = store.Entry[V]{Value: e.value, TTL: time.Duration(exp - now)}
		}
	}
	return out, nil
}

func (s *Store[K, V]) load(k K, now int64) (*entry[V], int64, bool) {
	v, ok := s.live.Load(k)
	if !ok {
		return nil, 0, false
	}
	e := v.(*entry[V])
	exp := e.expiresAt.Load()
	if exp <= now {
		s.live.CompareAndDelete(k, e)
		return nil, 0, false
	}
	if s.rolling {
		exp = s.extend(k, e, exp, now)
	}
	return e, exp, true
}

// extend pushes e's expiry to now+ttl (bounded by the ceiling) and queues the
// key for re-bucketing when its expiry second changed.
func (s *Store[K, V]) extend(k K, e *entry[V], exp, now int64) int64 {
	next := now + e.ttl
	if e.ceiling > 0 && next > e.ceiling {
		next = e.ceiling
	}
	for next > exp {
		if e.expiresAt.CompareAndSwap(exp, next) {
			if next/ticksPerSecond != exp/ticksPerSecond {
				select {
				case s.pending <- k:
				default: // sweep re-buckets live keys it finds in expired buckets
				}
			}
			return next
		}
		exp = e.expiresAt.Load()
	}
	return exp
}

// Set stores value under key for ttl. ttl <= 0 is a no-op.
func (s *Store[K, V]) Set(_ context.Context, key K, value V, ttl time.Duration) error {
	s.set(key, value, ttl, s.now())
	return nil
}

// SetMany stores every entry with the same ttl.
func (s *Store[K, V]) SetMany(_ context.Context, entries map[K]V, ttl time.Duration) error {
	now := s.now()
	for k, v := range entries {
		s.set(k, v, ttl, now)
	}
	return nil
}

func (s *Store[K, V]) set(k K, v V, ttl time.Duration, now int64) {
	if ttl <= 0 {
		return
	}
	e := &entry[V]{value: v, ttl: int64(ttl)}
	exp := now + int64(ttl)
	if s.rolling && s.maxLifetime > 0 {
		e.ceiling = now + s.maxLifetime
	}
	e.expiresAt.Store(exp)
	prev, loaded := s.live.Swap(k, e)
	// the previous expiry's bucket still holds k: sweeps only pop past seconds
	if loaded && prev.(*entry[V]).expiresAt.Load()/ticksPerSecond == exp/ticksPerSecond {
		return
	}
	s.addToBucket(k, exp)
}

// Remove deletes key and reports whether a live entry was removed.
func (s *Store[K, V]) Remove(_ context.Context, key K) (bool, error) {
	v, ok := s.live.LoadAndDelete(key)
	if !ok {
		return false, nil
	}
	return v.(*entry[V]).expiresAt.Load() > s.now(), nil
}

// Len counts stored entries, including expired ones not yet swept.
func (s *Store[K, V]) Len() int {
	n := 0
	s.live.Range(func(_, _ any) bool { n++; return true })
	return n
}

func (s *Store[K, V]) addToBucket(k K, exp int64) {
	sec := exp / ticksPerSecond
	s.mu.Lock()
	keys, ok := s.buckets[sec]
	if !ok {
		heap.Push(&s.seconds, sec)
	}
	s.buckets[sec] = append(keys, k)
	s.mu.Unlock()
}

// Sweep runs one eviction cycle and returns the number of entries removed.
func (s *Store[K, V]) Sweep() int {
	now := s.now()
	s.drainPending()

	nowSec := now / ticksPerSecond
	removed := 0
	for {
		s.mu.Lock()
		if len(s.seconds) == 0 || s.seconds[0] >= nowSec {
			s.mu.Unlock()
			break
		}
		sec := heap.Pop(&s.seconds).(int64)
		keys := s.buckets[sec]
		delete(s.buckets, sec)
		s.mu.Unlock()

		for _, k := range keys {
			v, ok := s.live.Load(k)
			if !ok {
				continue
			}
			e := v.(*entry[V])
			exp := e.expiresAt.Load()
			if exp <= now {
				if s.live.CompareAndDelete(k, e) {
					removed++
				}
				continue
			}
			// non-rolling live keys were re-set and already sit in a later bucket
			if s.rolling {
				s.addToBucket(k, exp)
			}
		}
	}

	if s.onSweep != nil {
		s.onSweep(removed)
	}
	return removed
}

func (s *Store[K, V]) drainPending() {
	if s.pending == nil {
		return
	}
	for {
		select {
		case k := <-s.pending:
			if v, ok := s.live.Load(k); ok {
				s.addToBucket(k, v.(*entry[V]).expiresAt.Load())
			}
		default:
			return
		}
	}
}

func (s *Store[K, V]) sweepLoop(interval time.Duration) {
	defer s.wg.Done()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			s.Sweep()
		case <-s.stopCh:
			return
		}
	}
}

// Close stops the sweeper and drops all entries. Safe to call multiple times.
func (s *Store[K, V]) Close(_ context.Context) error {
	s.closeOnce.Do(func() {
		if s.stopCh != nil {
			close(s.stopCh)
			s.wg.Wait()
		}
		s.live.Clear()
		s.mu.Lock()
		s.buckets = make(map[int64][]K)
		s.seconds = nil
		s.mu.Unlock()
	})
	return nil
}

type secondHeap []int64

func (h secondHeap) Len() int           { return len(h) }
func (h secondHeap) Less(i, j int) bool { return h[i] < h[j] }
func (h secondHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }
func (h *secondHeap) Push(x any)        { *h = append(*h, x.(int64)) }
func (h *secondHeap) Pop() any {
	old := *h
	n := len(old)
	x := old[n-1]
	*h = old[:n-1]
	return x
}
