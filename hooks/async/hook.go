// Package asynchook moves Hooks calls off the call path.
//
// usage:
//
//	raw := sloghooks.New(slog.Default(), sloghooks.Options{CacheHitsEvery: 100})
//	hooks := asynchook.New(raw, 1, 1000) // 1 worker; queue 1000 events
//	defer hooks.Close()
//
//	users, _ := memocache.New(loadUsers, memocache.Options[int, User]{
//	    Name:  "users",
//	    Hooks: hooks,
//	})
//
// Events are dropped, never queued unboundedly, when the sink falls behind;
// Dropped reports how many.
package asynchook

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/unkn0wn-root/memocache"
)

type Hooks struct {
	inner   memocache.Hooks
	q       chan func()
	wg      sync.WaitGroup
	once    sync.Once
	mu      sync.RWMutex // guards closed against sends on a closed q
	closed  bool
	dropped atomic.Uint64
}

var _ memocache.Hooks = (*Hooks)(nil)

func New(inner memocache.Hooks, workers, qlen int) *Hooks {
	if workers <= 0 {
		workers = 1
	}
	if qlen <= 0 {
		qlen = 1024
	}

	h := &Hooks{inner: inner, q: make(chan func(), qlen)}
	h.wg.Add(workers)
	for i := 0; i < workers; i++ {
		go func() {
			defer h.wg.Done()
			for f := range h.q {
				f()
			}
		}()
	}
	return h
}

// Close drains queued events and stops the workers. Events after Close are
// dropped.
func (h *Hooks) Close() {
	h.once.Do(func() {
		h.mu.Lock()
		h.closed = true
		close(h.q)
		h.mu.Unlock()
		h.wg.Wait()
	})
}

// Dropped returns the number of events discarded because the queue was full
// or closed.
func (h *Hooks) Dropped() uint64 { return h.dropped.Load() }

func (h *Hooks) try(f func()) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.closed {
		h.dropped.Add(1)
		return
	}
	select {
	case h.q <- f:
	default: // drop
		h.dropped.Add(1)
	}
}

func (h *Hooks) CacheHits(fn string, hits, misses int) {
	h.try(func() { h.inner.CacheHits(fn, hits, misses) })
}
func (h *Hooks) FetchSucceeded(fn string, keys int, took time.Duration) {
	h.try(func() { h.inner.FetchSucceeded(fn, keys, took) })
}
func (h *Hooks) FetchFailed(fn string, keys int, err error) {
	h.try(func() { h.inner.FetchFailed(fn, keys, err) })
}
func (h *Hooks) CacheError(fn string, err error) { h.try(func() { h.inner.CacheError(fn, err) }) }
func (h *Hooks) WriteSkipped(fn string, keys int, reason string) {
	h.try(func() { h.inner.WriteSkipped(fn, keys, reason) })
}
