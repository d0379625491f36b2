// Package coalescer deduplicates concurrent multi-key fetches.
//
// Each key has at most one fetch in flight. A caller registers as owner of
// every requested key nobody is fetching yet (first registration wins) and
// attaches to the flights already running for the rest. Owned keys are
// fetched together in one call; attached flights are awaited once each, no
// matter how many of the caller's keys they cover.
//
// A flight runs under a context detached from its owner's cancellation, so an
// owner that gives up does not fail the callers attached to it. Keys leave the
// pending index when the fetch returns, fails or panics.
package coalescer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

// ErrFetchPanic wraps a panic recovered from a fetch function.
var ErrFetchPanic = errors.New("coalescer: fetch panicked")

// FetchFunc resolves keys. Keys it does not return are treated as absent.
type FetchFunc[K comparable, V any] func(ctx context.Context, keys []K) (map[K]V, error)

type flight[K comparable, V any] struct {
	done   chan struct{}
	result map[K]V
	err    error
}

// Options tune a Coalescer.
type Options struct {
	// FetchTimeout bounds a detached fetch. 0 => no timeout.
	FetchTimeout time.Duration
}

// Coalescer tracks in-flight fetches by key. The zero value is not usable;
// construct with New.
type Coalescer[K comparable, V any] struct {
	pending sync.Map // K -> *flight[K, V]
	timeout time.Duration
}

func New[K comparable, V any](opts Options) *Coalescer[K, V] {
	return &Coalescer[K, V]{timeout: opts.FetchTimeout}
}

// Resolve returns values for keys, calling fetch at most once for the keys
// this call owns. Keys absent from every flight's result are absent from the
// returned map. If a flight fails its error is returned, together with the
// values from flights that succeeded.
//
// Cancelling ctx stops this caller from waiting; the underlying fetches keep
// running for the other callers attached to them.
func (c *Coalescer[K, V]) Resolve(ctx context.Context, keys []K, fetch FetchFunc[K, V]) (map[K]V, error) {
	own := &flight[K, V]{done: make(chan struct{})}
	assigned := make(map[K]*flight[K, V], len(keys))
	joined := make(map[*flight[K, V]]struct{})
	var (
		owned   []K
		flights []*flight[K, V]
	)
	for _, k := range keys {
		if _, dup := assigned[k]; dup {
			continue
		}
		v, loaded := c.pending.LoadOrStore(k, own)
		f := v.(*flight[K, V])
		assigned[k] = f
		if !loaded {
			owned = append(owned, k)
			continue
		}
		if _, ok := joined[f]; !ok {
			joined[f] = struct{}{}
			flights = append(flights, f)
		}
	}
	if len(owned) > 0 {
		flights = append(flights, own)
		go c.run(ctx, own, owned, fetch)
	}

	var errs []error
	for _, f := range flights {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-f.done:
		}
		if f.err != nil {
			errs = append(errs, f.err)
		}
	}

	out := make(map[K]V, len(assigned))
	for k, f := range assigned {
		if f.err != nil {
			continue
		}
		if v, ok := f.result[k]; ok {
			out[k] = v
		}
	}
	return out, errors.Join(errs...)
}

func (c *Coalescer[K, V]) run(ctx context.Context, f *flight[K, V], keys []K, fetch FetchFunc[K, V]) {
	fctx := context.WithoutCancel(ctx)
	if c.timeout > 0 {
		var cancel context.CancelFunc
		fctx, cancel = context.WithTimeout(fctx, c.timeout)
		defer cancel()
	}
	defer func() {
		if r := recover(); r != nil {
			f.result, f.err = nil, fmt.Errorf("%w: %v", ErrFetchPanic, r)
		}
		for _, k := range keys {
			c.pending.CompareAndDelete(k, f)
		}
		close(f.done)
	}()
	f.result, f.err = fetch(fctx, keys)
}

// Pending returns the number of keys with a fetch in flight.
func (c *Coalescer[K, V]) Pending() int {
	n := 0
	c.pending.Range(func(_, _ any) bool { n++; return true })
	return n
}
