// Package sloghooks logs memocache events with log/slog.
package sloghooks

import (
	"errors"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/unkn0wn-root/memocache"
	"github.com/unkn0wn-root/memocache/internal/util"
)

type Options struct {
	// Sampling to avoid floods; 0/1 = log all.
	CacheHitsEvery    uint64
	WriteSkippedEvery uint64
	// SlowFetch logs successful fetches slower than this at Warn. 0 => never.
	SlowFetch time.Duration
	// Optional key redactor for keys in cache errors. Defaults to an xxhash
	// digest.
	Redact func(string) string
}

type Hooks struct {
	l    *slog.Logger
	opts Options

	hitsCtr    atomic.Uint64
	skippedCtr atomic.Uint64
}

var _ memocache.Hooks = (*Hooks)(nil)

func New(l *slog.Logger, opts Options) *Hooks {
	return &Hooks{l: l, opts: opts}
}

func (h *Hooks) redact(k string) string {
	if h.opts.Redact != nil {
		return h.opts.Redact(k)
	}
	return util.HashKey(k)
}

func sample(n uint64, ctr *atomic.Uint64) bool {
	if n == 0 || n == 1 {
		return true
	}
	return ctr.Add(1)%n == 0
}

func (h *Hooks) CacheHits(fn string, hits, misses int) {
	if h.l == nil || !sample(h.opts.CacheHitsEvery, &h.hitsCtr) {
		return
	}
	h.l.Debug("memocache.cache_hits",
		"func", fn,
		"hits", hits,
		"misses", misses)
}

func (h *Hooks) FetchSucceeded(fn string, keys int, took time.Duration) {
	if h.l == nil || h.opts.SlowFetch <= 0 || took < h.opts.SlowFetch {
		return
	}
	h.l.Warn("memocache.slow_fetch",
		"func", fn,
		"keys", keys,
		"took", took)
}

func (h *Hooks) FetchFailed(fn string, keys int, err error) {
	if h.l == nil {
		return
	}
	h.l.Error("memocache.fetch_failed",
		"func", fn,
		"keys", keys,
		"err", err)
}

func (h *Hooks) CacheError(fn string, err error) {
	if h.l == nil {
		return
	}
	attrs := []any{"func", fn, "err", err}
	var ce *memocache.CacheError
	if errors.As(err, &ce) {
		attrs = append(attrs, "tier", ce.Tier, "op", ce.Op, "keys", len(ce.Keys))
		if len(ce.Keys) == 1 {
			attrs = append(attrs, "key", h.redact(util.KeyString(ce.Keys[0])))
		}
	}
	h.l.Warn("memocache.cache_error", attrs...)
}

func (h *Hooks) WriteSkipped(fn string, keys int, reason string) {
	if h.l == nil || !sample(h.opts.WriteSkippedEvery, &h.skippedCtr) {
		return
	}
	h.l.Debug("memocache.write_skipped",
		"func", fn,
		"keys", keys,
		"reason", reason)
}
