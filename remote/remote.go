// Package remote adapts a byte provider into a typed distributed store.
//
// Values are encoded with a codec and framed with their absolute expiry, so
// every hit reports its remaining TTL even on providers without per-key TTL
// introspection. Frames that fail validation or decoding are deleted and
// reported as misses.
package remote

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/unkn0wn-root/memocache/codec"
	"github.com/unkn0wn-root/memocache/internal/util"
	"github.com/unkn0wn-root/memocache/internal/wire"
	"github.com/unkn0wn-root/memocache/provider"
	"github.com/unkn0wn-root/memocache/store"
)

const DefaultNamespace = "memo"

var (
	ErrNilProvider = errors.New("remote: nil provider")
	ErrNilCodec    = errors.New("remote: nil codec")
)

// Options configure a Store. Zero values take defaults.
type Options[K comparable] struct {
	// Namespace prefixes every storage key ("<ns>:<key>"). Default "memo".
	Namespace string
	// KeyString renders a key. Default formats strings and integers directly
	// and anything else with fmt.
	KeyString func(K) string
	// ParseKey inverts KeyString. Required for Watch.
	ParseKey func(string) (K, error)
	// Now is the wall clock used for frame expiry. Default time.Now.
	Now func() time.Time
}

// Store is a store.Distributed over a provider.Provider.
type Store[K comparable, V any] struct {
	p       provider.Provider
	batcher provider.Batcher // nil if unsupported
	c       codec.Codec[V]

	ns        string
	keyString func(K) string
	parseKey  func(string) (K, error)
	now       func() time.Time

	healed   atomic.Uint64
	rejected atomic.Uint64
}

var (
	_ store.Distributed[string, int] = (*Store[string, int])(nil)
	_ store.Watcher[string]          = (*Store[string, int])(nil)
)

func New[K comparable, V any](p provider.Provider, c codec.Codec[V], opts Options[K]) (*Store[K, V], error) {
	if p == nil {
		return nil, ErrNilProvider
	}
	if c == nil {
		return nil, ErrNilCodec
	}
	s := &Store[K, V]{
		p:         p,
		c:         c,
		ns:        opts.Namespace,
		keyString: opts.KeyString,
		parseKey:  opts.ParseKey,
		now:       opts.Now,
	}
	if s.ns == "" {
		s.ns = DefaultNamespace
	}
	if s.keyString == nil {
		s.keyString = func(k K) string { return util.KeyString(k) }
	}
	if s.now == nil {
		s.now = time.Now
	}
	if b, ok := p.(provider.Batcher); ok {
		s.batcher = b
	}
	return s, nil
}

func (s *Store[K, V]) storageKey(k K) string { return util.StorageKey(s.ns, s.keyString(k)) }

// TryGet returns (entry, true, nil) on hit and (zero, false, nil) on miss.
func (s *Store[K, V]) TryGet(ctx context.Context, key K) (store.Entry[V], bool, error) {
	sk := s.storageKey(key)
	raw, ok, err := s.p.Get(ctx, sk)
	if err != nil || !ok {
		return store.Entry[V]{}, false, err
	}
	return s.decode(ctx, sk, raw, s.now())
}

// GetMany uses the provider's batch read when it has one.
func (s *Store[K, V]) GetMany(ctx context.Context, keys []K) (map[K]store.Entry[V], error) {
	out := make(map[K]store.Entry[V], len(keys))
	if len(keys) == 0 {
		return out, nil
	}
	sks := make([]string, len(keys))
	for i, k := range keys {
		sks[i] = s.storageKey(k)
	}

	var raws map[string][]byte
	if s.batcher != nil {
		var err error
		if raws, err = s.batcher.GetMany(ctx, sks); err != nil {
			return nil, err
		}
	} else {
		raws = make(map[string][]byte, len(sks))
		for _, sk := range sks {
			raw, ok, err := s.p.Get(ctx, sk)
			if err != nil {
				return nil, err
			}
			if ok {
				raws[sk] = raw
			}
		}
	}

	now := s.now()
	for i, k := range keys {
		raw, ok := raws[sks[i]]
		if !ok {
			continue
		}
		if e, hit, _ := s.decode(ctx, sks[i], raw, now); hit {
			out[k] = e
		}
	}
	return out, nil
}

// decode unframes raw. Corrupt frames are deleted; expired frames are misses.
func (s *Store[K, V]) decode(ctx context.Context, sk string, raw []byte, now time.Time) (store.Entry[V], bool, error) {
	exp, payload, err := wire.Decode(raw)
	if err == nil {
		ttl := wire.Remaining(exp, now)
		if ttl <= 0 {
			return store.Entry[V]{}, false, nil
		}
		var v V
		if v, err = s.c.Decode(payload); err == nil {
			return store.Entry[V]{Value: v, TTL: ttl}, true, nil
		}
	}
	// self-heal
	s.healed.Add(1)
	_, _ = s.p.Del(ctx, sk)
	return store.Entry[V]{}, false, nil
}

func (s *Store[K, V]) encode(v V, ttl time.Duration, now time.Time) ([]byte, error) {
	payload, err := s.c.Encode(v)
	if err != nil {
		return nil, fmt.Errorf("remote: encode: %w", err)
	}
	return wire.Encode(now.Add(ttl), payload), nil
}

// Set stores value for ttl. ttl <= 0 is a no-op.
func (s *Store[K, V]) Set(ctx context.Context, key K, value V, ttl time.Duration) error {
	if ttl <= 0 {
		return nil
	}
	frame, err := s.encode(value, ttl, s.now())
	if err != nil {
		return err
	}
	ok, err := s.p.Set(ctx, s.storageKey(key), frame, int64(len(frame)), ttl)
	if err != nil {
		return err
	}
	if !ok {
		s.rejected.Add(1)
	}
	return nil
}

// SetMany stores all entries with the same ttl, batched when the provider
// supports it.
func (s *Store[K, V]) SetMany(ctx context.Context, entries map[K]V, ttl time.Duration) error {
	if ttl <= 0 || len(entries) == 0 {
		return nil
	}
	now := s.now()
	items := make([]provider.Item, 0, len(entries))
	for k, v := range entries {
		frame, err := s.encode(v, ttl, now)
		if err != nil {
			return err
		}
		items = append(items, provider.Item{Key: s.storageKey(k), Value: frame, Cost: int64(len(frame)), TTL: ttl})
	}
	if s.batcher != nil {
		return s.batcher.SetMany(ctx, items)
	}
	var errs []error
	for _, it := range items {
		ok, err := s.p.Set(ctx, it.Key, it.Value, it.Cost, it.TTL)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if !ok {
			s.rejected.Add(1)
		}
	}
	return errors.Join(errs...)
}

func (s *Store[K, V]) Remove(ctx context.Context, key K) (bool, error) {
	return s.p.Del(ctx, s.storageKey(key))
}

// Watch forwards provider invalidations for this namespace. It needs a
// provider.Notifier and Options.ParseKey; keys that fail to parse (such as
// hashed long keys) are skipped.
func (s *Store[K, V]) Watch(ctx context.Context, fn func(K)) (func(), error) {
	n, ok := s.p.(provider.Notifier)
	if !ok || s.parseKey == nil {
		return nil, store.ErrWatchUnsupported
	}
	prefix := s.ns + ":"
	return n.Subscribe(ctx, prefix, func(sk string) {
		raw, ok := strings.CutPrefix(sk, prefix)
		if !ok {
			return
		}
		k, err := s.parseKey(raw)
		if err != nil {
			return
		}
		fn(k)
	})
}

// Close closes the provider.
func (s *Store[K, V]) Close(ctx context.Context) error { return s.p.Close(ctx) }

// Healed counts corrupt entries deleted on read.
func (s *Store[K, V]) Healed() uint64 { return s.healed.Load() }

// Rejected counts writes the provider refused under pressure.
func (s *Store[K, V]) Rejected() uint64 { return s.rejected.Load() }
