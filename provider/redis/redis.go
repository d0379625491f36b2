package redis

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	goredis "github.com/redis/go-redis/v9"

	pr "github.com/unkn0wn-root/memocache/provider"
)

var ErrNilClient = errors.New("redis provider: nil client")

// keyspace events that mean "the value is gone". A "set" event is not
// forwarded: it cannot be told apart from this process's own write-back.
var invalidatingEvents = map[string]struct{}{
	"del":     {},
	"unlink":  {},
	"expired": {},
	"evicted": {},
}

type Redis struct {
	rdb          goredis.UniversalClient
	closeClient  bool
	notifyConfig bool
}

var (
	_ pr.Provider = (*Redis)(nil)
	_ pr.Batcher  = (*Redis)(nil)
	_ pr.Notifier = (*Redis)(nil)
)

type Config struct {
	Client      goredis.UniversalClient
	CloseClient bool // set true only if this provider exclusively owns the client

	// EnableKeyspaceEvents runs CONFIG SET notify-keyspace-events on the first
	// Subscribe. Leave false when the server is configured out of band.
	EnableKeyspaceEvents bool
}

func New(cfg Config) (*Redis, error) {
	if cfg.Client == nil {
		return nil, ErrNilClient
	}
	return &Redis{rdb: cfg.Client, closeClient: cfg.CloseClient, notifyConfig: cfg.EnableKeyspaceEvents}, nil
}

func (p *Redis) Get(ctx context.Context, key string) ([]byte, bool, error) {
	b, err := p.rdb.Get(ctx, key).Bytes()
	if err == goredis.Nil {
		return nil, false, nil // miss
	}
	if err != nil {
		return nil, false, err // transport/server error
	}
	return b, true, nil
}

func (p *Redis) Set(ctx context.Context, key string, value []byte, _ int64, ttl time.Duration) (bool, error) {
	if ttl <= 0 {
		ttl = 0 // treat non-positive TTLs as "no expiry" per provider contract
	}

	err := p.rdb.Set(ctx, key, value, ttl).Err()
	if err != nil {
		return false, err
	}
	return true, nil
}

func (p *Redis) Del(ctx context.Context, key string) (bool, error) {
	n, err := p.rdb.Del(ctx, key).Result()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// GetMany issues a single MGET.
func (p *Redis) GetMany(ctx context.Context, keys []string) (map[string][]byte, error) {
	if len(keys) == 0 {
		return map[string][]byte{}, nil
	}
	vals, err := p.rdb.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, err
	}
	out := make(map[string][]byte, len(keys))
	for i, v := range vals {
		switch s := v.(type) {
		case string:
			out[keys[i]] = []byte(s)
		case []byte:
			out[keys[i]] = s
		}
	}
	return out, nil
}

// SetMany pipelines one SET PX per item.
func (p *Redis) SetMany(ctx context.Context, items []pr.Item) error {
	if len(items) == 0 {
		return nil
	}
	_, err := p.rdb.Pipelined(ctx, func(pipe goredis.Pipeliner) error {
		for _, it := range items {
			ttl := it.TTL
			if ttl < 0 {
				ttl = 0
			}
			pipe.Set(ctx, it.Key, it.Value, ttl)
		}
		return nil
	})
	return err
}

// Subscribe listens to keyspace notifications for keys starting with prefix.
// The server must have notify-keyspace-events enabled for generic and
// expired events (e.g. "Kgx").
func (p *Redis) Subscribe(ctx context.Context, prefix string, fn func(key string)) (func(), error) {
	if p.notifyConfig {
		if err := p.rdb.ConfigSet(ctx, "notify-keyspace-events", "Kgxe").Err(); err != nil {
			return nil, err
		}
	}

	ps := p.rdb.PSubscribe(ctx, "__keyspace@*__:"+prefix+"*")
	if _, err := ps.Receive(ctx); err != nil { // subscription confirmation
		_ = ps.Close()
		return nil, err
	}

	done := make(chan struct{})
	ch := ps.Channel()
	go func() {
		defer close(done)
		for msg := range ch {
			if _, ok := invalidatingEvents[msg.Payload]; !ok {
				continue
			}
			i := strings.Index(msg.Channel, "__:")
			if i < 0 {
				continue
			}
			fn(msg.Channel[i+3:])
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			_ = ps.Close()
			<-done
		})
	}, nil
}

// Close releases the underlying redis client only when this provider owns it.
// Safe to call multiple times; repeated calls become no-ops.
func (p *Redis) Close(context.Context) error {
	if p.closeClient {
		if err := p.rdb.Close(); err != nil && !errors.Is(err, goredis.ErrClosed) {
			return err
		}
	}
	return nil
}
