// Package otelhooks records memocache events as OpenTelemetry metrics.
package otelhooks

import (
	"context"
	"errors"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/unkn0wn-root/memocache"
)

const (
	scopeName = "github.com/unkn0wn-root/memocache"

	metricLookups      = "memocache.lookups"
	metricFetches      = "memocache.fetches"
	metricFetchKeys    = "memocache.fetch.keys"
	metricFetchLatency = "memocache.fetch.duration"
	metricCacheErrors  = "memocache.cache.errors"
	metricWriteSkipped = "memocache.write.skipped"
)

// Hooks implements memocache.Hooks with OpenTelemetry instruments.
type Hooks struct {
	lookups      metric.Int64Counter
	fetches      metric.Int64Counter
	fetchKeys    metric.Int64Histogram
	fetchLatency metric.Float64Histogram
	cacheErrors  metric.Int64Counter
	writeSkipped metric.Int64Counter
}

var _ memocache.Hooks = (*Hooks)(nil)

// New creates the instruments on mp's meter.
func New(mp metric.MeterProvider) (*Hooks, error) {
	if mp == nil {
		return nil, errors.New("otelhooks: nil meter provider")
	}
	meter := mp.Meter(scopeName)

	var (
		h   Hooks
		err error
	)
	if h.lookups, err = meter.Int64Counter(metricLookups,
		metric.WithDescription("Keys looked up in cache, by result (hit, miss)"),
		metric.WithUnit("{key}")); err != nil {
		return nil, err
	}
	if h.fetches, err = meter.Int64Counter(metricFetches,
		metric.WithDescription("Invocations of the cached function, by outcome"),
		metric.WithUnit("{call}")); err != nil {
		return nil, err
	}
	if h.fetchKeys, err = meter.Int64Histogram(metricFetchKeys,
		metric.WithDescription("Keys per invocation of the cached function"),
		metric.WithUnit("{key}"),
		metric.WithExplicitBucketBoundaries(1, 2, 5, 10, 25, 50, 100, 250, 500, 1000)); err != nil {
		return nil, err
	}
	if h.fetchLatency, err = meter.Float64Histogram(metricFetchLatency,
		metric.WithDescription("Latency of successful invocations of the cached function"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5)); err != nil {
		return nil, err
	}
	if h.cacheErrors, err = meter.Int64Counter(metricCacheErrors,
		metric.WithDescription("Cache tier failures, by tier and operation"),
		metric.WithUnit("{error}")); err != nil {
		return nil, err
	}
	if h.writeSkipped, err = meter.Int64Counter(metricWriteSkipped,
		metric.WithDescription("Fetched values not written back, by reason"),
		metric.WithUnit("{key}")); err != nil {
		return nil, err
	}
	return &h, nil
}

func fnAttr(fn string) attribute.KeyValue { return attribute.String("func", fn) }

func (h *Hooks) CacheHits(fn string, hits, misses int) {
	ctx := context.Background()
	if hits > 0 {
		h.lookups.Add(ctx, int64(hits), metric.WithAttributes(fnAttr(fn), attribute.String("result", "hit")))
	}
	if misses > 0 {
		h.lookups.Add(ctx, int64(misses), metric.WithAttributes(fnAttr(fn), attribute.String("result", "miss")))
	}
}

func (h *Hooks) FetchSucceeded(fn string, keys int, took time.Duration) {
	ctx := context.Background()
	attrs := metric.WithAttributes(fnAttr(fn), attribute.String("outcome", "ok"))
	h.fetches.Add(ctx, 1, attrs)
	h.fetchKeys.Record(ctx, int64(keys), metric.WithAttributes(fnAttr(fn)))
	h.fetchLatency.Record(ctx, took.Seconds(), metric.WithAttributes(fnAttr(fn)))
}

func (h *Hooks) FetchFailed(fn string, keys int, _ error) {
	ctx := context.Background()
	h.fetches.Add(ctx, 1, metric.WithAttributes(fnAttr(fn), attribute.String("outcome", "error")))
	h.fetchKeys.Record(ctx, int64(keys), metric.WithAttributes(fnAttr(fn)))
}

func (h *Hooks) CacheError(fn string, err error) {
	tier, op := "unknown", "unknown"
	var ce *memocache.CacheError
	if errors.As(err, &ce) {
		tier, op = string(ce.Tier), string(ce.Op)
	}
	h.cacheErrors.Add(context.Background(), 1, metric.WithAttributes(
		fnAttr(fn),
		attribute.String("tier", tier),
		attribute.String("op", op),
	))
}

func (h *Hooks) WriteSkipped(fn string, keys int, reason string) {
	h.writeSkipped.Add(context.Background(), int64(keys), metric.WithAttributes(
		fnAttr(fn),
		attribute.String("reason", reason),
	))
}
