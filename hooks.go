package memocache

import "time"

// Hooks are lightweight callbacks for high-signal events, keyed by the cached
// function's Name. Implementations MUST be cheap and non-blocking: they run
// on the call path. Wrap a slow sink with hooks/async.
type Hooks interface {
	// CacheHits reports one call's cache lookup outcome.
	CacheHits(fn string, hits, misses int)

	// FetchSucceeded and FetchFailed report one invocation of the wrapped
	// function, once per flight regardless of how many callers waited on it.
	FetchSucceeded(fn string, keys int, took time.Duration)
	FetchFailed(fn string, keys int, err error)

	// CacheError reports a tier failure (*CacheError), including ones
	// swallowed by ContinueOnError.
	CacheError(fn string, err error)

	// WriteSkipped reports fetched values not written back.
	// reason ∈ {"predicate", "ttl", "filled", "invalidated", "gen_error"}
	WriteSkipped(fn string, keys int, reason string)
}

// NopHooks is the default no-op
type NopHooks struct{}

func (NopHooks) CacheHits(string, int, int)                {}
func (NopHooks) FetchSucceeded(string, int, time.Duration) {}
func (NopHooks) FetchFailed(string, int, error)            {}
func (NopHooks) CacheError(string, error)                  {}
func (NopHooks) WriteSkipped(string, int, string)          {}
