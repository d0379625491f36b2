package memocache

import "time"

const (
	defaultName                 = "memo"
	defaultTTL                  = 10 * time.Minute
	defaultMaxConcurrentBatches = 4

	// in-process generations; retention must outlive the slowest fetch
	defaultGenSweep     = time.Hour
	defaultGenRetention = 24 * time.Hour
)

// coalesce returns def when v is the zero value of T - otherwise v.
func coalesce[T comparable](v, def T) T {
	var zero T
	if v == zero {
		return def
	}
	return v
}
