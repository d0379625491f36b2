package store

import (
	"fmt"
	"strings"
)

// Tier names the cache tier an error originated from.
type Tier string

const (
	TierLocal       Tier = "local"
	TierDistributed Tier = "distributed"
)

// Op names the cache operation that failed.
type Op string

const (
	OpGet    Op = "get"
	OpSet    Op = "set"
	OpRemove Op = "remove"
)

// Error is returned when a cache tier fails to read, write or remove.
// Keys holds the affected keys as passed to the tier.
type Error struct {
	Tier Tier
	Op   Op
	Keys []any
	Err  error
}

func (e *Error) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "memocache: %s cache %s", e.Tier, e.Op)
	switch n := len(e.Keys); {
	case n == 1:
		fmt.Fprintf(&b, " %v", e.Keys[0])
	case n > 1:
		fmt.Fprintf(&b, " (%d keys)", n)
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() error { return e.Err }

// IsRead reports whether the error came from a cache read.
func (e *Error) IsRead() bool { return e.Op == OpGet }

// NewError wraps err for tier/op. It returns nil when err is nil.
func NewError[K any](tier Tier, op Op, keys []K, err error) error {
	if err == nil {
		return nil
	}
	ks := make([]any, len(keys))
	for i, k := range keys {
		ks[i] = k
	}
	return &Error{Tier: tier, Op: op, Keys: ks, Err: err}
}
