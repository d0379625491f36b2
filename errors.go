package memocache

import (
	"errors"
	"fmt"
	"reflect"

	"github.com/unkn0wn-root/memocache/store"
)

var (
	// ErrNotFound is returned by Get when the fetch did not return the key
	// and no FillMissing is configured.
	ErrNotFound = errors.New("memocache: key not found")

	ErrNilFetch       = errors.New("memocache: nil fetch function")
	ErrInvalidOptions = errors.New("memocache: invalid options")
)

// CacheError is a failed read, write or remove in one cache tier.
type CacheError = store.Error

// FetchError wraps an error returned (or panic raised) by the cached
// function. Every caller attached to the failed fetch receives the same
// *FetchError value.
type FetchError struct {
	Func string
	Keys []any
	Err  error
}

func (e *FetchError) Error() string {
	if len(e.Keys) == 1 {
		return fmt.Sprintf("memocache: %s fetch %v: %v", e.Func, e.Keys[0], e.Err)
	}
	return fmt.Sprintf("memocache: %s fetch (%d keys): %v", e.Func, len(e.Keys), e.Err)
}

func (e *FetchError) Unwrap() error { return e.Err }

func newFetchError[K any](fn string, keys []K, err error) *FetchError {
	ks := make([]any, len(keys))
	for i, k := range keys {
		ks[i] = k
	}
	return &FetchError{Func: fn, Keys: ks, Err: err}
}

// RemoveError reports a Remove that failed to bump the key's generation,
// to clear it from the cache, or both.
type RemoveError struct {
	Key      any
	BumpErr  error
	CacheErr error
}

func (e *RemoveError) Error() string {
	switch {
	case e.BumpErr != nil && e.CacheErr != nil:
		return fmt.Sprintf("memocache: remove %v: gen bump and cache remove failed: bump=%v; cache=%v",
			e.Key, e.BumpErr, e.CacheErr)
	case e.BumpErr != nil:
		return fmt.Sprintf("memocache: remove %v: gen bump failed: %v", e.Key, e.BumpErr)
	case e.CacheErr != nil:
		return fmt.Sprintf("memocache: remove %v: %v", e.Key, e.CacheErr)
	default:
		return fmt.Sprintf("memocache: remove %v: unknown error", e.Key)
	}
}

func (e *RemoveError) Unwrap() []error {
	errs := make([]error, 0, 2)
	if e.BumpErr != nil {
		errs = append(errs, e.BumpErr)
	}
	if e.CacheErr != nil {
		errs = append(errs, e.CacheErr)
	}
	return errs
}

// distinct flattens joined errors and drops repeats of the same error value.
func distinct(errs []error) []error {
	var out []error
	seen := make(map[error]struct{})
	var walk func(error)
	walk = func(err error) {
		if err == nil {
			return
		}
		if j, ok := err.(interface{ Unwrap() []error }); ok {
			if _, isRemove := err.(*RemoveError); !isRemove {
				for _, e := range j.Unwrap() {
					walk(e)
				}
				return
			}
		}
		if reflect.TypeOf(err).Comparable() {
			if _, dup := seen[err]; dup {
				return
			}
			seen[err] = struct{}{}
		}
		out = append(out, err)
	}
	for _, err := range errs {
		walk(err)
	}
	return out
}
