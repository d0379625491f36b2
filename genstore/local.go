package genstore

import (
	"context"
	"sync"
	"time"
)

type localGenEntry struct {
	Gen       uint64
	UpdatedAt time.Time
}

// LocalOptions configure a Local store. The zero value never prunes.
type LocalOptions struct {
	// CleanupInterval runs Cleanup periodically when both it and Retention
	// are positive.
	CleanupInterval time.Duration
	// Retention is how long an untouched generation is kept. It must exceed
	// the longest fetch, or a Remove racing that fetch can be forgotten.
	Retention time.Duration
}

// Local keeps generations in-process (default).
type Local struct {
	mu   sync.RWMutex
	gens map[string]localGenEntry

	retention time.Duration
	stopCh    chan struct{}
	wg        sync.WaitGroup
	closeOnce sync.Once
}

var _ GenStore = (*Local)(nil)

func NewLocal(opts LocalOptions) *Local {
	s := &Local{
		gens:      make(map[string]localGenEntry),
		retention: opts.Retention,
	}
	if opts.CleanupInterval > 0 && opts.Retention > 0 {
		s.stopCh = make(chan struct{})
		s.wg.Add(1)
		go s.cleanupLoop(opts.CleanupInterval)
	}
	return s
}

func (s *Local) cleanupLoop(interval time.Duration) {
	defer s.wg.Done()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			s.Cleanup(s.retention)
		case <-s.stopCh:
			return
		}
	}
}

func (s *Local) Snapshot(_ context.Context, k string) (uint64, error) {
	s.mu.RLock()
	e := s.gens[k]
	s.mu.RUnlock()
	return e.Gen, nil
}

// SnapshotMany takes the read lock once for all keys.
func (s *Local) SnapshotMany(_ context.Context, ks []string) (map[string]uint64, error) {
	out := make(map[string]uint64, len(ks))
	s.mu.RLock()
	for _, k := range ks {
		out[k] = s.gens[k].Gen // zero value (0) if missing
	}
	s.mu.RUnlock()
	return out, nil
}

func (s *Local) Bump(_ context.Context, k string) (uint64, error) {
	now := time.Now()
	s.mu.Lock()
	e := s.gens[k]
	e.Gen++
	e.UpdatedAt = now
	s.gens[k] = e
	s.mu.Unlock()
	return e.Gen, nil
}

// Cleanup drops generations not bumped within retention.
func (s *Local) Cleanup(retention time.Duration) int {
	if retention <= 0 {
		return 0
	}
	cutoff := time.Now().Add(-retention)

	n := 0
	s.mu.Lock()
	for k, e := range s.gens {
		if e.UpdatedAt.Before(cutoff) {
			delete(s.gens, k)
			n++
		}
	}
	s.mu.Unlock()
	return n
}

// Len returns the number of tracked keys.
func (s *Local) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.gens)
}

func (s *Local) Close(_ context.Context) error {
	s.closeOnce.Do(func() {
		if s.stopCh != nil {
			close(s.stopCh)
			s.wg.Wait()
		}
	})
	return nil
}
