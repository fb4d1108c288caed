// ABOUTME: Idempotency store: TTL replay cache plus in-flight request coalescing.
// ABOUTME: Duplicate submissions within the window return the first result unchanged.

package idempotency

import (
	"context"
	"errors"
	"sync"
	"time"
)

// DefaultTTL is how long completed results are replayable.
const DefaultTTL = 5 * time.Minute

// ErrKeyConflict is returned when a key is reused with a different payload.
var ErrKeyConflict = errors.New("idempotency key conflict")

type entry struct {
	at          time.Time
	fingerprint string
	result      any
}

type flight struct {
	done   chan struct{}
	result any
	err    error
}

// Store guards task execution by caller-supplied keys. The lock is held only
// to register or look up slots, never across a task's I/O.
type Store struct {
	ttl   time.Duration
	clock func() time.Time

	mu       sync.Mutex
	entries  map[string]*entry
	inflight map[string]*flight
}

// New builds a Store; ttl <= 0 selects DefaultTTL.
func New(ttl time.Duration) *Store {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Store{
		ttl:      ttl,
		clock:    time.Now,
		entries:  make(map[string]*entry),
		inflight: make(map[string]*flight),
	}
}

// Execute runs task under key. A repeated (key, fingerprint) within the TTL
// returns the stored result with cached=true; a repeated key with a different
// fingerprint returns ErrKeyConflict. Concurrent submissions of the same key
// coalesce onto the first execution. An empty key bypasses the store.
func (s *Store) Execute(ctx context.Context, key, fingerprint string, task func() (any, error)) (result any, cached bool, err error) {
	if key == "" {
		result, err = task()
		return result, false, err
	}

	s.mu.Lock()
	s.sweepLocked()

	if e, ok := s.entries[key]; ok {
		if e.fingerprint != fingerprint {
			s.mu.Unlock()
			return nil, true, ErrKeyConflict
		}
		res := e.result
		s.mu.Unlock()
		return res, true, nil
	}

	if f, ok := s.inflight[key]; ok {
		s.mu.Unlock()
		select {
		case <-f.done:
			return f.result, true, f.err
		case <-ctx.Done():
			return nil, false, ctx.Err()
		}
	}

	f := &flight{done: make(chan struct{})}
	s.inflight[key] = f
	s.mu.Unlock()

	result, err = task()

	s.mu.Lock()
	f.result, f.err = result, err
	if err == nil {
		s.entries[key] = &entry{at: s.clock(), fingerprint: fingerprint, result: result}
	}
	delete(s.inflight, key)
	s.mu.Unlock()
	close(f.done)

	return result, false, err
}

// sweepLocked drops entries older than the TTL. Caller holds s.mu.
func (s *Store) sweepLocked() {
	cutoff := s.clock().Add(-s.ttl)
	for key, e := range s.entries {
		if e.at.Before(cutoff) {
			delete(s.entries, key)
		}
	}
}

// Len reports the number of completed entries currently cached.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}
