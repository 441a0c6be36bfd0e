// Package keyedstore implements a process-local map of short-lived, per-key
// state that many goroutines read and update concurrently.
//
// Keys are spread over independently locked shards so unrelated keys never
// serialize each other. Updates are optimistic: a mutation is computed from a
// snapshot outside any lock and committed only if the entry's version is still
// the one that was read. Expired entries are never returned; they are removed
// lazily on access and, optionally, by a background janitor.
package keyedstore

import (
	"fmt"
	"math/bits"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/serroba/edge-guard/internal/clock"
)

const (
	DefaultShards     = 64
	DefaultMaxRetries = 256
)

// Options configures a Store. Zero values select the defaults.
type Options struct {
	// Shards is rounded up to a power of two.
	Shards int
	// MaxRetries bounds the optimistic retry loop of Upsert.
	MaxRetries int
	// MaxEntries bounds the number of entries. The bound is split evenly
	// over the shards and rounded up, so the store may hold up to Shards-1
	// entries more than MaxEntries. When a shard is full its expired entries
	// are purged first and Overflow decides what happens next. Zero means
	// unbounded.
	MaxEntries int
	// Overflow selects how a full shard treats a new key.
	Overflow Overflow
}

// Overflow is the policy applied when a new key meets a full shard.
type Overflow int

const (
	// OverflowReject refuses the new key with ErrFull. Live entries are never
	// dropped, which suits state that must survive until it expires.
	OverflowReject Overflow = iota
	// OverflowEvict drops the live entry closest to expiry to make room.
	OverflowEvict
)

type shard[T any] struct {
	mu      sync.RWMutex
	entries map[string]Entry[T]
}

// Store is a concurrent map from string keys to expiring entries of type T.
type Store[T any] struct {
	clock      clock.Clock
	shards     []*shard[T]
	mask       uint64
	seq        atomic.Uint64
	maxRetries int
	shardCap   int
	overflow   Overflow

	mu      sync.Mutex
	done    chan struct{}
	stopped chan struct{}
}

// New creates a store that measures expiry with clk.
func New[T any](clk clock.Clock, opts Options) (*Store[T], error) {
	if opts.Shards < 0 || opts.MaxRetries < 0 || opts.MaxEntries < 0 ||
		opts.Overflow < OverflowReject || opts.Overflow > OverflowEvict {
		return nil, fmt.Errorf("%w: %+v", ErrInvalidOptions, opts)
	}

	if opts.Shards == 0 {
		opts.Shards = DefaultShards
	}

	if opts.MaxRetries == 0 {
		opts.MaxRetries = DefaultMaxRetries
	}

	n := 1 << bits.Len(uint(opts.Shards-1))

	s := &Store[T]{
		clock:      clk,
		shards:     make([]*shard[T], n),
		mask:       uint64(n - 1),
		maxRetries: opts.MaxRetries,
		overflow:   opts.Overflow,
	}

	if opts.MaxEntries > 0 {
		s.shardCap = (opts.MaxEntries + n - 1) / n
	}

	for i := range s.shards {
		s.shards[i] = &shard[T]{entries: make(map[string]Entry[T])}
	}

	return s, nil
}

func (s *Store[T]) shardFor(key string) *shard[T] {
	return s.shards[xxhash.Sum64String(key)&s.mask]
}

// Get returns the live entry for key. Expired entries are reported as absent
// and purged.
func (s *Store[T]) Get(key string) (Entry[T], bool) {
	sh := s.shardFor(key)
	now := s.clock.Now()

	sh.mu.RLock()
	e, ok := sh.entries[key]
	sh.mu.RUnlock()

	if !ok {
		return Entry[T]{}, false
	}

	if e.Expired(now) {
		s.DeleteIfVersion(key, e.Version)

		return Entry[T]{}, false
	}

	return e, true
}

// InsertIfAbsent stores payload under key unless a live entry exists. It
// returns the entry now associated with key and whether it was inserted, or
// ErrFull when the key is new and the store refuses it.
func (s *Store[T]) InsertIfAbsent(key string, payload T, expiresAt time.Time) (Entry[T], bool, error) {
	sh := s.shardFor(key)
	now := s.clock.Now()

	sh.mu.Lock()
	defer sh.mu.Unlock()

	cur, ok := sh.entries[key]
	if ok && !cur.Expired(now) {
		return cur, false, nil
	}

	if !ok && !s.makeRoomLocked(sh, now) {
		return Entry[T]{}, false, fmt.Errorf("%w: key %q", ErrFull, key)
	}

	e := Entry[T]{
		Key:       key,
		Payload:   payload,
		CreatedAt: now,
		ExpiresAt: expiresAt,
		Version:   s.seq.Add(1),
	}
	sh.entries[key] = e

	return e, true, nil
}

// Upsert atomically replaces the payload of key with the result of mutate.
// It returns ErrContention when concurrent writers kept invalidating the
// snapshot for MaxRetries attempts, ErrFull when key is new and the store
// refuses it, and any error mutate returns unchanged.
func (s *Store[T]) Upsert(key string, mutate MutateFunc[T]) (Entry[T], error) {
	sh := s.shardFor(key)

	for attempt := 0; attempt < s.maxRetries; attempt++ {
		now := s.clock.Now()

		sh.mu.RLock()
		cur, present := sh.entries[key]
		sh.mu.RUnlock()

		live := present && !cur.Expired(now)

		var current T
		if live {
			current = cur.Payload
		}

		next, expiresAt, err := mutate(current, live, now)
		if err != nil {
			return Entry[T]{}, err
		}

		e, ok, err := s.commit(sh, key, cur.Version, present, live, cur.CreatedAt, next, expiresAt, now)
		if err != nil {
			return Entry[T]{}, err
		}

		if ok {
			return e, nil
		}

		runtime.Gosched()
	}

	return Entry[T]{}, fmt.Errorf("%w: key %q after %d attempts", ErrContention, key, s.maxRetries)
}

func (s *Store[T]) commit(
	sh *shard[T],
	key string,
	observed uint64,
	present, live bool,
	createdAt time.Time,
	payload T,
	expiresAt, now time.Time,
) (Entry[T], bool, error) {
	sh.mu.Lock()
	defer sh.mu.Unlock()

	cur, ok := sh.entries[key]
	if ok != present || (ok && cur.Version != observed) {
		return Entry[T]{}, false, nil
	}

	if !ok && !s.makeRoomLocked(sh, now) {
		return Entry[T]{}, false, fmt.Errorf("%w: key %q", ErrFull, key)
	}

	if !live {
		createdAt = now
	}

	e := Entry[T]{
		Key:       key,
		Payload:   payload,
		CreatedAt: createdAt,
		ExpiresAt: expiresAt,
		Version:   s.seq.Add(1),
	}
	sh.entries[key] = e

	return e, true, nil
}

// CompareAndSwap replaces the payload of key only if its live entry still has
// the given version.
func (s *Store[T]) CompareAndSwap(key string, version uint64, payload T, expiresAt time.Time) (Entry[T], bool) {
	sh := s.shardFor(key)
	now := s.clock.Now()

	sh.mu.Lock()
	defer sh.mu.Unlock()

	cur, ok := sh.entries[key]
	if !ok || cur.Version != version || cur.Expired(now) {
		return Entry[T]{}, false
	}

	cur.Payload = payload
	cur.ExpiresAt = expiresAt
	cur.Version = s.seq.Add(1)
	sh.entries[key] = cur

	return cur, true
}

// Delete removes key unconditionally and reports whether it was present.
func (s *Store[T]) Delete(key string) bool {
	sh := s.shardFor(key)

	sh.mu.Lock()
	defer sh.mu.Unlock()

	_, ok := sh.entries[key]
	delete(sh.entries, key)

	return ok
}

// DeleteIfVersion removes key only if its entry still has the given version.
func (s *Store[T]) DeleteIfVersion(key string, version uint64) bool {
	sh := s.shardFor(key)

	sh.mu.Lock()
	defer sh.mu.Unlock()

	cur, ok := sh.entries[key]
	if !ok || cur.Version != version {
		return false
	}

	delete(sh.entries, key)

	return true
}

// DeleteIfExpired removes key if its entry is expired.
func (s *Store[T]) DeleteIfExpired(key string) bool {
	sh := s.shardFor(key)
	now := s.clock.Now()

	sh.mu.Lock()
	defer sh.mu.Unlock()

	cur, ok := sh.entries[key]
	if !ok || !cur.Expired(now) {
		return false
	}

	delete(sh.entries, key)

	return true
}

// DeleteFunc removes every live entry for which match returns true. Shards are
// visited one at a time, so the result is not a point-in-time snapshot.
func (s *Store[T]) DeleteFunc(match func(Entry[T]) bool) int {
	removed := 0

	for _, sh := range s.shards {
		sh.mu.Lock()

		for k, e := range sh.entries {
			if match(e) {
				delete(sh.entries, k)
				removed++
			}
		}

		sh.mu.Unlock()
	}

	return removed
}

// Sweep removes all expired entries and returns how many were dropped.
func (s *Store[T]) Sweep() int {
	now := s.clock.Now()
	removed := 0

	for _, sh := range s.shards {
		sh.mu.Lock()
		removed += purgeExpiredLocked(sh, now)
		sh.mu.Unlock()
	}

	return removed
}

// Len returns the number of live entries.
func (s *Store[T]) Len() int {
	now := s.clock.Now()
	n := 0

	for _, sh := range s.shards {
		sh.mu.RLock()

		for _, e := range sh.entries {
			if !e.Expired(now) {
				n++
			}
		}

		sh.mu.RUnlock()
	}

	return n
}

// StartJanitor sweeps expired entries every interval until Shutdown is called.
// Lazy expiry on access is enough for correctness; the janitor only bounds
// memory held by keys that are never touched again.
func (s *Store[T]) StartJanitor(interval time.Duration) {
	if interval <= 0 {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.done != nil {
		return
	}

	s.done = make(chan struct{})
	s.stopped = make(chan struct{})

	go s.janitor(interval, s.done, s.stopped)
}

func (s *Store[T]) janitor(interval time.Duration, done <-chan struct{}, stopped chan<- struct{}) {
	defer close(stopped)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			s.Sweep()
		}
	}
}

// Shutdown stops the janitor, if running, and waits for it to exit.
func (s *Store[T]) Shutdown() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.done == nil {
		return nil
	}

	close(s.done)
	<-s.stopped

	s.done = nil
	s.stopped = nil

	return nil
}

// makeRoomLocked enforces the shard capacity before a new key is added and
// reports whether the key may be stored. Caller must hold the shard's write
// lock.
func (s *Store[T]) makeRoomLocked(sh *shard[T], now time.Time) bool {
	if s.shardCap == 0 || len(sh.entries) < s.shardCap {
		return true
	}

	purgeExpiredLocked(sh, now)

	if len(sh.entries) < s.shardCap {
		return true
	}

	if s.overflow == OverflowReject {
		return false
	}

	for len(sh.entries) >= s.shardCap {
		var (
			victim  string
			soonest time.Time
			found   bool
		)

		for k, e := range sh.entries {
			if !found || e.ExpiresAt.Before(soonest) {
				victim, soonest, found = k, e.ExpiresAt, true
			}
		}

		delete(sh.entries, victim)
	}

	return true
}

func purgeExpiredLocked[T any](sh *shard[T], now time.Time) int {
	removed := 0

	for k, e := range sh.entries {
		if e.Expired(now) {
			delete(sh.entries, k)
			removed++
		}
	}

	return removed
}
