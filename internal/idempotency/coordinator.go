// Package idempotency makes concurrent and repeated requests that share a key
// run their handler once. The first caller becomes the leader and executes the
// handler; everyone else waits for or replays its result.
package idempotency

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/serroba/edge-guard/internal/clock"
	"github.com/serroba/edge-guard/internal/keyedstore"
	"go.uber.org/zap"
)

// DefaultWaitTimeout bounds how long followers wait for a leader.
const DefaultWaitTimeout = 30 * time.Second

// Handler produces the result captured for an idempotency key.
type Handler[T any] func(ctx context.Context) (T, error)

// Options configures a Coordinator.
type Options struct {
	// WaitTimeout bounds a follower's wait for a pending leader.
	WaitTimeout time.Duration
}

// Coordinator runs a Handler at most once per live key.
type Coordinator[T any] struct {
	clock  clock.Clock
	store  *keyedstore.Store[Slot[T]]
	opts   Options
	logger *zap.Logger
}

// New creates a Coordinator keeping its slots in store.
func New[T any](clk clock.Clock, store *keyedstore.Store[Slot[T]], opts Options, logger *zap.Logger) (*Coordinator[T], error) {
	if opts.WaitTimeout <= 0 {
		return nil, fmt.Errorf("%w: wait timeout must be positive, got %s", ErrInvalidOptions, opts.WaitTimeout)
	}

	return &Coordinator[T]{
		clock:  clk,
		store:  store,
		opts:   opts,
		logger: logger,
	}, nil
}

// Execute returns the result for key, running handler only if no live slot
// exists. replayed is true when the result was produced by another call.
//
// The handler runs detached from ctx: if the caller gives up, the handler
// still completes and its result is kept for the remaining ttl. A completed
// slot lives for ttl after completion. A pending slot lives for ttl after it
// was created and the leader pushes that deadline forward every half ttl
// while the handler runs, so a slow handler never loses its key.
//
// A leader's caller receives the handler's error as is. Followers waiting at
// the time get it wrapped in ErrLeaderFailed, and the slot is removed so the
// next call elects a new leader.
func (c *Coordinator[T]) Execute(
	ctx context.Context,
	key string,
	ttl time.Duration,
	handler Handler[T],
) (result T, replayed bool, err error) {
	if ttl <= 0 {
		return result, false, fmt.Errorf("%w: ttl must be positive, got %s", ErrInvalidOptions, ttl)
	}

	now := c.clock.Now()
	slot := Slot[T]{
		State:       StatePending,
		Owner:       uuid.New(),
		FirstSeenAt: now,
		flight:      newFlight[T](),
	}

	entry, inserted, err := c.store.InsertIfAbsent(key, slot, now.Add(ttl))
	if err != nil {
		return result, false, err
	}

	if inserted {
		go c.lead(context.WithoutCancel(ctx), key, entry.Version, slot, ttl, handler)

		return c.awaitLeader(ctx, slot.flight)
	}

	existing := entry.Payload
	if existing.State == StateCompleted {
		return existing.Result, true, nil
	}

	return c.follow(ctx, existing.flight)
}

// Lookup reports the live slot for key.
func (c *Coordinator[T]) Lookup(key string) (Slot[T], bool) {
	entry, ok := c.store.Get(key)
	if !ok {
		return Slot[T]{}, false
	}

	slot := entry.Payload
	if slot.flight != nil {
		slot.Waiters = slot.flight.waiters.Load()
	}

	return slot, true
}

// Forget removes the slot for key. A running leader still completes and
// answers its current followers, but its result is not stored.
func (c *Coordinator[T]) Forget(key string) bool {
	return c.store.Delete(key)
}

func (c *Coordinator[T]) lead(
	ctx context.Context,
	key string,
	version uint64,
	slot Slot[T],
	ttl time.Duration,
	handler Handler[T],
) {
	var (
		value T
		err   error
	)

	finished := make(chan struct{})

	go func() {
		defer close(finished)

		value, err = c.run(ctx, key, handler)
	}()

	version = c.holdPending(key, version, slot, ttl, finished)

	// The store is updated before waking followers so that anyone woken up
	// sees the final state on their next call.
	if err != nil {
		c.store.DeleteIfVersion(key, version)
	} else {
		completedAt := c.clock.Now()
		slot.State = StateCompleted
		slot.CompletedAt = completedAt
		slot.Result = value

		if _, ok := c.store.CompareAndSwap(key, version, slot, completedAt.Add(ttl)); !ok {
			c.logger.Debug("idempotency slot replaced before completion",
				zap.String("key", key),
				zap.String("owner", slot.Owner.String()),
			)
		}
	}

	fl := slot.flight
	fl.value, fl.err = value, err
	close(fl.done)
}

// holdPending extends the pending slot's expiry every half ttl until finished
// is closed. It returns the slot's current version. If the slot was forgotten
// or replaced meanwhile, it stops extending and the completion that follows
// fails its compare-and-swap.
func (c *Coordinator[T]) holdPending(
	key string,
	version uint64,
	slot Slot[T],
	ttl time.Duration,
	finished <-chan struct{},
) uint64 {
	interval := max(ttl/2, time.Millisecond)

	timer := c.clock.NewTimer(interval)
	defer timer.Stop()

	for {
		select {
		case <-finished:
			return version
		case <-timer.Chan():
			entry, ok := c.store.CompareAndSwap(key, version, slot, c.clock.Now().Add(ttl))
			if !ok {
				<-finished

				return version
			}

			version = entry.Version
			timer.Reset(interval)
		}
	}
}

func (c *Coordinator[T]) run(ctx context.Context, key string, handler Handler[T]) (value T, err error) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("idempotent handler panicked",
				zap.String("key", key),
				zap.Any("panic", r),
			)

			err = fmt.Errorf("%w: %v", ErrHandlerPanic, r)
		}
	}()

	return handler(ctx)
}

// awaitLeader waits for the handler started by this call. Only ctx bounds it.
func (c *Coordinator[T]) awaitLeader(ctx context.Context, fl *flight[T]) (T, bool, error) {
	var zero T

	select {
	case <-fl.done:
		return fl.value, false, fl.err
	case <-ctx.Done():
		return zero, false, ctx.Err()
	}
}

func (c *Coordinator[T]) follow(ctx context.Context, fl *flight[T]) (T, bool, error) {
	var zero T

	fl.waiters.Add(1)
	defer fl.waiters.Add(-1)

	select {
	case <-fl.done:
		if fl.err != nil {
			return zero, false, fmt.Errorf("%w: %w", ErrLeaderFailed, fl.err)
		}

		return fl.value, true, nil
	case <-c.clock.After(c.opts.WaitTimeout):
		return zero, false, ErrCoordinationTimeout
	case <-ctx.Done():
		return zero, false, ctx.Err()
	}
}
