package ratelimit

import (
	"context"
	"sort"
	"time"

	"github.com/serroba/edge-guard/internal/clock"
	"github.com/serroba/edge-guard/internal/keyedstore"
)

// Log is the per-key state of SlidingWindowLimiter: the admitted request
// instants still inside the window, oldest first.
type Log []time.Time

// SlidingWindowLimiter implements exact sliding window limiting by keeping a
// log of admitted request times per key. Memory per key is bounded by the
// limit's Max.
type SlidingWindowLimiter struct {
	clock clock.Clock
	store *keyedstore.Store[Log]
}

// NewSlidingWindowLimiter creates a log based limiter on top of store.
func NewSlidingWindowLimiter(clk clock.Clock, store *keyedstore.Store[Log]) *SlidingWindowLimiter {
	return &SlidingWindowLimiter{
		clock: clk,
		store: store,
	}
}

// Check records a request for key if it fits in limit. The (Max+1)-th request
// inside any window is denied; a zero Max or Window always denies.
func (l *SlidingWindowLimiter) Check(_ context.Context, key string, limit Limit) (Decision, error) {
	if limit.Max <= 0 || limit.Window <= 0 {
		return deny(limit, l.clock.Now()), nil
	}

	var dec Decision

	err := upsert(l.store, key, func(cur Log, _ bool, now time.Time) (Log, time.Time, error) {
		next, expiresAt, d := slide(cur, now, limit)
		dec = d

		return next, expiresAt, nil
	})

	return dec, err
}

func slide(cur Log, now time.Time, limit Limit) (Log, time.Time, Decision) {
	// A clock that moved backwards must not free slots: treat it as standing still.
	if n := len(cur); n > 0 && now.Before(cur[n-1]) {
		now = cur[n-1]
	}

	cutoff := now.Add(-limit.Window)
	first := sort.Search(len(cur), func(i int) bool { return cur[i].After(cutoff) })
	kept := cur[first:]
	count := int64(len(kept))

	if count < limit.Max {
		next := make(Log, len(kept), len(kept)+1)
		copy(next, kept)
		next = append(next, now)

		return next, now.Add(limit.Window), Decision{
			Allowed:   true,
			Limit:     limit.Max,
			Remaining: limit.Max - count - 1,
			ResetAt:   next[0].Add(limit.Window),
		}
	}

	// The request fits once enough of the oldest entries have left the window.
	resetAt := kept[count-limit.Max].Add(limit.Window)

	return kept, kept[count-1].Add(limit.Window), Decision{
		Allowed:    false,
		Limit:      limit.Max,
		Remaining:  0,
		ResetAt:    resetAt,
		RetryAfter: resetAt.Sub(now),
	}
}
