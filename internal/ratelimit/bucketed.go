package ratelimit

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/serroba/edge-guard/internal/clock"
	"github.com/serroba/edge-guard/internal/keyedstore"
)

// Ring is the per-key state of BucketedLimiter: request counts for the
// bucket currently filling and the N buckets before it.
type Ring struct {
	// Newest is the index (time / bucket size) of the bucket currently filling.
	Newest int64
	Counts []int64
}

func (r Ring) count(idx int64) int64 {
	n := int64(len(r.Counts))
	if n == 0 || idx > r.Newest || idx <= r.Newest-n {
		return 0
	}

	return r.Counts[idx%n]
}

// advance returns a copy of r whose newest bucket is idx. Buckets that fell
// out of the ring are zeroed.
func (r Ring) advance(idx int64, size int) Ring {
	next := Ring{Newest: idx, Counts: make([]int64, size)}

	for j := idx - int64(size) + 1; j <= idx; j++ {
		next.Counts[j%int64(size)] = r.count(j)
	}

	return next
}

// BucketedLimiter approximates a sliding window with a fixed number of
// counters per key. The window is split into N buckets of Window/N; the count
// for "now" is the sum of the N most recent buckets plus the bucket that is
// partially outside the window, weighted by the fraction still inside.
//
// The weighting assumes requests in that oldest bucket were evenly spread.
// When they were not, the limiter can over-admit by at most one bucket's
// worth of requests in any window (or under-admit by the same amount).
type BucketedLimiter struct {
	clock   clock.Clock
	store   *keyedstore.Store[Ring]
	buckets int
}

// NewBucketedLimiter creates a limiter using buckets counters per window.
func NewBucketedLimiter(clk clock.Clock, store *keyedstore.Store[Ring], buckets int) (*BucketedLimiter, error) {
	if buckets <= 0 {
		return nil, fmt.Errorf("%w: bucket count must be positive, got %d", ErrInvalidLimit, buckets)
	}

	return &BucketedLimiter{
		clock:   clk,
		store:   store,
		buckets: buckets,
	}, nil
}

// Check records a request for key if the approximated window count allows it.
func (l *BucketedLimiter) Check(_ context.Context, key string, limit Limit) (Decision, error) {
	if limit.Max <= 0 || limit.Window <= 0 {
		return deny(limit, l.clock.Now()), nil
	}

	size := limit.Window / time.Duration(l.buckets)
	if size <= 0 {
		return Decision{}, fmt.Errorf("%w: window %s cannot hold %d buckets", ErrInvalidLimit, limit.Window, l.buckets)
	}

	var dec Decision

	err := upsert(l.store, key, func(cur Ring, _ bool, now time.Time) (Ring, time.Time, error) {
		next, expiresAt, d := l.count(cur, now, size, limit)
		dec = d

		return next, expiresAt, nil
	})

	return dec, err
}

func (l *BucketedLimiter) count(cur Ring, now time.Time, size time.Duration, limit Limit) (Ring, time.Time, Decision) {
	n := int64(l.buckets)
	idx := now.UnixNano() / int64(size)
	elapsed := time.Duration(now.UnixNano() - idx*int64(size))

	// Clock regression: keep counting into the newest bucket seen so far and
	// weight the oldest bucket fully, which can only make the limiter stricter.
	if len(cur.Counts) > 0 && idx < cur.Newest {
		idx = cur.Newest
		elapsed = 0
	}

	ring := cur.advance(idx, l.buckets+1)
	weight := 1 - float64(elapsed)/float64(size)

	var full int64
	for j := idx - n + 1; j <= idx; j++ {
		full += ring.count(j)
	}

	estimate := float64(full) + float64(ring.count(idx-n))*weight
	expiresAt := now.Add(time.Duration(n+1)*size - elapsed)

	if estimate+1 <= float64(limit.Max) {
		ring.Counts[idx%(n+1)]++

		return ring, expiresAt, Decision{
			Allowed:   true,
			Limit:     limit.Max,
			Remaining: int64(math.Floor(float64(limit.Max) - estimate - 1)),
			ResetAt:   now.Add(resetIn(ring, idx, n, size, elapsed)),
		}
	}

	retry := retryIn(ring, idx, n, size, elapsed, limit.Max)

	return ring, expiresAt, Decision{
		Allowed:    false,
		Limit:      limit.Max,
		Remaining:  0,
		ResetAt:    now.Add(resetIn(ring, idx, n, size, elapsed)),
		RetryAfter: retry,
	}
}

// resetIn returns how long until the oldest non-empty bucket has fully slid
// out of the window.
func resetIn(ring Ring, idx, n int64, size, elapsed time.Duration) time.Duration {
	for j := idx - n; j <= idx; j++ {
		if ring.count(j) > 0 {
			return time.Duration(j+n+1-idx)*size - elapsed
		}
	}

	return 0
}

// retryIn finds the earliest moment, assuming no further traffic, at which the
// estimate drops low enough to admit one more request.
func retryIn(ring Ring, idx, n int64, size, elapsed time.Duration, maxRequests int64) time.Duration {
	budget := float64(maxRequests - 1)

	for m := int64(0); m <= n; m++ {
		var full float64
		for j := idx + m - n + 1; j <= idx; j++ {
			full += float64(ring.count(j))
		}

		if full > budget {
			continue
		}

		var frac float64
		if oldest := float64(ring.count(idx + m - n)); oldest > 0 {
			frac = math.Max(0, 1-(budget-full)/oldest)
		}

		at := time.Duration(m)*size + time.Duration(math.Ceil(frac*float64(size)))
		if at > elapsed {
			return at - elapsed
		}
	}

	return time.Duration(n+1)*size - elapsed
}
