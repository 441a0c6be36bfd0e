// Package ratelimit decides, per client key, whether a request fits inside a
// sliding time window. State lives in a keyedstore.Store so any number of
// requests can be checked concurrently without a global lock.
package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/serroba/edge-guard/internal/keyedstore"
)

// ErrInvalidLimit is returned for limits or limiter settings that can never
// be satisfied, such as a bucket count larger than the window in nanoseconds.
var ErrInvalidLimit = errors.New("ratelimit: invalid limit")

// Limit admits at most Max requests in any Window.
type Limit struct {
	Max    int64
	Window time.Duration
}

// Validate rejects non-positive limits. Limiters still answer such limits
// with a denial; Validate exists so configuration fails at startup instead.
func (l Limit) Validate() error {
	if l.Max <= 0 {
		return fmt.Errorf("%w: max must be positive, got %d", ErrInvalidLimit, l.Max)
	}

	if l.Window <= 0 {
		return fmt.Errorf("%w: window must be positive, got %s", ErrInvalidLimit, l.Window)
	}

	return nil
}

func (l Limit) String() string {
	return fmt.Sprintf("%d/%s", l.Max, l.Window)
}

// Decision is the outcome of a single check.
type Decision struct {
	Allowed bool
	Limit   int64
	// Remaining is how many more requests would be admitted right now.
	Remaining int64
	// ResetAt is when the oldest request counted against the key leaves the window.
	ResetAt time.Time
	// RetryAfter is how long a denied client should wait. Zero when allowed.
	RetryAfter time.Duration
}

// Limiter checks and records a request for key against limit.
type Limiter interface {
	Check(ctx context.Context, key string, limit Limit) (Decision, error)
}

func deny(limit Limit, now time.Time) Decision {
	return Decision{
		Allowed:    false,
		Limit:      limit.Max,
		ResetAt:    now.Add(limit.Window),
		RetryAfter: limit.Window,
	}
}

// upsert retries once on contention before giving up.
func upsert[T any](store *keyedstore.Store[T], key string, mutate keyedstore.MutateFunc[T]) error {
	_, err := store.Upsert(key, mutate)
	if errors.Is(err, keyedstore.ErrContention) {
		_, err = store.Upsert(key, mutate)
	}

	return err
}
