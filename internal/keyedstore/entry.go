package keyedstore

import (
	"errors"
	"time"
)

// ErrContention is returned by Upsert when the optimistic update could not be
// committed within the configured number of attempts.
var ErrContention = errors.New("keyedstore: contention, retries exhausted")

// ErrFull is returned when a new key meets a full shard whose overflow policy
// is OverflowReject.
var ErrFull = errors.New("keyedstore: store full")

// ErrInvalidOptions is returned by New for options that cannot be honoured.
var ErrInvalidOptions = errors.New("keyedstore: invalid options")

// Entry is the envelope around every payload held by a Store.
type Entry[T any] struct {
	Key       string
	Payload   T
	CreatedAt time.Time
	ExpiresAt time.Time
	// Version changes on every successful write and is never reused within a
	// Store, even after the key is deleted and created again.
	Version uint64
}

// Expired reports whether the entry is dead at now.
func (e Entry[T]) Expired(now time.Time) bool {
	return !e.ExpiresAt.After(now)
}

// MutateFunc computes the next payload for a key. current is the zero value
// and exists is false when the key is absent or expired. It must not modify
// current in place: it may run several times when updates race.
type MutateFunc[T any] func(current T, exists bool, now time.Time) (next T, expiresAt time.Time, err error)
