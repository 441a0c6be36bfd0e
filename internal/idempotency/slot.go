package idempotency

import (
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// State of an idempotency slot.
type State int

const (
	// StatePending means a leader is running the handler.
	StatePending State = iota + 1
	// StateCompleted means the result is captured and replayed to later callers.
	StateCompleted
)

func (s State) String() string {
	switch s {
	case StatePending:
		return "pending"
	case StateCompleted:
		return "completed"
	default:
		return "unknown"
	}
}

// Slot is the value stored per idempotency key.
type Slot[T any] struct {
	State State
	// Owner identifies the execution that created the slot.
	Owner       uuid.UUID
	FirstSeenAt time.Time
	CompletedAt time.Time
	Result      T
	// Waiters is the number of followers currently blocked on the slot. It is
	// only populated by Coordinator.Lookup.
	Waiters int64

	flight *flight[T]
}

// flight is shared by the leader and its followers. done is closed once value
// and err are set; they are never written afterwards.
type flight[T any] struct {
	done    chan struct{}
	value   T
	err     error
	waiters atomic.Int64
}

func newFlight[T any]() *flight[T] {
	return &flight[T]{done: make(chan struct{})}
}
