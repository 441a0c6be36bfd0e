package idempotency

import "errors"

var (
	// ErrCoordinationTimeout is returned to a follower whose wait for the
	// leader exceeded the configured bound. The request is safe to retry.
	ErrCoordinationTimeout = errors.New("idempotency: timed out waiting for in-flight request")

	// ErrLeaderFailed wraps the leader's error for followers that were waiting
	// when it failed.
	ErrLeaderFailed = errors.New("idempotency: in-flight request failed")

	// ErrHandlerPanic is reported when the handler panics.
	ErrHandlerPanic = errors.New("idempotency: handler panicked")

	// ErrInvalidOptions is returned by New and Execute for non-positive durations.
	ErrInvalidOptions = errors.New("idempotency: invalid options")
)
