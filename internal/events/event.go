// Package events publishes an audit trail of policy decisions.
package events

import "time"

// TopicDecision carries DecisionEvent messages.
const TopicDecision = "policy.decision"

// Policy names the middleware that made a decision.
type Policy string

const (
	PolicyRateLimit   Policy = "rate_limit"
	PolicyIdempotency Policy = "idempotency"
	PolicyCache       Policy = "cache"
)

// Outcome of a policy decision.
type Outcome string

const (
	OutcomeAllowed Outcome = "allowed"
	OutcomeDenied  Outcome = "denied"

	OutcomeExecuted Outcome = "executed"
	OutcomeReplayed Outcome = "replayed"
	OutcomeTimeout  Outcome = "timeout"
	OutcomeFailed   Outcome = "failed"
	OutcomeRejected Outcome = "rejected"

	OutcomeHit         Outcome = "hit"
	OutcomeMiss        Outcome = "miss"
	OutcomeNotModified Outcome = "not_modified"
)

// DecisionEvent is emitted once per request and policy. A zero At is filled
// in by the Publisher when the event is recorded.
type DecisionEvent struct {
	Policy   Policy    `json:"policy"`
	Outcome  Outcome   `json:"outcome"`
	Key      string    `json:"key"`
	Method   string    `json:"method"`
	Path     string    `json:"path"`
	ClientIP string    `json:"clientIp"`
	Detail   string    `json:"detail,omitempty"`
	At       time.Time `json:"at"`
}
