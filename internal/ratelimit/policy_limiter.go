package ratelimit

import (
	"context"
	"fmt"
)

// Policy maps scopes to the limits enforced for them.
type Policy struct {
	Limits map[Scope][]Limit
}

// Validate rejects non-positive limits and a limit listed twice in a scope.
func (p *Policy) Validate() error {
	for scope, limits := range p.Limits {
		seen := make(map[Limit]bool, len(limits))

		for _, limit := range limits {
			if err := limit.Validate(); err != nil {
				return fmt.Errorf("scope %s: %w", scope, err)
			}

			if seen[limit] {
				return fmt.Errorf("scope %s: %w: %s listed twice", scope, ErrInvalidLimit, limit)
			}

			seen[limit] = true
		}
	}

	return nil
}

// LimitExceeded contains information about which limit was exceeded.
type LimitExceeded struct {
	Scope    Scope
	Limit    Limit
	Decision Decision
}

// PolicyLimiter enforces every limit of every resolved scope for a client.
type PolicyLimiter struct {
	limiter Limiter
	policy  *Policy
}

// NewPolicyLimiter creates a new policy-based rate limiter.
func NewPolicyLimiter(limiter Limiter, policy *Policy) *PolicyLimiter {
	return &PolicyLimiter{
		limiter: limiter,
		policy:  policy,
	}
}

// Allow checks the client against the limits of each scope in order and stops
// at the first denial. Limits checked before a denial have already recorded
// the request.
//
// When allowed, the returned decision is the most restrictive one seen, so
// callers can report the tightest remaining quota.
func (l *PolicyLimiter) Allow(ctx context.Context, clientKey string, scopes []Scope) (Decision, *LimitExceeded, error) {
	var tightest *Decision

	for _, scope := range scopes {
		for _, limit := range l.policy.Limits[scope] {
			dec, err := l.limiter.Check(ctx, buildKey(clientKey, string(scope), limit), limit)
			if err != nil {
				return Decision{}, nil, err
			}

			if !dec.Allowed {
				return dec, &LimitExceeded{Scope: scope, Limit: limit, Decision: dec}, nil
			}

			if tightest == nil || dec.Remaining < tightest.Remaining {
				tightest = &dec
			}
		}
	}

	if tightest == nil {
		return Decision{Allowed: true}, nil, nil
	}

	return *tightest, nil, nil
}

// AllowCustom enforces endpoint specific limits. route is the operation's
// route template, so every request matching the same pattern shares counters.
func (l *PolicyLimiter) AllowCustom(
	ctx context.Context,
	clientKey, route string,
	limits []Limit,
) (Decision, *LimitExceeded, error) {
	var tightest *Decision

	for _, limit := range limits {
		dec, err := l.limiter.Check(ctx, buildKey(clientKey, "custom:"+route, limit), limit)
		if err != nil {
			return Decision{}, nil, err
		}

		if !dec.Allowed {
			return dec, &LimitExceeded{Limit: limit, Decision: dec}, nil
		}

		if tightest == nil || dec.Remaining < tightest.Remaining {
			tightest = &dec
		}
	}

	if tightest == nil {
		return Decision{Allowed: true}, nil, nil
	}

	return *tightest, nil, nil
}

// buildKey gives every limit of a scope its own counter. Limits sharing a
// window but not a maximum must not record the same request twice.
func buildKey(clientKey, scope string, limit Limit) string {
	return fmt.Sprintf("%s:%s:%d/%d", clientKey, scope, limit.Max, limit.Window.Milliseconds())
}
