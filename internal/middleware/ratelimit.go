package middleware

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/danielgtaylor/huma/v2"
	"github.com/serroba/edge-guard/internal/events"
	"github.com/serroba/edge-guard/internal/keyedstore"
	"github.com/serroba/edge-guard/internal/ratelimit"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// Rate limit response headers.
const (
	HeaderRateLimitLimit     = "X-RateLimit-Limit"
	HeaderRateLimitRemaining = "X-RateLimit-Remaining"
	HeaderRateLimitReset     = "X-RateLimit-Reset"
	HeaderRetryAfter         = "Retry-After"
)

// RateLimiter returns a Huma middleware that applies a single limit per client,
// keyed on client IP and User-Agent.
func RateLimiter(
	api huma.API,
	limiter ratelimit.Limiter,
	limit ratelimit.Limit,
	logger *zap.Logger,
) func(ctx huma.Context, next func(huma.Context)) {
	return func(ctx huma.Context, next func(huma.Context)) {
		dec, err := limiter.Check(ctx.Context(), clientKey(ctx), limit)
		if err != nil {
			writeLimiterError(api, ctx, logger, err)

			return
		}

		setRateLimitHeaders(ctx, dec)

		if !dec.Allowed {
			_ = huma.WriteErr(api, ctx, http.StatusTooManyRequests,
				fmt.Sprintf("rate limit exceeded: %s", limit))

			return
		}

		next(ctx)
	}
}

// PolicyRateLimiter returns a Huma middleware that applies policy-based rate limiting.
// It uses a ScopeResolver to determine which scopes apply to each request,
// then checks all applicable limits from the policy.
//
// Per-endpoint configuration can be provided via operation metadata using
// ratelimit.MetadataKey. This allows endpoints to:
//   - Disable rate limiting entirely (Disabled: true)
//   - Override the scope detection (Scope: ratelimit.ScopeRead)
//   - Define custom limits (Limits: []ratelimit.Limit{...})
//
// Denials are logged at most a few times per second regardless of traffic.
func PolicyRateLimiter(
	api huma.API,
	limiter *ratelimit.PolicyLimiter,
	resolver ratelimit.ScopeResolver,
	recorder events.Recorder,
	logger *zap.Logger,
) func(ctx huma.Context, next func(huma.Context)) {
	denials := &rate.Sometimes{First: 10, Interval: time.Second}

	return func(ctx huma.Context, next func(huma.Context)) {
		path := getOperationPath(ctx)
		key := clientKey(ctx)

		var (
			dec      ratelimit.Decision
			exceeded *ratelimit.LimitExceeded
			err      error
		)

		cfg := ratelimit.GetEndpointConfig(ctx)

		switch {
		case cfg != nil && cfg.Disabled:
			logger.Debug("rate limiting disabled for endpoint",
				zap.String("path", path), zap.String("method", ctx.Method()))
			next(ctx)

			return
		case cfg != nil && len(cfg.Limits) > 0:
			// Keyed on the route template, so "/orders/{id}" shares counters
			// across ids.
			dec, exceeded, err = limiter.AllowCustom(ctx.Context(), key, path, cfg.Limits)
		default:
			dec, exceeded, err = limiter.Allow(ctx.Context(), key, resolver.Resolve(ctx))
		}

		if err != nil {
			writeLimiterError(api, ctx, logger, err)

			return
		}

		setRateLimitHeaders(ctx, dec)

		if exceeded != nil {
			denials.Do(func() {
				logger.Warn("rate limit exceeded",
					zap.String("path", path),
					zap.String("method", ctx.Method()),
					zap.String("scope", string(exceeded.Scope)),
					zap.Int64("max", exceeded.Limit.Max),
					zap.Duration("window", exceeded.Limit.Window),
					zap.Duration("retry_after", dec.RetryAfter),
					zap.String("client_ip", clientIP(ctx)),
				)
			})
			record(ctx, recorder, events.PolicyRateLimit, events.OutcomeDenied, key, exceeded.Limit.String())

			_ = huma.WriteErr(api, ctx, http.StatusTooManyRequests, exceededMessage(exceeded))

			return
		}

		record(ctx, recorder, events.PolicyRateLimit, events.OutcomeAllowed, key, "")
		next(ctx)
	}
}

// getOperationPath extracts the path from the operation, if available.
func getOperationPath(ctx huma.Context) string {
	if op := ctx.Operation(); op != nil {
		return op.Path
	}

	return ""
}

func exceededMessage(exceeded *ratelimit.LimitExceeded) string {
	if exceeded.Scope == "" {
		return fmt.Sprintf("rate limit exceeded: %s", exceeded.Limit)
	}

	return fmt.Sprintf("rate limit exceeded: %s scope, %s", exceeded.Scope, exceeded.Limit)
}

// writeLimiterError maps a limiter failure to a response. Contention and a
// full store are transient and reported as 503 so clients retry; a full store
// never admits a request it cannot count.
func writeLimiterError(api huma.API, ctx huma.Context, logger *zap.Logger, err error) {
	if errors.Is(err, keyedstore.ErrContention) || errors.Is(err, keyedstore.ErrFull) {
		logger.Warn("rate limit state unavailable", zap.Error(err))
		ctx.SetHeader(HeaderRetryAfter, "1")
		_ = huma.WriteErr(api, ctx, http.StatusServiceUnavailable, "service busy, retry later")

		return
	}

	logger.Error("rate limit check failed", zap.String("path", getOperationPath(ctx)), zap.Error(err))
	_ = huma.WriteErr(api, ctx, http.StatusInternalServerError, "internal server error", err)
}

// setRateLimitHeaders reports the decision. X-RateLimit-Reset is a Unix
// timestamp in seconds.
func setRateLimitHeaders(ctx huma.Context, dec ratelimit.Decision) {
	if dec.Limit <= 0 {
		return
	}

	ctx.SetHeader(HeaderRateLimitLimit, strconv.FormatInt(dec.Limit, 10))
	ctx.SetHeader(HeaderRateLimitRemaining, strconv.FormatInt(max(dec.Remaining, 0), 10))

	if !dec.ResetAt.IsZero() {
		ctx.SetHeader(HeaderRateLimitReset, strconv.FormatInt(ceilUnix(dec.ResetAt), 10))
	}

	if !dec.Allowed {
		ctx.SetHeader(HeaderRetryAfter, strconv.FormatInt(ceilSeconds(dec.RetryAfter), 10))
	}
}

func ceilSeconds(d time.Duration) int64 {
	return max(1, int64((d+time.Second-1)/time.Second))
}

func ceilUnix(t time.Time) int64 {
	if t.Nanosecond() > 0 {
		return t.Unix() + 1
	}

	return t.Unix()
}
