package middleware

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/danielgtaylor/huma/v2"
	"github.com/serroba/edge-guard/internal/cache"
	"github.com/serroba/edge-guard/internal/config"
	"github.com/serroba/edge-guard/internal/events"
	"github.com/serroba/edge-guard/internal/idempotency"
	"github.com/serroba/edge-guard/internal/keyedstore"
	"go.uber.org/zap"
)

// HeaderIdempotentReplayed marks a response that was produced by an earlier
// request with the same idempotency key.
const HeaderIdempotentReplayed = "X-Idempotent-Replayed"

// serverError carries a 5xx response out of the coordinator as a failure, so
// the key is released and can be retried.
type serverError struct {
	payload cache.Payload
}

func (e *serverError) Error() string {
	return fmt.Sprintf("handler responded with status %d", e.payload.Status)
}

// Idempotency returns a Huma middleware that runs the rest of the chain at
// most once per idempotency key. Keys are scoped by method and path. Requests
// without a key pass through unless cfg.RequireKey is set.
func Idempotency(
	api huma.API,
	coord *idempotency.Coordinator[cache.Payload],
	cfg config.Idempotency,
	recorder events.Recorder,
	logger *zap.Logger,
) func(ctx huma.Context, next func(huma.Context)) {
	methods := make(map[string]bool, len(cfg.Methods))
	for _, m := range cfg.Methods {
		methods[strings.ToUpper(m)] = true
	}

	return func(ctx huma.Context, next func(huma.Context)) {
		if !methods[ctx.Method()] {
			next(ctx)

			return
		}

		idemKey := strings.TrimSpace(ctx.Header(cfg.Header))
		if idemKey == "" {
			if cfg.RequireKey {
				record(ctx, recorder, events.PolicyIdempotency, events.OutcomeRejected, "", "missing key")
				_ = huma.WriteErr(api, ctx, http.StatusBadRequest, fmt.Sprintf("missing %s header", cfg.Header))

				return
			}

			next(ctx)

			return
		}

		u := ctx.URL()
		key := ctx.Method() + " " + u.Path + " " + idemKey

		rec, err := newCapture(ctx)
		if err != nil {
			_ = huma.WriteErr(api, ctx, http.StatusBadRequest, "failed to read request body", err)

			return
		}

		result, replayed, err := coord.Execute(ctx.Context(), key, cfg.SlotTTL, func(hctx context.Context) (cache.Payload, error) {
			rec.detach(hctx)
			next(rec)

			p := rec.payload()
			if p.Status >= http.StatusInternalServerError {
				return p, &serverError{payload: p}
			}

			return p, nil
		})

		var failed *serverError

		switch {
		case err == nil:
			replay := http.Header{}
			outcome := events.OutcomeExecuted

			if replayed {
				replay.Set(HeaderIdempotentReplayed, "true")
				outcome = events.OutcomeReplayed
			}

			record(ctx, recorder, events.PolicyIdempotency, outcome, key, "")
			writePayload(ctx, result, replay)
		case errors.As(err, &failed):
			replay := http.Header{}
			if errors.Is(err, idempotency.ErrLeaderFailed) {
				replay.Set(HeaderIdempotentReplayed, "true")
			}

			record(ctx, recorder, events.PolicyIdempotency, events.OutcomeFailed, key, failed.Error())
			writePayload(ctx, failed.payload, replay)
		case errors.Is(err, idempotency.ErrCoordinationTimeout):
			logger.Warn("idempotent request still in progress", zap.String("key", key))
			record(ctx, recorder, events.PolicyIdempotency, events.OutcomeTimeout, key, "")
			ctx.SetHeader(HeaderRetryAfter, "1")
			_ = huma.WriteErr(api, ctx, http.StatusServiceUnavailable,
				"a request with this idempotency key is still in progress")
		case errors.Is(err, keyedstore.ErrFull):
			logger.Warn("idempotency store full", zap.String("key", key))
			record(ctx, recorder, events.PolicyIdempotency, events.OutcomeRejected, key, "store full")
			ctx.SetHeader(HeaderRetryAfter, "1")
			_ = huma.WriteErr(api, ctx, http.StatusServiceUnavailable, "service busy, retry later")
		case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
			logger.Debug("client stopped waiting for idempotent request", zap.String("key", key), zap.Error(err))
		default:
			logger.Error("idempotent request failed", zap.String("key", key), zap.Error(err))
			record(ctx, recorder, events.PolicyIdempotency, events.OutcomeFailed, key, err.Error())
			_ = huma.WriteErr(api, ctx, http.StatusInternalServerError, "internal server error")
		}
	}
}
