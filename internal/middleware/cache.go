package middleware

import (
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/danielgtaylor/huma/v2"
	"github.com/serroba/edge-guard/internal/cache"
	"github.com/serroba/edge-guard/internal/config"
	"github.com/serroba/edge-guard/internal/events"
	"go.uber.org/zap"
)

// HeaderCache reports whether a response came from the cache.
const HeaderCache = "X-Cache"

// ResponseCache returns a Huma middleware that caches 200 responses to GET and
// HEAD requests and answers conditional requests with 304 Not Modified.
//
// Keys have the form "METHOD path?query#vary" where vary is a digest of the
// configured vary headers. Successful requests with any other method
// invalidate every cached GET and HEAD response under their path.
func ResponseCache(
	api huma.API,
	c *cache.Cache,
	cfg config.Cache,
	recorder events.Recorder,
	logger *zap.Logger,
) func(ctx huma.Context, next func(huma.Context)) {
	return func(ctx huma.Context, next func(huma.Context)) {
		method := ctx.Method()
		if method != http.MethodGet && method != http.MethodHead {
			next(ctx)

			if status := ctx.Status(); status >= 200 && status < 400 {
				invalidatePath(c, ctx.URL().Path, logger)
			}

			return
		}

		key := cacheKey(ctx, cfg.VaryHeaders)
		cond := conditions(ctx)

		if !noCache(ctx.Header("Cache-Control")) {
			res := c.Lookup(key, cond)

			switch res.Outcome {
			case cache.NotModified:
				record(ctx, recorder, events.PolicyCache, events.OutcomeNotModified, key, res.Validator)
				writePayload(ctx, cache.Payload{Status: http.StatusNotModified}, cacheHeaders(res, "HIT"))

				return
			case cache.Fresh:
				record(ctx, recorder, events.PolicyCache, events.OutcomeHit, key, res.Validator)
				writePayload(ctx, res.Payload, cacheHeaders(res, "HIT"))

				return
			case cache.Miss:
			}
		}

		rec, err := newCapture(ctx)
		if err != nil {
			_ = huma.WriteErr(api, ctx, http.StatusBadRequest, "failed to read request body", err)

			return
		}

		next(rec)

		p := rec.payload()
		if p.Status != http.StatusOK {
			writePayload(ctx, p, nil)

			return
		}

		record(ctx, recorder, events.PolicyCache, events.OutcomeMiss, key, "")

		if _, err := c.Store(key, p, cfg.TTLFor(ctx.URL().Path)); err != nil {
			logger.Error("failed to cache response", zap.String("key", key), zap.Error(err))
			writePayload(ctx, p, http.Header{HeaderCache: []string{"MISS"}})

			return
		}

		// Re-evaluate against the stored entry so a client that already holds
		// this exact content still gets a 304.
		res := c.Lookup(key, cond)
		if res.Outcome == cache.NotModified {
			writePayload(ctx, cache.Payload{Status: http.StatusNotModified}, cacheHeaders(res, "MISS"))

			return
		}

		writePayload(ctx, p, cacheHeaders(res, "MISS"))
	}
}

func cacheKey(ctx huma.Context, vary []string) string {
	u := ctx.URL()

	var b strings.Builder

	b.WriteString(ctx.Method())
	b.WriteByte(' ')
	b.WriteString(u.Path)

	if u.RawQuery != "" {
		b.WriteByte('?')
		b.WriteString(u.RawQuery)
	}

	if len(vary) > 0 {
		h := sha256.New()

		for _, name := range vary {
			h.Write([]byte(name))
			h.Write([]byte{':'})
			h.Write([]byte(ctx.Header(name)))
			h.Write([]byte{'\n'})
		}

		b.WriteByte('#')
		b.WriteString(hex.EncodeToString(h.Sum(nil))[:16])
	}

	return b.String()
}

func invalidatePath(c *cache.Cache, path string, logger *zap.Logger) {
	n := c.InvalidatePrefix(http.MethodGet+" "+path) + c.InvalidatePrefix(http.MethodHead+" "+path)
	if n > 0 {
		logger.Debug("invalidated cached responses", zap.String("path", path), zap.Int("count", n))
	}
}

func conditions(ctx huma.Context) cache.Conditions {
	cond := cache.Conditions{IfNoneMatch: cache.ParseIfNoneMatch(ctx.Header("If-None-Match"))}

	if ims := ctx.Header("If-Modified-Since"); ims != "" {
		if t, err := http.ParseTime(ims); err == nil {
			cond.IfModifiedSince = t
		}
	}

	return cond
}

func noCache(cacheControl string) bool {
	for _, directive := range strings.Split(cacheControl, ",") {
		switch strings.ToLower(strings.TrimSpace(directive)) {
		case "no-cache", "no-store":
			return true
		}
	}

	return false
}

func cacheHeaders(res cache.Result, state string) http.Header {
	h := http.Header{}
	h.Set(HeaderCache, state)

	if res.Validator == "" {
		return h
	}

	h.Set("ETag", res.Validator)
	h.Set("Age", strconv.FormatInt(int64(res.Age/time.Second), 10))
	h.Set("Cache-Control", "max-age="+strconv.FormatInt(int64(max(res.FreshFor, 0)/time.Second), 10))

	if !res.LastModified.IsZero() {
		h.Set("Last-Modified", res.LastModified.UTC().Format(http.TimeFormat))
	}

	return h
}
