package middleware

import (
	"github.com/danielgtaylor/huma/v2"
	"github.com/serroba/edge-guard/internal/events"
)

// record reports a decision. The recorder stamps the time.
func record(
	ctx huma.Context,
	recorder events.Recorder,
	policy events.Policy,
	outcome events.Outcome,
	key, detail string,
) {
	u := ctx.URL()

	recorder.Record(ctx.Context(), &events.DecisionEvent{
		Policy:   policy,
		Outcome:  outcome,
		Key:      key,
		Method:   ctx.Method(),
		Path:     u.Path,
		ClientIP: clientIP(ctx),
		Detail:   detail,
	})
}
