package ratelimit_test

import (
	"net/http"
	"testing"
	"time"

	"github.com/danielgtaylor/huma/v2"
	"github.com/serroba/edge-guard/internal/ratelimit"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// humaContext keeps the embedded field from being named Context, which would
// hide the interface's Context method.
type humaContext = huma.Context

// scopeContext answers only the calls scope resolution makes. Any other
// huma.Context method panics on the nil embedded interface.
type scopeContext struct {
	humaContext

	method    string
	operation *huma.Operation
}

func (c *scopeContext) Method() string             { return c.method }
func (c *scopeContext) Operation() *huma.Operation { return c.operation }

func withConfig(cfg any) *huma.Operation {
	return &huma.Operation{Metadata: map[string]any{ratelimit.MetadataKey: cfg}}
}

func TestScopeForMethod(t *testing.T) {
	t.Parallel()

	reads := []string{http.MethodGet, http.MethodHead, http.MethodOptions}
	writes := []string{http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete, "PURGE"}

	for _, method := range reads {
		assert.Equal(t, ratelimit.ScopeRead, ratelimit.ScopeForMethod(method), method)
	}

	for _, method := range writes {
		assert.Equal(t, ratelimit.ScopeWrite, ratelimit.ScopeForMethod(method), method)
	}
}

func TestMethodScopeResolver(t *testing.T) {
	t.Parallel()

	resolver := ratelimit.NewMethodScopeResolver()

	t.Run("reads", func(t *testing.T) {
		t.Parallel()

		scopes := resolver.Resolve(&scopeContext{method: http.MethodGet})

		assert.Equal(t, []ratelimit.Scope{ratelimit.ScopeGlobal, ratelimit.ScopeRead}, scopes)
	})

	t.Run("writes", func(t *testing.T) {
		t.Parallel()

		scopes := resolver.Resolve(&scopeContext{method: http.MethodPost})

		assert.Equal(t, []ratelimit.Scope{ratelimit.ScopeGlobal, ratelimit.ScopeWrite}, scopes)
	})

	t.Run("ignores operation metadata", func(t *testing.T) {
		t.Parallel()

		ctx := &scopeContext{
			method:    http.MethodGet,
			operation: withConfig(ratelimit.EndpointConfig{Scope: ratelimit.ScopeWrite}),
		}

		assert.Equal(t, []ratelimit.Scope{ratelimit.ScopeGlobal, ratelimit.ScopeRead}, resolver.Resolve(ctx))
	})
}

func TestOperationScopeResolver(t *testing.T) {
	t.Parallel()

	resolver := ratelimit.NewOperationScopeResolver()

	tests := []struct {
		name      string
		method    string
		operation *huma.Operation
		want      ratelimit.Scope
	}{
		{name: "no operation", method: http.MethodGet, want: ratelimit.ScopeRead},
		{name: "no metadata", method: http.MethodPost, operation: &huma.Operation{}, want: ratelimit.ScopeWrite},
		{
			name:      "unrelated metadata",
			method:    http.MethodGet,
			operation: &huma.Operation{Metadata: map[string]any{"other": "value"}},
			want:      ratelimit.ScopeRead,
		},
		{
			name:      "metadata promotes a read to write",
			method:    http.MethodGet,
			operation: withConfig(ratelimit.EndpointConfig{Scope: ratelimit.ScopeWrite}),
			want:      ratelimit.ScopeWrite,
		},
		{
			name:      "metadata demotes a write to read",
			method:    http.MethodPost,
			operation: withConfig(ratelimit.EndpointConfig{Scope: ratelimit.ScopeRead}),
			want:      ratelimit.ScopeRead,
		},
		{
			name:   "limits without a scope use the method",
			method: http.MethodDelete,
			operation: withConfig(ratelimit.EndpointConfig{
				Limits: []ratelimit.Limit{{Max: 10, Window: time.Minute}},
			}),
			want: ratelimit.ScopeWrite,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			scopes := resolver.Resolve(&scopeContext{method: tt.method, operation: tt.operation})

			assert.Equal(t, []ratelimit.Scope{ratelimit.ScopeGlobal, tt.want}, scopes)
		})
	}
}

func TestGetEndpointConfig(t *testing.T) {
	t.Parallel()

	t.Run("missing or mistyped metadata yields nil", func(t *testing.T) {
		t.Parallel()

		for _, op := range []*huma.Operation{nil, {}, withConfig("wrong type"), withConfig(&ratelimit.EndpointConfig{})} {
			assert.Nil(t, ratelimit.GetEndpointConfig(&scopeContext{operation: op}))
		}
	})

	t.Run("returns a copy of the attached config", func(t *testing.T) {
		t.Parallel()

		limits := []ratelimit.Limit{{Max: 2, Window: time.Second}}
		op := withConfig(ratelimit.EndpointConfig{Scope: ratelimit.ScopeRead, Limits: limits, Disabled: true})

		cfg := ratelimit.GetEndpointConfig(&scopeContext{operation: op})
		require.NotNil(t, cfg)

		assert.Equal(t, ratelimit.ScopeRead, cfg.Scope)
		assert.Equal(t, limits, cfg.Limits)
		assert.True(t, cfg.Disabled)

		cfg.Disabled = false
		assert.True(t, ratelimit.GetEndpointConfig(&scopeContext{operation: op}).Disabled)
	})
}
