package middleware_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/danielgtaylor/huma/v2"
	"github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"
	"github.com/serroba/edge-guard/internal/handlers"
	"github.com/serroba/edge-guard/internal/middleware"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// captureMeta serves GET /meta and returns the RequestMeta the handler saw.
func captureMeta(t *testing.T, headers map[string]string) handlers.RequestMeta {
	t.Helper()

	router := chi.NewMux()
	api := humachi.New(router, huma.DefaultConfig("Test", "1.0.0"))
	api.UseMiddleware(middleware.RequestMeta(api))

	seen := make(chan handlers.RequestMeta, 1)

	huma.Get(api, "/meta", func(ctx context.Context, _ *struct{}) (*struct{}, error) {
		seen <- handlers.RequestMetaFromContext(ctx)

		return &struct{}{}, nil
	})

	req := httptest.NewRequest(http.MethodGet, "/meta", nil)
	for name, value := range headers {
		req.Header.Set(name, value)
	}

	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	require.Less(t, w.Code, http.StatusBadRequest)

	return <-seen
}

func TestRequestMeta(t *testing.T) {
	t.Run("records user agent and referrer", func(t *testing.T) {
		meta := captureMeta(t, map[string]string{
			"User-Agent": "TestAgent/1.0",
			"Referer":    "https://example.com",
		})

		assert.Equal(t, "TestAgent/1.0", meta.UserAgent)
		assert.Equal(t, "https://example.com", meta.Referrer)
	})

	tests := []struct {
		name    string
		headers map[string]string
		want    string
	}{
		{
			name:    "single forwarded address",
			headers: map[string]string{"X-Forwarded-For": "192.168.1.1"},
			want:    "192.168.1.1",
		},
		{
			name:    "first of several forwarded addresses",
			headers: map[string]string{"X-Forwarded-For": " 192.168.1.1 , 10.0.0.1, 172.16.0.1"},
			want:    "192.168.1.1",
		},
		{
			name:    "forwarded wins over real ip",
			headers: map[string]string{"X-Forwarded-For": "192.168.1.1", "X-Real-IP": "10.0.0.1"},
			want:    "192.168.1.1",
		},
		{
			name:    "real ip without forwarded",
			headers: map[string]string{"X-Real-IP": "10.0.0.1"},
			want:    "10.0.0.1",
		},
		{
			// httptest requests come from 192.0.2.1:1234.
			name: "remote address without port",
			want: "192.0.2.1",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, captureMeta(t, tt.headers).ClientIP)
		})
	}
}
