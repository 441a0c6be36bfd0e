package health

import (
	"context"
	"net/http"

	"github.com/danielgtaylor/huma/v2"
	"github.com/redis/go-redis/v9"
	"github.com/serroba/edge-guard/internal/ratelimit"
)

// Checker defines the interface for checking service health.
type Checker interface {
	Ping(ctx context.Context) error
}

// Counter reports how many live entries a store holds.
type Counter interface {
	Len() int
}

// RedisChecker adapts redis.Client to Checker interface.
type RedisChecker struct {
	client *redis.Client
}

// NewRedisChecker creates a new Redis health checker.
func NewRedisChecker(client *redis.Client) *RedisChecker {
	return &RedisChecker{client: client}
}

// Ping checks Redis connectivity.
func (r *RedisChecker) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

// Handler handles health check operations.
type Handler struct {
	redis  Checker
	stores map[string]Counter
}

// NewHandler creates a new health handler. stores are reported by name with
// their live entry counts.
func NewHandler(redis Checker, stores map[string]Counter) *Handler {
	return &Handler{redis: redis, stores: stores}
}

// Response is the response for health check endpoint.
type Response struct {
	Body struct {
		Status string         `json:"status"`
		Redis  string         `json:"redis"`
		Stores map[string]int `json:"stores,omitempty"`
	}
}

// Check performs a health check of the application and its dependencies.
func (h *Handler) Check(ctx context.Context, _ *struct{}) (*Response, error) {
	resp := &Response{}
	resp.Body.Status = "ok"

	if err := h.redis.Ping(ctx); err != nil {
		resp.Body.Redis = "unhealthy"
		resp.Body.Status = "degraded"
	} else {
		resp.Body.Redis = "healthy"
	}

	if len(h.stores) > 0 {
		resp.Body.Stores = make(map[string]int, len(h.stores))
		for name, s := range h.stores {
			resp.Body.Stores[name] = s.Len()
		}
	}

	return resp, nil
}

// RegisterRoutes registers health check routes. Health checks are never rate
// limited.
func RegisterRoutes(api huma.API, h *Handler) {
	huma.Register(api, huma.Operation{
		OperationID: "health",
		Method:      http.MethodGet,
		Path:        "/health",
		Summary:     "Health check",
		Tags:        []string{"Health"},
		Metadata: map[string]any{
			ratelimit.MetadataKey: ratelimit.EndpointConfig{Disabled: true},
		},
	}, h.Check)
}
