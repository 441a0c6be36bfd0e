package handlers

import (
	"net/http"

	"github.com/danielgtaylor/huma/v2"
	"github.com/serroba/edge-guard/internal/ratelimit"
)

// RegisterRoutes registers the order routes with per-endpoint rate limit configuration.
func RegisterRoutes(api huma.API, orderHandler *OrderHandler) {
	// POST /orders - Place an order
	// Counted against the write scope; retries are deduplicated by the
	// idempotency middleware.
	huma.Register(api, huma.Operation{
		OperationID:   "create-order",
		Method:        http.MethodPost,
		Path:          "/orders",
		Summary:       "Place an order",
		Description:   "Places an order. Send an Idempotency-Key header to make retries safe.",
		Tags:          []string{"Orders"},
		DefaultStatus: http.StatusCreated,
		Metadata: map[string]any{
			ratelimit.MetadataKey: ratelimit.EndpointConfig{Scope: ratelimit.ScopeWrite},
		},
	}, orderHandler.CreateOrder)

	// GET /orders/{id} - Fetch an order
	// Served from the response cache when fresh.
	huma.Register(api, huma.Operation{
		OperationID: "get-order",
		Method:      http.MethodGet,
		Path:        "/orders/{id}",
		Summary:     "Get an order",
		Description: "Returns the order with the given ID.",
		Tags:        []string{"Orders"},
		Metadata: map[string]any{
			ratelimit.MetadataKey: ratelimit.EndpointConfig{Scope: ratelimit.ScopeRead},
		},
	}, orderHandler.GetOrder)
}
