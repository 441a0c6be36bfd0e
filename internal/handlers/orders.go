package handlers

import (
	"context"
	"errors"

	"github.com/danielgtaylor/huma/v2"
	"github.com/serroba/edge-guard/internal/orders"
	"go.uber.org/zap"
)

// OrderHandler handles order operations.
type OrderHandler struct {
	service *orders.Service
	logger  *zap.Logger
}

// NewOrderHandler creates a new order handler.
func NewOrderHandler(service *orders.Service, logger *zap.Logger) *OrderHandler {
	return &OrderHandler{
		service: service,
		logger:  logger,
	}
}

func (h *OrderHandler) CreateOrder(ctx context.Context, req *CreateOrderRequest) (*CreateOrderResponse, error) {
	meta := RequestMetaFromContext(ctx)

	order, err := h.service.Place(ctx, req.Body.Item, req.Body.Quantity, meta.ClientIP)
	if err != nil {
		h.logger.Error("failed to place order", zap.String("item", req.Body.Item), zap.Error(err))

		return nil, huma.Error500InternalServerError("failed to place order")
	}

	h.logger.Info("order placed",
		zap.String("id", string(order.ID)),
		zap.String("client_ip", meta.ClientIP),
	)

	resp := &CreateOrderResponse{}
	resp.Location = "/orders/" + string(order.ID)
	resp.Body = toBody(order)

	return resp, nil
}

func (h *OrderHandler) GetOrder(ctx context.Context, req *GetOrderRequest) (*GetOrderResponse, error) {
	order, err := h.service.Get(ctx, orders.ID(req.ID))
	if err != nil {
		if errors.Is(err, orders.ErrNotFound) {
			return nil, huma.Error404NotFound("order not found")
		}

		h.logger.Error("failed to get order", zap.String("id", req.ID), zap.Error(err))

		return nil, huma.Error500InternalServerError("failed to get order")
	}

	return &GetOrderResponse{Body: toBody(order)}, nil
}

func toBody(order *orders.Order) OrderBody {
	return OrderBody{
		ID:        string(order.ID),
		Item:      order.Item,
		Quantity:  order.Quantity,
		CreatedAt: order.CreatedAt,
	}
}
