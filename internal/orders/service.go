package orders

import (
	"context"

	"github.com/serroba/edge-guard/internal/clock"
)

// IDGenerator generates unique order IDs.
type IDGenerator func() string

// Service places orders.
type Service struct {
	store      Repository
	generateID IDGenerator
	clock      clock.Clock
}

// NewService creates a new order service.
func NewService(store Repository, generator IDGenerator, clk clock.Clock) *Service {
	return &Service{
		store:      store,
		generateID: generator,
		clock:      clk,
	}
}

// Place creates and saves a new order. Every call produces a new order, so
// retries must be deduplicated before they get here.
func (s *Service) Place(ctx context.Context, item string, quantity int, clientIP string) (*Order, error) {
	order := &Order{
		ID:        ID(s.generateID()),
		Item:      item,
		Quantity:  quantity,
		ClientIP:  clientIP,
		CreatedAt: s.clock.Now(),
	}

	if err := s.store.Save(ctx, order); err != nil {
		return nil, err
	}

	return order, nil
}

// Get returns the order with the given ID.
func (s *Service) Get(ctx context.Context, id ID) (*Order, error) {
	return s.store.GetByID(ctx, id)
}
