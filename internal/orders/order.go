package orders

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when no order exists for an ID.
var ErrNotFound = errors.New("order not found")

// ID identifies an order.
type ID string

// Order is a placed order.
type Order struct {
	ID        ID
	Item      string
	Quantity  int
	ClientIP  string
	CreatedAt time.Time
}

// Repository stores orders.
type Repository interface {
	Save(ctx context.Context, order *Order) error
	GetByID(ctx context.Context, id ID) (*Order, error)
}
