package store

import (
	"context"
	"sync"

	"github.com/serroba/edge-guard/internal/orders"
)

// MemoryStore is an in-memory implementation of orders.Repository.
type MemoryStore struct {
	mu     sync.RWMutex
	orders map[orders.ID]orders.Order
}

// NewMemoryStore creates a new in-memory order store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		orders: make(map[orders.ID]orders.Order),
	}
}

func (m *MemoryStore) Save(_ context.Context, order *orders.Order) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.orders[order.ID] = *order

	return nil
}

func (m *MemoryStore) GetByID(_ context.Context, id orders.ID) (*orders.Order, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	order, ok := m.orders[id]
	if !ok {
		return nil, orders.ErrNotFound
	}

	return &order, nil
}

// Len returns the number of stored orders.
func (m *MemoryStore) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return len(m.orders)
}
