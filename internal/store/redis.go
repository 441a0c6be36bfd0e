package store

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/serroba/edge-guard/internal/orders"
)

type redisOrder struct {
	ID        string    `json:"id"`
	Item      string    `json:"item"`
	Quantity  int       `json:"quantity"`
	ClientIP  string    `json:"client_ip"`
	CreatedAt time.Time `json:"created_at"`
}

// RedisStore is a Redis implementation of orders.Repository. Orders are kept
// as JSON strings under "order:<id>".
type RedisStore struct {
	client *redis.Client
	prefix string
}

// NewRedisStore creates a new Redis-backed order store.
func NewRedisStore(client *redis.Client) *RedisStore {
	return &RedisStore{
		client: client,
		prefix: "order:",
	}
}

func (r *RedisStore) Save(ctx context.Context, order *orders.Order) error {
	data, err := json.Marshal(redisOrder{
		ID:        string(order.ID),
		Item:      order.Item,
		Quantity:  order.Quantity,
		ClientIP:  order.ClientIP,
		CreatedAt: order.CreatedAt,
	})
	if err != nil {
		return err
	}

	return r.client.Set(ctx, r.prefix+string(order.ID), data, 0).Err()
}

func (r *RedisStore) GetByID(ctx context.Context, id orders.ID) (*orders.Order, error) {
	data, err := r.client.Get(ctx, r.prefix+string(id)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, orders.ErrNotFound
		}

		return nil, err
	}

	var rec redisOrder
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, err
	}

	return &orders.Order{
		ID:        orders.ID(rec.ID),
		Item:      rec.Item,
		Quantity:  rec.Quantity,
		ClientIP:  rec.ClientIP,
		CreatedAt: rec.CreatedAt,
	}, nil
}
