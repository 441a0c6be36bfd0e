package events

import (
	"context"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/serroba/edge-guard/internal/messaging"
	"go.uber.org/zap"
)

// Store persists decision events.
type Store interface {
	SaveDecision(ctx context.Context, event *DecisionEvent) error
}

// NewConsumer creates a consumer that saves every decision event to store.
func NewConsumer(subscriber message.Subscriber, store Store, logger *zap.Logger) *messaging.Consumer[DecisionEvent] {
	return messaging.NewConsumer(subscriber, TopicDecision, store.SaveDecision, logger)
}
