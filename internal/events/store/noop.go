package store

import (
	"context"

	"github.com/serroba/edge-guard/internal/events"
	"go.uber.org/zap"
)

// Noop is a no-op implementation of events.Store that logs events.
type Noop struct {
	logger *zap.Logger
}

// NewNoop creates a new no-op decision store.
func NewNoop(logger *zap.Logger) *Noop {
	return &Noop{logger: logger}
}

func (n *Noop) SaveDecision(_ context.Context, event *events.DecisionEvent) error {
	n.logger.Info("policy decision received",
		zap.String("policy", string(event.Policy)),
		zap.String("outcome", string(event.Outcome)),
		zap.String("method", event.Method),
		zap.String("path", event.Path),
		zap.Time("at", event.At),
	)

	return nil
}
