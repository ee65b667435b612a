// Package consumer reads event batches from the broker, decodes envelopes
// and routes them to the domain handlers.
package consumer

import (
	"context"

	"go.uber.org/zap"

	"github.com/evermart/rankpipe/internal/event"
)

// HandlerFunc processes one decoded envelope.
type HandlerFunc func(ctx context.Context, env event.Envelope) error

// Router dispatches envelopes by their dotted versioned type. Types without
// a handler are skipped, not failed: other consumer groups may own them.
type Router struct {
	logger   *zap.Logger
	handlers map[string]HandlerFunc
}

// NewRouter creates an empty router.
func NewRouter(logger *zap.Logger) *Router {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Router{
		logger:   logger,
		handlers: make(map[string]HandlerFunc),
	}
}

// Handle registers the handler for an event type. Last registration wins.
func (r *Router) Handle(eventType string, handler HandlerFunc) {
	r.handlers[eventType] = handler
}

// Route forwards the envelope to its type's handler.
func (r *Router) Route(ctx context.Context, env event.Envelope) error {
	handler, ok := r.handlers[env.Type]
	if !ok {
		r.logger.Debug("no handler for event type, skipping",
			zap.String("type", env.Type),
			zap.String("event_id", env.ID),
		)
		return nil
	}
	return handler(ctx, env)
}
