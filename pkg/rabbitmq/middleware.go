package rabbitmq

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// HandleFunc processes one inbound delivery.
type HandleFunc func(ctx context.Context, d Delivery) error

// Middleware wraps a handler with cross-cutting behavior.
type Middleware func(next HandleFunc) HandleFunc

// Chain composes middlewares around a handler. The first middleware is the
// outermost: Chain(h, a, b) runs a, then b, then h.
func Chain(h HandleFunc, mw ...Middleware) HandleFunc {
	for i := len(mw) - 1; i >= 0; i-- {
		h = mw[i](h)
	}

	return h
}

// WithTimeout bounds each invocation of the handler.
func WithTimeout(d time.Duration) Middleware {
	return func(next HandleFunc) HandleFunc {
		return func(ctx context.Context, delivery Delivery) error {
			ctx, cancel := context.WithTimeout(ctx, d)
			defer cancel()

			return next(ctx, delivery)
		}
	}
}

// WithLogging logs handler failures with the delivery identity attached.
func WithLogging(logger *slog.Logger) Middleware {
	return func(next HandleFunc) HandleFunc {
		return func(ctx context.Context, delivery Delivery) error {
			err := next(ctx, delivery)
			if err != nil {
				logger.Error("handling delivery failed",
					"message_id", delivery.MessageID,
					"message_type", delivery.MessageType,
					"routing_key", delivery.RoutingKey,
					"error", err)
			}

			return err
		}
	}
}

// UniqueChecker reports whether a message ID has not been handled before.
type UniqueChecker func(ctx context.Context, id string) (bool, error)

// WithIdempotency skips duplicate deliveries. A repeated message ID is
// rejected as unprocessable so redelivered duplicates do not run the handler
// twice. Checker failures request a requeue.
func WithIdempotency(check UniqueChecker) Middleware {
	return func(next HandleFunc) HandleFunc {
		return func(ctx context.Context, delivery Delivery) error {
			unique, err := check(ctx, delivery.MessageID)
			if err != nil {
				return NewConsumerError(fmt.Errorf("checking message %s idempotency: %w", delivery.MessageID, err))
			}

			if !unique {
				return NewUnprocessableError(fmt.Errorf("message %s was already handled", delivery.MessageID))
			}

			return next(ctx, delivery)
		}
	}
}
