// Package service provides business logic layer implementations.
package service

import (
	"context"

	"github.com/jnst/ecommerce-outbox/internal/event"
	"github.com/jnst/ecommerce-outbox/internal/model"
)

// OrderService defines business logic methods for order management. Every
// mutation appends its announcing event to the outbox in the same transaction.
type OrderService interface {
	CreateOrder(ctx context.Context, params *model.CreateOrderParams) (*model.Order, error)
	GetOrder(ctx context.Context, id string) (*model.Order, error)
	// MarkPaid and Cancel propagate correlationID, generating one when empty.
	MarkPaid(ctx context.Context, id, correlationID string) (*model.Order, error)
	Cancel(ctx context.Context, id, reason, correlationID string) (*model.Order, error)
}

// EventService publishes free-form events routed by domain.
type EventService interface {
	Publish(ctx context.Context, domain string, params *model.PublishEventParams) (*model.PublishedEvent, error)
}

// OutboxService relays PENDING outbox records to the broker.
type OutboxService interface {
	// RelayBatch claims one batch and hands its records to the producer, one
	// at a time per key. It returns the number of records scheduled for
	// publishing; completions arrive asynchronously.
	RelayBatch(ctx context.Context) (int, error)
	// Wait blocks until every dispatched record has been marked.
	Wait(ctx context.Context) error
}

// Appender writes an envelope to the outbox inside the caller's transaction.
type Appender interface {
	Append(ctx context.Context, topic, key string, env *event.Envelope) error
}
