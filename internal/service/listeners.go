package service

import (
	"context"
	"errors"
	"log/slog"
	"math/rand/v2"

	"github.com/jnst/ecommerce-outbox/internal/broker"
	"github.com/jnst/ecommerce-outbox/internal/consumer"
	"github.com/jnst/ecommerce-outbox/internal/event"
	"github.com/jnst/ecommerce-outbox/internal/model"
	"github.com/jnst/ecommerce-outbox/internal/repository"
)

// CancelReasonPaymentFailed is the reason of orders cancelled by the payment simulator.
const CancelReasonPaymentFailed = "payment-failed"

// PaymentDecision reports whether payment of an order succeeds.
type PaymentDecision func(order *model.OrderCreatedEvent) bool

// RandomPaymentDecision approves the given share of payments, e.g. 0.8.
func RandomPaymentDecision(successRate float64) PaymentDecision {
	return func(*model.OrderCreatedEvent) bool {
		return rand.Float64() < successRate
	}
}

// decodeDelivery parses the envelope and, for registered types, its payload.
// Bytes that are not an envelope can never succeed and are not retried.
func decodeDelivery(reg *event.Registry, d *broker.Delivery) (*event.Envelope, any, error) {
	env, err := event.Unmarshal(d.Value)
	if err != nil {
		return nil, nil, consumer.NonRetryable(err)
	}

	payload, err := reg.Decode(env)
	if errors.Is(err, event.ErrUnknownEventType) {
		return env, nil, nil
	}
	if err != nil {
		return nil, nil, consumer.NonRetryable(err)
	}

	return env, payload, nil
}

// PaymentListener settles payment for every OrderCreated, marking the order
// PAID or cancelling it. Each envelope is handled at most once per group.
type PaymentListener struct {
	group          string
	orders         OrderService
	inboxRepo      repository.InboxRepository
	transactionMgr repository.TransactionManager
	registry       *event.Registry
	decide         PaymentDecision
	logger         *slog.Logger
}

// NewPaymentListener creates a PaymentListener for consumer group group.
func NewPaymentListener(
	group string,
	orders OrderService,
	inboxRepo repository.InboxRepository,
	transactionMgr repository.TransactionManager,
	registry *event.Registry,
	decide PaymentDecision,
	logger *slog.Logger,
) *PaymentListener {
	return &PaymentListener{
		group:          group,
		orders:         orders,
		inboxRepo:      inboxRepo,
		transactionMgr: transactionMgr,
		registry:       registry,
		decide:         decide,
		logger:         logger.With(slog.String("component", "payment-simulator")),
	}
}

// Handle implements consumer.Handler.
func (l *PaymentListener) Handle(ctx context.Context, d *broker.Delivery) error {
	env, payload, err := decodeDelivery(l.registry, d)
	if err != nil {
		return err
	}

	created, ok := payload.(model.OrderCreatedEvent)
	if !ok {
		return nil
	}

	log := l.logger.With(
		slog.String("event_id", env.ID),
		slog.String("order_id", created.OrderID),
		slog.String("correlation_id", env.CorrelationID))

	return l.transactionMgr.WithTransaction(ctx, func(ctx context.Context) error {
		fresh, err := l.inboxRepo.TryInsert(ctx, l.group, env.ID)
		if err != nil {
			return err
		}
		if !fresh {
			log.Info("duplicate event skipped")
			return nil
		}

		var order *model.Order
		if l.decide(&created) {
			order, err = l.orders.MarkPaid(ctx, created.OrderID, env.CorrelationID)
		} else {
			order, err = l.orders.Cancel(ctx, created.OrderID, CancelReasonPaymentFailed, env.CorrelationID)
		}

		switch {
		case errors.Is(err, model.ErrInvalidOrderTransition):
			log.Info("order already settled", slog.String("error", err.Error()))
			return nil
		case errors.Is(err, model.ErrOrderNotFound):
			return consumer.NonRetryable(err)
		case err != nil:
			return err
		}

		log.Info("payment processed", slog.String("status", string(order.Status)))

		return nil
	})
}

// InventoryListener logs a stock reservation for every OrderCreated.
type InventoryListener struct {
	registry *event.Registry
	logger   *slog.Logger
}

// NewInventoryListener creates an InventoryListener.
func NewInventoryListener(registry *event.Registry, logger *slog.Logger) *InventoryListener {
	return &InventoryListener{
		registry: registry,
		logger:   logger.With(slog.String("component", "inventory-simulator")),
	}
}

// Handle implements consumer.Handler.
func (l *InventoryListener) Handle(_ context.Context, d *broker.Delivery) error {
	env, payload, err := decodeDelivery(l.registry, d)
	if err != nil {
		return err
	}

	created, ok := payload.(model.OrderCreatedEvent)
	if !ok {
		return nil
	}

	for _, item := range created.Items {
		l.logger.Info("stock reserved",
			slog.String("event_id", env.ID),
			slog.String("order_id", created.OrderID),
			slog.String("sku", item.SKU),
			slog.Int("quantity", item.Quantity))
	}

	return nil
}

// NotificationListener logs the customer notification for paid and cancelled orders.
type NotificationListener struct {
	registry *event.Registry
	logger   *slog.Logger
}

// NewNotificationListener creates a NotificationListener.
func NewNotificationListener(registry *event.Registry, logger *slog.Logger) *NotificationListener {
	return &NotificationListener{
		registry: registry,
		logger:   logger.With(slog.String("component", "notification-simulator")),
	}
}

// Handle implements consumer.Handler.
func (l *NotificationListener) Handle(_ context.Context, d *broker.Delivery) error {
	env, payload, err := decodeDelivery(l.registry, d)
	if err != nil {
		return err
	}

	switch p := payload.(type) {
	case model.OrderPaidEvent:
		l.logger.Info("payment confirmation sent",
			slog.String("event_id", env.ID),
			slog.String("order_id", p.OrderID),
			slog.Int64("total_cents", p.TotalCents))
	case model.OrderCancelledEvent:
		l.logger.Info("cancellation notice sent",
			slog.String("event_id", env.ID),
			slog.String("order_id", p.OrderID),
			slog.String("reason", p.Reason))
	}

	return nil
}
