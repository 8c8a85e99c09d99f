package service

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/jnst/ecommerce-outbox/internal/event"
	"github.com/jnst/ecommerce-outbox/internal/model"
	"github.com/jnst/ecommerce-outbox/internal/pkg/clock"
	"github.com/jnst/ecommerce-outbox/internal/repository"
)

const orderEventVersion = 1

// RegisterOrderEvents installs the order event payload types in reg.
func RegisterOrderEvents(reg *event.Registry) {
	event.RegisterType[model.OrderCreatedEvent](reg, model.EventTypeOrderCreated, orderEventVersion)
	event.RegisterType[model.OrderPaidEvent](reg, model.EventTypeOrderPaid, orderEventVersion)
	event.RegisterType[model.OrderCancelledEvent](reg, model.EventTypeOrderCancelled, orderEventVersion)
}

// OrderServiceImpl implements OrderService for order management business logic.
type OrderServiceImpl struct {
	orderRepo      repository.OrderRepository
	appender       Appender
	transactionMgr repository.TransactionManager
	factory        *event.Factory
	clock          clock.Clock
	topic          string
	newID          func() string
}

// NewOrderServiceImpl creates a new OrderService implementation. Order events go to topic.
func NewOrderServiceImpl(
	orderRepo repository.OrderRepository,
	appender Appender,
	transactionMgr repository.TransactionManager,
	factory *event.Factory,
	clk clock.Clock,
	topic string,
) *OrderServiceImpl {
	return &OrderServiceImpl{
		orderRepo:      orderRepo,
		appender:       appender,
		transactionMgr: transactionMgr,
		factory:        factory,
		clock:          clk,
		topic:          topic,
		newID:          uuid.NewString,
	}
}

// CreateOrder creates a PENDING order and appends OrderCreated.
func (s *OrderServiceImpl) CreateOrder(ctx context.Context, params *model.CreateOrderParams) (*model.Order, error) {
	if err := params.Validate(); err != nil {
		return nil, err
	}

	now := s.clock.Now()
	order := &model.Order{
		ID:         s.newID(),
		CustomerID: params.CustomerID,
		Items:      params.Items,
		TotalCents: params.Total(),
		Status:     model.OrderStatusPending,
		CreatedAt:  now,
		UpdatedAt:  now,
	}

	err := s.transactionMgr.WithTransaction(ctx, func(ctx context.Context) error {
		if err := s.orderRepo.Create(ctx, order); err != nil {
			return fmt.Errorf("failed to create order: %w", err)
		}

		return s.announce(ctx, order, model.EventTypeOrderCreated, "", &model.OrderCreatedEvent{
			OrderID:    order.ID,
			CustomerID: order.CustomerID,
			Items:      order.Items,
			TotalCents: order.TotalCents,
		})
	})
	if err != nil {
		return nil, err
	}

	return order, nil
}

// GetOrder retrieves an order by ID.
func (s *OrderServiceImpl) GetOrder(ctx context.Context, id string) (*model.Order, error) {
	return s.orderRepo.GetByID(ctx, id)
}

// MarkPaid moves a PENDING order to PAID and appends OrderPaid.
func (s *OrderServiceImpl) MarkPaid(ctx context.Context, id, correlationID string) (*model.Order, error) {
	return s.transition(ctx, id, model.OrderStatusPaid, func(ctx context.Context, order *model.Order) error {
		return s.announce(ctx, order, model.EventTypeOrderPaid, correlationID, &model.OrderPaidEvent{
			OrderID:    order.ID,
			TotalCents: order.TotalCents,
		})
	})
}

// Cancel moves a PENDING order to CANCELLED and appends OrderCancelled.
func (s *OrderServiceImpl) Cancel(ctx context.Context, id, reason, correlationID string) (*model.Order, error) {
	return s.transition(ctx, id, model.OrderStatusCancelled, func(ctx context.Context, order *model.Order) error {
		return s.announce(ctx, order, model.EventTypeOrderCancelled, correlationID, &model.OrderCancelledEvent{
			OrderID: order.ID,
			Reason:  reason,
		})
	})
}

func (s *OrderServiceImpl) transition(
	ctx context.Context,
	id string,
	to model.OrderStatus,
	after func(ctx context.Context, order *model.Order) error,
) (*model.Order, error) {
	var updated *model.Order

	err := s.transactionMgr.WithTransaction(ctx, func(txCtx context.Context) error {
		order, err := s.orderRepo.GetForUpdate(txCtx, id)
		if err != nil {
			return err
		}
		if order.Status != model.OrderStatusPending {
			return fmt.Errorf("%w: %s is %s", model.ErrInvalidOrderTransition, id, order.Status)
		}

		order.Status = to
		order.UpdatedAt = s.clock.Now()
		if err := s.orderRepo.UpdateStatus(txCtx, id, to, order.UpdatedAt); err != nil {
			return fmt.Errorf("failed to update order status: %w", err)
		}

		updated = order

		return after(txCtx, order)
	})
	if err != nil {
		return nil, err
	}

	return updated, nil
}

func (s *OrderServiceImpl) announce(ctx context.Context, order *model.Order, eventType, correlationID string, payload any) error {
	env, err := s.factory.New(eventType, order.ID, correlationID, orderEventVersion, payload)
	if err != nil {
		return fmt.Errorf("%w: %w", model.ErrSerialization, err)
	}

	return s.appender.Append(ctx, s.topic, order.ID, env)
}
