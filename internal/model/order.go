// Package model defines domain models and data structures.
package model

import (
	"fmt"
	"time"
)

// OrderStatus is the lifecycle state of an order.
type OrderStatus string

const (
	OrderStatusPending   OrderStatus = "PENDING"
	OrderStatusPaid      OrderStatus = "PAID"
	OrderStatusCancelled OrderStatus = "CANCELLED"
	OrderStatusFailed    OrderStatus = "FAILED"
)

// LineItem is one product line of an order.
type LineItem struct {
	SKU        string `json:"sku"`
	Quantity   int    `json:"quantity"`
	PriceCents int64  `json:"price_cents"`
}

// Order represents an order entity. Only Status is reacted to by the event core.
type Order struct {
	ID         string      `json:"id"`
	CustomerID string      `json:"customer_id"`
	Items      []LineItem  `json:"items"`
	TotalCents int64       `json:"total_cents"`
	Status     OrderStatus `json:"status"`
	CreatedAt  time.Time   `json:"created_at"`
	UpdatedAt  time.Time   `json:"updated_at"`
}

// CreateOrderParams represents parameters for creating a new order.
type CreateOrderParams struct {
	CustomerID string     `json:"customer_id"`
	Items      []LineItem `json:"items"`
}

// Validate validates the create order parameters.
func (p *CreateOrderParams) Validate() error {
	if p.CustomerID == "" {
		return ErrInvalidCustomer
	}

	if len(p.Items) == 0 {
		return ErrEmptyOrder
	}

	for i, item := range p.Items {
		if item.SKU == "" || item.Quantity <= 0 || item.PriceCents < 0 {
			return fmt.Errorf("%w: item %d", ErrInvalidLineItem, i)
		}
	}

	return nil
}

// Total sums quantity times price over all items.
func (p *CreateOrderParams) Total() int64 {
	var total int64
	for _, item := range p.Items {
		total += int64(item.Quantity) * item.PriceCents
	}

	return total
}

// Order event types carried in the envelope eventType field.
const (
	EventTypeOrderCreated   = "OrderCreated"
	EventTypeOrderPaid      = "OrderPaid"
	EventTypeOrderCancelled = "OrderCancelled"
)

// OrderCreatedEvent represents the payload for order creation events.
type OrderCreatedEvent struct {
	OrderID    string     `json:"order_id"`
	CustomerID string     `json:"customer_id"`
	Items      []LineItem `json:"items"`
	TotalCents int64      `json:"total_cents"`
}

// OrderPaidEvent represents the payload for successful payment events.
type OrderPaidEvent struct {
	OrderID    string `json:"order_id"`
	TotalCents int64  `json:"total_cents"`
}

// OrderCancelledEvent represents the payload for order cancellation events.
type OrderCancelledEvent struct {
	OrderID string `json:"order_id"`
	Reason  string `json:"reason"`
}

// PublishEventParams is a free-form event routed by domain.
type PublishEventParams struct {
	Key     string `json:"key"`
	Type    string `json:"type"`
	Payload any    `json:"payload"`
}

// PublishedEvent describes an event accepted into the outbox.
type PublishedEvent struct {
	EventID   string       `json:"event_id"`
	EventType string       `json:"event_type"`
	Topic     string       `json:"topic"`
	Key       string       `json:"key"`
	Status    OutboxStatus `json:"status"`
}
