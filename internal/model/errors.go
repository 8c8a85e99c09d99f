package model

import "errors"

var (
	// ErrInvalidCustomer is returned when an order has no customer.
	ErrInvalidCustomer = errors.New("customer id is required")
	// ErrEmptyOrder is returned when an order has no line items.
	ErrEmptyOrder = errors.New("order must contain at least one item")
	// ErrInvalidLineItem is returned when a line item has no sku, a non-positive quantity or a negative price.
	ErrInvalidLineItem = errors.New("invalid line item")
	// ErrOrderNotFound is returned when order is not found in database.
	ErrOrderNotFound = errors.New("order not found")
	// ErrInvalidOrderTransition is returned when an order is no longer PENDING.
	ErrInvalidOrderTransition = errors.New("order status does not allow this transition")

	// ErrInvalidEvent is returned when a published event has no type.
	ErrInvalidEvent = errors.New("event type is required")

	// ErrNoActiveTransaction is returned when an outbox append runs outside a transaction.
	ErrNoActiveTransaction = errors.New("outbox append requires an active transaction")
	// ErrSerialization is returned when an event envelope cannot be encoded.
	ErrSerialization = errors.New("event serialization failed")
	// ErrOutboxRecordNotFound is returned when an outbox record does not exist.
	ErrOutboxRecordNotFound = errors.New("outbox record not found")
	// ErrDuplicateOutboxRecord is returned when an envelope id is appended twice.
	ErrDuplicateOutboxRecord = errors.New("outbox record already exists")
)
