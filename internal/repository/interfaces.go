// Package repository provides data access interfaces and implementations.
package repository

import (
	"context"
	"time"

	"github.com/jnst/ecommerce-outbox/internal/model"
)

// OrderRepository defines methods for order data access.
type OrderRepository interface {
	Create(ctx context.Context, order *model.Order) error
	GetByID(ctx context.Context, id string) (*model.Order, error)
	// GetForUpdate reads and row-locks the order until the enclosing transaction ends.
	GetForUpdate(ctx context.Context, id string) (*model.Order, error)
	UpdateStatus(ctx context.Context, id string, status model.OrderStatus, updatedAt time.Time) error
}

// OutboxRepository defines methods for outbox record data access.
type OutboxRepository interface {
	Insert(ctx context.Context, params *model.CreateOutboxRecordParams) error
	// ClaimPending leases up to limit PENDING records, oldest first. A leased
	// record is not returned to any other claim until the lease expires or the
	// record is updated. A record is skipped while an older PENDING record with
	// the same topic and key is not part of the same claim.
	ClaimPending(ctx context.Context, limit int, lease time.Duration) ([]*model.OutboxRecord, error)
	MarkSent(ctx context.Context, id string, sentAt time.Time) error
	// RecordFailure increments attempts and marks the record FAILED once attempts exceed maxAttempts.
	RecordFailure(ctx context.Context, id string, maxAttempts int, cause string) (*model.OutboxRecord, error)
	// Release drops the lease of a PENDING record without counting an attempt.
	Release(ctx context.Context, id string) error
	// MarkFailed moves a record to FAILED regardless of attempts.
	MarkFailed(ctx context.Context, id string, cause string) (*model.OutboxRecord, error)
	GetByID(ctx context.Context, id string) (*model.OutboxRecord, error)
	ListByStatus(ctx context.Context, status model.OutboxStatus, limit int) ([]*model.OutboxRecord, error)
}

// InboxRepository records which events a consumer group has already handled.
type InboxRepository interface {
	// TryInsert returns false when (group, eventID) was recorded before.
	TryInsert(ctx context.Context, group, eventID string) (bool, error)
}

// TransactionManager defines methods for database transaction management.
type TransactionManager interface {
	// WithTransaction runs fn in a transaction carried by the ctx passed to fn.
	// Nested calls join the outer transaction.
	WithTransaction(ctx context.Context, fn func(ctx context.Context) error) error
	// InTransaction reports whether ctx carries a transaction.
	InTransaction(ctx context.Context) bool
}
