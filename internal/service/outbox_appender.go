package service

import (
	"context"
	"fmt"

	"github.com/jnst/ecommerce-outbox/internal/event"
	"github.com/jnst/ecommerce-outbox/internal/model"
	"github.com/jnst/ecommerce-outbox/internal/pkg/clock"
	"github.com/jnst/ecommerce-outbox/internal/repository"
)

// OutboxAppender implements Appender. It performs no network I/O.
type OutboxAppender struct {
	outboxRepo     repository.OutboxRepository
	transactionMgr repository.TransactionManager
	clock          clock.Clock
}

// NewOutboxAppender creates a new OutboxAppender.
func NewOutboxAppender(
	outboxRepo repository.OutboxRepository,
	transactionMgr repository.TransactionManager,
	clk clock.Clock,
) *OutboxAppender {
	return &OutboxAppender{
		outboxRepo:     outboxRepo,
		transactionMgr: transactionMgr,
		clock:          clk,
	}
}

// Append serializes env and inserts a PENDING record keyed by key. It fails
// with ErrNoActiveTransaction outside a transaction and with ErrSerialization
// when env cannot be encoded; either error must abort the caller's transaction.
func (a *OutboxAppender) Append(ctx context.Context, topic, key string, env *event.Envelope) error {
	if !a.transactionMgr.InTransaction(ctx) {
		return model.ErrNoActiveTransaction
	}

	data, err := event.Marshal(env)
	if err != nil {
		return fmt.Errorf("%w: %w", model.ErrSerialization, err)
	}

	err = a.outboxRepo.Insert(ctx, &model.CreateOutboxRecordParams{
		ID:                 env.ID,
		Topic:              topic,
		PartitionKey:       key,
		SerializedEnvelope: data,
		CreatedAt:          a.clock.Now(),
	})
	if err != nil {
		return fmt.Errorf("failed to append %s to outbox: %w", env.EventType, err)
	}

	return nil
}
