package repository

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/jnst/ecommerce-outbox/internal/db"
)

// InboxRepositoryImpl implements InboxRepository using PostgreSQL.
type InboxRepositoryImpl struct {
	db *db.Queries
}

// NewInboxRepositoryImpl creates a new InboxRepository implementation.
func NewInboxRepositoryImpl(pool *pgxpool.Pool) InboxRepository {
	return &InboxRepositoryImpl{db: db.New(pool)}
}

// TryInsert records (group, eventID) and reports whether it was new.
func (r *InboxRepositoryImpl) TryInsert(ctx context.Context, group, eventID string) (bool, error) {
	n, err := queries(ctx, r.db).InsertProcessedEvent(ctx, &db.InsertProcessedEventParams{
		ConsumerGroup: group,
		EventID:       eventID,
	})
	if err != nil {
		return false, err
	}

	return n == 1, nil
}

const uniqueViolation = "23505"

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError

	return errors.As(err, &pgErr) && pgErr.Code == uniqueViolation
}
