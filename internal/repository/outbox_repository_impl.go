package repository

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/jnst/ecommerce-outbox/internal/db"
	"github.com/jnst/ecommerce-outbox/internal/model"
)

// OutboxRepositoryImpl implements OutboxRepository using PostgreSQL.
type OutboxRepositoryImpl struct {
	db *db.Queries
}

// NewOutboxRepositoryImpl creates a new OutboxRepository implementation.
func NewOutboxRepositoryImpl(pool *pgxpool.Pool) OutboxRepository {
	return &OutboxRepositoryImpl{db: db.New(pool)}
}

// Insert writes a PENDING record, inside the transaction carried by ctx if any.
func (r *OutboxRepositoryImpl) Insert(ctx context.Context, params *model.CreateOutboxRecordParams) error {
	err := queries(ctx, r.db).InsertOutbox(ctx, &db.InsertOutboxParams{
		ID:           params.ID,
		Topic:        params.Topic,
		PartitionKey: params.PartitionKey,
		Envelope:     string(params.SerializedEnvelope),
		CreatedAt:    pgtype.Timestamptz{Time: params.CreatedAt, Valid: true},
	})
	if isUniqueViolation(err) {
		return fmt.Errorf("%w: %s", model.ErrDuplicateOutboxRecord, params.ID)
	}

	return err
}

// ClaimPending leases up to limit PENDING records, oldest first.
func (r *OutboxRepositoryImpl) ClaimPending(ctx context.Context, limit int, lease time.Duration) ([]*model.OutboxRecord, error) {
	rows, err := queries(ctx, r.db).ClaimPendingOutbox(ctx, &db.ClaimPendingOutboxParams{
		Limit:        int32(limit),
		LeaseSeconds: lease.Seconds(),
	})
	if err != nil {
		return nil, err
	}

	sort.Slice(rows, func(i, j int) bool {
		a, b := rows[i], rows[j]
		if !a.CreatedAt.Time.Equal(b.CreatedAt.Time) {
			return a.CreatedAt.Time.Before(b.CreatedAt.Time)
		}
		return a.Seq < b.Seq
	})

	records := make([]*model.OutboxRecord, len(rows))
	for i := range rows {
		records[i] = toOutboxRecord(&rows[i])
	}

	return records, nil
}

// MarkSent moves a PENDING record to SENT. Records already terminal are left untouched.
func (r *OutboxRepositoryImpl) MarkSent(ctx context.Context, id string, sentAt time.Time) error {
	n, err := queries(ctx, r.db).MarkOutboxSent(ctx, &db.MarkOutboxSentParams{
		ID:     id,
		SentAt: pgtype.Timestamptz{Time: sentAt, Valid: true},
	})
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%w: %s is not pending", model.ErrOutboxRecordNotFound, id)
	}

	return nil
}

// Release drops the lease of a PENDING record without counting an attempt.
func (r *OutboxRepositoryImpl) Release(ctx context.Context, id string) error {
	n, err := queries(ctx, r.db).ReleaseOutbox(ctx, id)
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%w: %s is not pending", model.ErrOutboxRecordNotFound, id)
	}

	return nil
}

// RecordFailure counts a failed attempt.
func (r *OutboxRepositoryImpl) RecordFailure(ctx context.Context, id string, maxAttempts int, cause string) (*model.OutboxRecord, error) {
	row, err := queries(ctx, r.db).RecordOutboxFailure(ctx, &db.RecordOutboxFailureParams{
		ID:          id,
		MaxAttempts: int32(maxAttempts),
		LastError:   pgtype.Text{String: cause, Valid: true},
	})
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s is not pending", model.ErrOutboxRecordNotFound, id)
	}
	if err != nil {
		return nil, err
	}

	return &model.OutboxRecord{
		ID:        id,
		Attempts:  int(row.Attempts),
		Status:    model.OutboxStatus(row.Status),
		LastError: cause,
	}, nil
}

// MarkFailed moves a PENDING record straight to FAILED.
func (r *OutboxRepositoryImpl) MarkFailed(ctx context.Context, id string, cause string) (*model.OutboxRecord, error) {
	row, err := queries(ctx, r.db).MarkOutboxFailed(ctx, &db.MarkOutboxFailedParams{
		ID:        id,
		LastError: pgtype.Text{String: cause, Valid: true},
	})
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s is not pending", model.ErrOutboxRecordNotFound, id)
	}
	if err != nil {
		return nil, err
	}

	return &model.OutboxRecord{
		ID:        id,
		Attempts:  int(row.Attempts),
		Status:    model.OutboxStatus(row.Status),
		LastError: cause,
	}, nil
}

// GetByID retrieves an outbox record by ID.
func (r *OutboxRepositoryImpl) GetByID(ctx context.Context, id string) (*model.OutboxRecord, error) {
	row, err := queries(ctx, r.db).GetOutbox(ctx, id)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, model.ErrOutboxRecordNotFound
	}
	if err != nil {
		return nil, err
	}

	return toOutboxRecord(&row), nil
}

// ListByStatus returns the newest records in status.
func (r *OutboxRepositoryImpl) ListByStatus(ctx context.Context, status model.OutboxStatus, limit int) ([]*model.OutboxRecord, error) {
	rows, err := queries(ctx, r.db).ListOutboxByStatus(ctx, &db.ListOutboxByStatusParams{
		Status: string(status),
		Limit:  int32(limit),
	})
	if err != nil {
		return nil, err
	}

	records := make([]*model.OutboxRecord, len(rows))
	for i := range rows {
		records[i] = toOutboxRecord(&rows[i])
	}

	return records, nil
}

func toOutboxRecord(row *db.Outbox) *model.OutboxRecord {
	var sentAt *time.Time
	if row.SentAt.Valid {
		sentAt = &row.SentAt.Time
	}

	return &model.OutboxRecord{
		ID:                 row.ID,
		Topic:              row.Topic,
		PartitionKey:       row.PartitionKey,
		SerializedEnvelope: []byte(row.Envelope),
		CreatedAt:          row.CreatedAt.Time,
		SentAt:             sentAt,
		Attempts:           int(row.Attempts),
		Status:             model.OutboxStatus(row.Status),
		LastError:          row.LastError.String,
	}
}
