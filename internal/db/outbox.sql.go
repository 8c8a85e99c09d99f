// source: outbox.sql

package db

import (
	"context"

	"github.com/jackc/pgx/v5/pgtype"
)

const claimPendingOutbox = `-- name: ClaimPendingOutbox :many
WITH candidates AS (
    SELECT id, topic, partition_key, created_at, seq
    FROM outbox
    WHERE status = 'PENDING'
      AND (locked_until IS NULL OR locked_until < now())
    ORDER BY created_at, seq
    LIMIT $1
    FOR UPDATE SKIP LOCKED
),
claimable AS (
    SELECT c.id
    FROM candidates c
    WHERE NOT EXISTS (
        SELECT 1
        FROM outbox older
        WHERE older.topic = c.topic
          AND older.partition_key = c.partition_key
          AND older.status = 'PENDING'
          AND (older.created_at, older.seq) < (c.created_at, c.seq)
          AND older.id NOT IN (SELECT id FROM candidates)
    )
)
UPDATE outbox o
SET locked_until = now() + make_interval(secs => $2::double precision)
FROM claimable
WHERE o.id = claimable.id
RETURNING o.id, o.seq, o.topic, o.partition_key, o.envelope, o.created_at, o.sent_at, o.attempts, o.status, o.last_error, o.locked_until
`

type ClaimPendingOutboxParams struct {
	Limit        int32
	LeaseSeconds float64
}

// ClaimPendingOutbox leases up to Limit pending rows. Rows locked by a concurrent
// claim are skipped, and leased rows stay invisible until the lease expires. A
// row is left out while an older pending row of the same key is not claimed with it.
// RETURNING does not preserve the CTE order; callers sort.
func (q *Queries) ClaimPendingOutbox(ctx context.Context, arg *ClaimPendingOutboxParams) ([]Outbox, error) {
	rows, err := q.db.Query(ctx, claimPendingOutbox, arg.Limit, arg.LeaseSeconds)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var items []Outbox
	for rows.Next() {
		var i Outbox
		if err := rows.Scan(
			&i.ID,
			&i.Seq,
			&i.Topic,
			&i.PartitionKey,
			&i.Envelope,
			&i.CreatedAt,
			&i.SentAt,
			&i.Attempts,
			&i.Status,
			&i.LastError,
			&i.LockedUntil,
		); err != nil {
			return nil, err
		}
		items = append(items, i)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return items, nil
}

const getOutbox = `-- name: GetOutbox :one
SELECT id, seq, topic, partition_key, envelope, created_at, sent_at, attempts, status, last_error, locked_until
FROM outbox
WHERE id = $1
`

func (q *Queries) GetOutbox(ctx context.Context, id string) (Outbox, error) {
	row := q.db.QueryRow(ctx, getOutbox, id)
	var i Outbox
	err := row.Scan(
		&i.ID,
		&i.Seq,
		&i.Topic,
		&i.PartitionKey,
		&i.Envelope,
		&i.CreatedAt,
		&i.SentAt,
		&i.Attempts,
		&i.Status,
		&i.LastError,
		&i.LockedUntil,
	)
	return i, err
}

const insertOutbox = `-- name: InsertOutbox :exec
INSERT INTO outbox (id, topic, partition_key, envelope, created_at)
VALUES ($1, $2, $3, $4, $5)
`

type InsertOutboxParams struct {
	ID           string
	Topic        string
	PartitionKey string
	Envelope     string
	CreatedAt    pgtype.Timestamptz
}

func (q *Queries) InsertOutbox(ctx context.Context, arg *InsertOutboxParams) error {
	_, err := q.db.Exec(ctx, insertOutbox,
		arg.ID,
		arg.Topic,
		arg.PartitionKey,
		arg.Envelope,
		arg.CreatedAt,
	)
	return err
}

const listOutboxByStatus = `-- name: ListOutboxByStatus :many
SELECT id, seq, topic, partition_key, envelope, created_at, sent_at, attempts, status, last_error, locked_until
FROM outbox
WHERE status = $1
ORDER BY created_at DESC, seq DESC
LIMIT $2
`

type ListOutboxByStatusParams struct {
	Status string
	Limit  int32
}

func (q *Queries) ListOutboxByStatus(ctx context.Context, arg *ListOutboxByStatusParams) ([]Outbox, error) {
	rows, err := q.db.Query(ctx, listOutboxByStatus, arg.Status, arg.Limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var items []Outbox
	for rows.Next() {
		var i Outbox
		if err := rows.Scan(
			&i.ID,
			&i.Seq,
			&i.Topic,
			&i.PartitionKey,
			&i.Envelope,
			&i.CreatedAt,
			&i.SentAt,
			&i.Attempts,
			&i.Status,
			&i.LastError,
			&i.LockedUntil,
		); err != nil {
			return nil, err
		}
		items = append(items, i)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return items, nil
}

const markOutboxFailed = `-- name: MarkOutboxFailed :one
UPDATE outbox
SET attempts = attempts + 1,
    status = 'FAILED',
    last_error = $2,
    locked_until = NULL
WHERE id = $1 AND status = 'PENDING'
RETURNING attempts, status
`

type MarkOutboxFailedParams struct {
	ID        string
	LastError pgtype.Text
}

type MarkOutboxFailedRow struct {
	Attempts int32
	Status   string
}

func (q *Queries) MarkOutboxFailed(ctx context.Context, arg *MarkOutboxFailedParams) (MarkOutboxFailedRow, error) {
	row := q.db.QueryRow(ctx, markOutboxFailed, arg.ID, arg.LastError)
	var i MarkOutboxFailedRow
	err := row.Scan(&i.Attempts, &i.Status)
	return i, err
}

const markOutboxSent = `-- name: MarkOutboxSent :execrows
UPDATE outbox
SET status = 'SENT',
    sent_at = $2,
    last_error = NULL,
    locked_until = NULL
WHERE id = $1 AND status = 'PENDING'
`

type MarkOutboxSentParams struct {
	ID     string
	SentAt pgtype.Timestamptz
}

func (q *Queries) MarkOutboxSent(ctx context.Context, arg *MarkOutboxSentParams) (int64, error) {
	result, err := q.db.Exec(ctx, markOutboxSent, arg.ID, arg.SentAt)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected(), nil
}

const releaseOutbox = `-- name: ReleaseOutbox :execrows
UPDATE outbox
SET locked_until = NULL
WHERE id = $1 AND status = 'PENDING'
`

func (q *Queries) ReleaseOutbox(ctx context.Context, id string) (int64, error) {
	result, err := q.db.Exec(ctx, releaseOutbox, id)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected(), nil
}

const recordOutboxFailure = `-- name: RecordOutboxFailure :one
UPDATE outbox
SET attempts = attempts + 1,
    status = CASE WHEN attempts + 1 > $2::integer THEN 'FAILED' ELSE status END,
    last_error = $3,
    locked_until = NULL
WHERE id = $1 AND status = 'PENDING'
RETURNING attempts, status
`

type RecordOutboxFailureParams struct {
	ID          string
	MaxAttempts int32
	LastError   pgtype.Text
}

type RecordOutboxFailureRow struct {
	Attempts int32
	Status   string
}

// RecordOutboxFailure counts a failed publish and moves the row to FAILED once
// attempts exceed MaxAttempts. The lease is released so the next tick can retry.
func (q *Queries) RecordOutboxFailure(ctx context.Context, arg *RecordOutboxFailureParams) (RecordOutboxFailureRow, error) {
	row := q.db.QueryRow(ctx, recordOutboxFailure, arg.ID, arg.MaxAttempts, arg.LastError)
	var i RecordOutboxFailureRow
	err := row.Scan(&i.Attempts, &i.Status)
	return i, err
}
