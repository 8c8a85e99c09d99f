// source: processed_events.sql

package db

import (
	"context"
)

const insertProcessedEvent = `-- name: InsertProcessedEvent :execrows
INSERT INTO processed_events (consumer_group, event_id)
VALUES ($1, $2)
ON CONFLICT (consumer_group, event_id) DO NOTHING
`

type InsertProcessedEventParams struct {
	ConsumerGroup string
	EventID       string
}

// InsertProcessedEvent returns 0 rows affected when the event was already recorded.
func (q *Queries) InsertProcessedEvent(ctx context.Context, arg *InsertProcessedEventParams) (int64, error) {
	result, err := q.db.Exec(ctx, insertProcessedEvent, arg.ConsumerGroup, arg.EventID)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected(), nil
}
