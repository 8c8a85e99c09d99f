package db

import (
	"github.com/jackc/pgx/v5/pgtype"
)

type Order struct {
	ID         string
	CustomerID string
	Items      []byte
	TotalCents int64
	Status     string
	CreatedAt  pgtype.Timestamptz
	UpdatedAt  pgtype.Timestamptz
}

type Outbox struct {
	ID           string
	Seq          int64
	Topic        string
	PartitionKey string
	Envelope     string
	CreatedAt    pgtype.Timestamptz
	SentAt       pgtype.Timestamptz
	Attempts     int32
	Status       string
	LastError    pgtype.Text
	LockedUntil  pgtype.Timestamptz
}

type ProcessedEvent struct {
	ConsumerGroup string
	EventID       string
	ProcessedAt   pgtype.Timestamptz
}
