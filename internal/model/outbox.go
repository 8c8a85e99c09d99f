package model

import "time"

// OutboxStatus is the delivery state of an outbox record.
type OutboxStatus string

const (
	// OutboxStatusPending marks a record the relay still has to deliver.
	OutboxStatusPending OutboxStatus = "PENDING"
	// OutboxStatusSent marks a record acknowledged by the broker. Terminal.
	OutboxStatusSent OutboxStatus = "SENT"
	// OutboxStatusFailed marks a record that exhausted its attempts or cannot be decoded. Terminal.
	OutboxStatusFailed OutboxStatus = "FAILED"
)

// Valid reports whether s is a known status.
func (s OutboxStatus) Valid() bool {
	switch s {
	case OutboxStatusPending, OutboxStatusSent, OutboxStatusFailed:
		return true
	}

	return false
}

// OutboxRecord is an event waiting for, or done with, delivery to the broker.
// ID equals the envelope id.
type OutboxRecord struct {
	ID                 string       `json:"id"`
	Topic              string       `json:"topic"`
	PartitionKey       string       `json:"partition_key"`
	SerializedEnvelope []byte       `json:"-"`
	CreatedAt          time.Time    `json:"created_at"`
	SentAt             *time.Time   `json:"sent_at"`
	Attempts           int          `json:"attempts"`
	Status             OutboxStatus `json:"status"`
	LastError          string       `json:"last_error,omitempty"`
}

// CreateOutboxRecordParams represents parameters for inserting a PENDING outbox record.
type CreateOutboxRecordParams struct {
	ID                 string
	Topic              string
	PartitionKey       string
	SerializedEnvelope []byte
	CreatedAt          time.Time
}
