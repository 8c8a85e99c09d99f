// Package broker defines the producer and consumer contracts the outbox relay and
// the consumer pipeline run against. Drivers live in subpackages.
package broker

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrClosed is returned by a producer or consumer after Close.
	ErrClosed = errors.New("broker: closed")
	// ErrDeliveryTimeout is reported when a publish stays unacknowledged past the delivery timeout.
	ErrDeliveryTimeout = errors.New("broker: delivery timeout")
)

// Message is an outbound record.
type Message struct {
	// ID identifies the message for producer-side deduplication of retries.
	// Empty lets the driver assign one per Publish call.
	ID      string
	Topic   string
	Key     string
	Value   []byte
	Headers map[string]string
	// Partition pins the target partition. Nil routes by Key.
	Partition *int
}

// PartitionFor returns the partition m is written to on a topic with n partitions.
func (m *Message) PartitionFor(n int) int {
	if m.Partition != nil && *m.Partition >= 0 && *m.Partition < n {
		return *m.Partition
	}

	return Partition(m.Key, n)
}

// Delivery is an inbound record. Offset is driver-specific and opaque.
type Delivery struct {
	Topic     string
	Partition int
	Offset    string
	Key       string
	Value     []byte
	Headers   map[string]string
	Timestamp time.Time
}

// Producer publishes asynchronously. onDone is invoked exactly once per Publish,
// from a driver goroutine, after the broker acknowledged the write or the
// delivery timeout elapsed. Messages with the same key reach the broker in Publish order.
type Producer interface {
	Publish(ctx context.Context, msg *Message, onDone func(*Message, error))
	// Flush blocks until every accepted message has completed.
	Flush(ctx context.Context) error
	Close() error
}

// Subscription is one consumer's view of a set of partitions of a topic.
type Subscription interface {
	// Poll waits up to the configured poll timeout and returns the next records, in
	// partition order. Nil with a nil error means nothing arrived.
	Poll(ctx context.Context) ([]*Delivery, error)
	// Ack marks d consumed for the group. Unacked records are redelivered after a restart.
	Ack(ctx context.Context, d *Delivery) error
	Close() error
}

// Consumer creates subscriptions in consumer groups.
type Consumer interface {
	Subscribe(ctx context.Context, topic, group string, partitions []int) (Subscription, error)
	Close() error
}

// PublishSync publishes msg and waits for its completion.
func PublishSync(ctx context.Context, p Producer, msg *Message) error {
	done := make(chan error, 1)
	p.Publish(ctx, msg, func(_ *Message, err error) {
		done <- err
	})

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}
