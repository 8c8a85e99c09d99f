// Package jetstream implements the broker contracts on NATS JetStream.
//
// A topic is a stream whose partitions are the subjects "<topic>.<n>". Each
// consumer group reads a partition through its own durable pull consumer with
// explicit acks.
package jetstream

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
)

// HeaderKey carries the message key.
const HeaderKey = "Ecommerce-Key"

// StreamName derives a valid stream name from a topic.
func StreamName(topic string) string {
	return strings.ToUpper(sanitize(topic))
}

// Subject names partition p of topic.
func Subject(topic string, p int) string {
	return topic + "." + strconv.Itoa(p)
}

func durableName(group, topic string, p int) string {
	return sanitize(group) + "_" + sanitize(topic) + "_" + strconv.Itoa(p)
}

func sanitize(s string) string {
	return strings.NewReplacer(".", "_", "*", "_", ">", "_", " ", "_").Replace(s)
}

// StreamManager is the part of nats.JetStreamContext that manages streams.
type StreamManager interface {
	StreamInfo(stream string, opts ...nats.JSOpt) (*nats.StreamInfo, error)
	AddStream(cfg *nats.StreamConfig, opts ...nats.JSOpt) (*nats.StreamInfo, error)
	UpdateStream(cfg *nats.StreamConfig, opts ...nats.JSOpt) (*nats.StreamInfo, error)
}

// EnsureStreams creates or updates the stream of every topic with one subject per partition.
func EnsureStreams(ctx context.Context, js StreamManager, topics []string, partitions int, dedup time.Duration) error {
	for _, topic := range topics {
		subjects := make([]string, partitions)
		for p := range partitions {
			subjects[p] = Subject(topic, p)
		}
		if err := ensureStream(ctx, js, StreamName(topic), subjects, dedup); err != nil {
			return fmt.Errorf("jetstream: stream for %s: %w", topic, err)
		}
	}

	return nil
}

func ensureStream(ctx context.Context, js StreamManager, name string, subjects []string, dedup time.Duration) error {
	info, err := js.StreamInfo(name, nats.Context(ctx))
	if err == nil {
		if slices.Equal(info.Config.Subjects, subjects) && info.Config.Duplicates == dedup {
			return nil
		}
		info.Config.Subjects = subjects
		info.Config.Duplicates = dedup
		_, err = js.UpdateStream(&info.Config, nats.Context(ctx))

		return err
	}

	if errors.Is(err, nats.ErrStreamNotFound) {
		_, err = js.AddStream(&nats.StreamConfig{
			Name:       name,
			Subjects:   subjects,
			Storage:    nats.FileStorage,
			Retention:  nats.LimitsPolicy,
			Duplicates: dedup,
		}, nats.Context(ctx))
	}

	return err
}
