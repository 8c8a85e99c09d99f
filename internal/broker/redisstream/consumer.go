package redisstream

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/redis/rueidis"

	"github.com/jnst/ecommerce-outbox/internal/broker"
)

// ConsumerConfig tunes polling.
type ConsumerConfig struct {
	// Name identifies this instance inside every group. Keep it stable across
	// restarts so unacknowledged entries are picked up again.
	Name           string
	PollTimeout    time.Duration
	MaxPollRecords int
	// AutoOffsetReset is "earliest" or "latest" and applies only when a group is created.
	AutoOffsetReset string
}

// Consumer reads partition streams through consumer groups.
type Consumer struct {
	client rueidis.Client
	cfg    ConsumerConfig
	logger *slog.Logger
}

// NewConsumer creates a Consumer.
func NewConsumer(client rueidis.Client, cfg ConsumerConfig, logger *slog.Logger) *Consumer {
	if cfg.MaxPollRecords <= 0 {
		cfg.MaxPollRecords = 100
	}

	return &Consumer{
		client: client,
		cfg:    cfg,
		logger: logger.With(slog.String("component", "redis-consumer")),
	}
}

// Subscribe creates the group on every partition stream if needed.
func (c *Consumer) Subscribe(ctx context.Context, topic, group string, partitions []int) (broker.Subscription, error) {
	if len(partitions) == 0 {
		return nil, fmt.Errorf("redisstream: no partitions to subscribe to on %s", topic)
	}

	start := startID(c.cfg.AutoOffsetReset)
	keys := make([]string, len(partitions))
	partitionOf := make(map[string]int, len(partitions))
	names := make([]string, len(partitions))
	for i, p := range partitions {
		keys[i] = StreamKey(topic, p)
		partitionOf[keys[i]] = p
		names[i] = strconv.Itoa(p)

		if err := ensureGroup(ctx, c.client, keys[i], group, start); err != nil {
			return nil, err
		}
	}

	return &subscription{
		client:      c.client,
		cfg:         c.cfg,
		logger:      c.logger,
		topic:       topic,
		group:       group,
		consumer:    c.cfg.Name + "-" + strings.Join(names, "."),
		keys:        keys,
		partitionOf: partitionOf,
		recovering:  true,
	}, nil
}

func ensureGroup(ctx context.Context, client rueidis.Client, stream, group, start string) error {
	cmd := client.B().XgroupCreate().Key(stream).Group(group).Id(start).Mkstream().Build()
	if err := client.Do(ctx, cmd).Error(); err != nil && !redisErrPrefix(err, "BUSYGROUP") {
		return fmt.Errorf("redisstream: create group %s on %s: %w", group, stream, err)
	}

	return nil
}

// startID maps an offset reset policy to the id a new group starts after.
func startID(autoOffsetReset string) string {
	if autoOffsetReset == "earliest" {
		return "0"
	}

	return "$"
}

// EnsureTopics creates every partition stream of topics together with group,
// positioned per autoOffsetReset. Existing groups keep their position.
func EnsureTopics(ctx context.Context, client rueidis.Client, topics []string, partitions int, group, autoOffsetReset string) error {
	start := startID(autoOffsetReset)
	for _, topic := range topics {
		for p := range partitions {
			if err := ensureGroup(ctx, client, StreamKey(topic, p), group, start); err != nil {
				return err
			}
		}
	}

	return nil
}

// Close is a no-op; the client is owned by the caller.
func (c *Consumer) Close() error { return nil }

type subscription struct {
	client      rueidis.Client
	cfg         ConsumerConfig
	logger      *slog.Logger
	topic       string
	group       string
	consumer    string
	keys        []string
	partitionOf map[string]int

	// While recovering, the subscription replays entries this consumer read
	// but never acknowledged before reading new ones.
	recovering bool
	cursor     map[string]string
}

func (s *subscription) Poll(ctx context.Context) ([]*broker.Delivery, error) {
	ids := make([]string, len(s.keys))
	for i, key := range s.keys {
		ids[i] = ">"
		if s.recovering {
			ids[i] = "0"
			if id, ok := s.cursor[key]; ok {
				ids[i] = id
			}
		}
	}

	var cmd rueidis.Completed
	if s.recovering {
		cmd = s.client.B().Xreadgroup().Group(s.group, s.consumer).
			Count(int64(s.cfg.MaxPollRecords)).
			Streams().
			Key(s.keys...).
			Id(ids...).
			Build()
	} else {
		cmd = s.client.B().Xreadgroup().Group(s.group, s.consumer).
			Count(int64(s.cfg.MaxPollRecords)).
			Block(s.cfg.PollTimeout.Milliseconds()).
			Streams().
			Key(s.keys...).
			Id(ids...).
			Build()
	}

	streams, err := s.client.Do(ctx, cmd).AsXRead()
	if err != nil {
		if rueidis.IsRedisNil(err) {
			if s.recovering {
				s.finishRecovery()
			}
			return nil, nil
		}

		return nil, fmt.Errorf("redisstream: read %s: %w", s.topic, err)
	}

	var (
		out  []*broker.Delivery
		read int
	)
	for _, key := range s.keys {
		for _, entry := range streams[key] {
			read++
			if s.recovering {
				if s.cursor == nil {
					s.cursor = make(map[string]string)
				}
				s.cursor[key] = entry.ID
			}
			// Pending entries trimmed from the stream come back without fields.
			if entry.FieldValues == nil {
				if err := s.ackID(ctx, key, entry.ID); err != nil {
					s.logger.Warn("ack of trimmed entry failed", slog.String("error", err.Error()))
				}
				continue
			}
			out = append(out, decodeEntry(s.topic, s.partitionOf[key], entry))
		}
	}

	if s.recovering && read == 0 {
		s.finishRecovery()
	}

	return out, nil
}

func (s *subscription) finishRecovery() {
	s.recovering = false
	s.cursor = nil
	s.logger.Debug("pending entries replayed", slog.String("topic", s.topic), slog.String("group", s.group))
}

func (s *subscription) Ack(ctx context.Context, d *broker.Delivery) error {
	return s.ackID(ctx, StreamKey(d.Topic, d.Partition), d.Offset)
}

func (s *subscription) ackID(ctx context.Context, stream, id string) error {
	cmd := s.client.B().Xack().Key(stream).Group(s.group).Id(id).Build()
	if err := s.client.Do(ctx, cmd).Error(); err != nil {
		return fmt.Errorf("redisstream: ack %s %s: %w", stream, id, err)
	}

	return nil
}

func (s *subscription) Close() error { return nil }
