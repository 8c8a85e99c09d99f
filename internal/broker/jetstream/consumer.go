package jetstream

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/jnst/ecommerce-outbox/internal/broker"
)

// AckWait bounds how long a fetched message may stay unacknowledged before
// JetStream redelivers it. It must exceed the consumer pipeline's total retry time.
const AckWait = 10 * time.Minute

// ConsumerConfig tunes polling.
type ConsumerConfig struct {
	PollTimeout     time.Duration
	MaxPollRecords  int
	AutoOffsetReset string
}

// Consumer creates durable pull consumers.
type Consumer struct {
	js  nats.JetStreamContext
	cfg ConsumerConfig
}

// NewConsumer creates a Consumer.
func NewConsumer(js nats.JetStreamContext, cfg ConsumerConfig) *Consumer {
	if cfg.MaxPollRecords <= 0 {
		cfg.MaxPollRecords = 100
	}

	return &Consumer{js: js, cfg: cfg}
}

// Subscribe binds one durable pull consumer per partition.
func (c *Consumer) Subscribe(ctx context.Context, topic, group string, partitions []int) (broker.Subscription, error) {
	deliver := nats.DeliverNewPolicy
	if c.cfg.AutoOffsetReset == "earliest" {
		deliver = nats.DeliverAllPolicy
	}

	s := newSubscription(c.cfg, topic, natsAcker{})
	stream := StreamName(topic)
	for _, p := range partitions {
		durable := durableName(group, topic, p)
		if err := ensureConsumer(ctx, c.js, stream, &nats.ConsumerConfig{
			Durable:       durable,
			AckPolicy:     nats.AckExplicitPolicy,
			AckWait:       AckWait,
			MaxDeliver:    -1,
			MaxAckPending: c.cfg.MaxPollRecords,
			DeliverPolicy: deliver,
			FilterSubject: Subject(topic, p),
		}); err != nil {
			_ = s.Close()
			return nil, fmt.Errorf("jetstream: consumer %s: %w", durable, err)
		}

		sub, err := c.js.PullSubscribe(Subject(topic, p), durable, nats.Bind(stream, durable))
		if err != nil {
			_ = s.Close()
			return nil, fmt.Errorf("jetstream: subscribe %s: %w", durable, err)
		}
		s.subs = append(s.subs, partitionSub{partition: p, sub: sub})
	}

	return s, nil
}

// ensureConsumer creates the durable unless it exists. An existing durable keeps
// its position, so the deliver policy only matters the first time.
func ensureConsumer(ctx context.Context, js nats.JetStreamContext, stream string, cfg *nats.ConsumerConfig) error {
	_, err := js.ConsumerInfo(stream, cfg.Durable, nats.Context(ctx))
	if err == nil {
		return nil
	}
	if !errors.Is(err, nats.ErrConsumerNotFound) {
		return err
	}

	_, err = js.AddConsumer(stream, cfg, nats.Context(ctx))

	return err
}

// Close is a no-op; the connection is owned by the caller.
func (c *Consumer) Close() error { return nil }

// puller is the part of *nats.Subscription a partition reader uses.
type puller interface {
	Fetch(batch int, opts ...nats.PullOpt) ([]*nats.Msg, error)
	Unsubscribe() error
}

// acker settles fetched messages.
type acker interface {
	metadata(m *nats.Msg) (*nats.MsgMetadata, error)
	ack(ctx context.Context, m *nats.Msg) error
	nak(m *nats.Msg) error
}

type natsAcker struct{}

func (natsAcker) metadata(m *nats.Msg) (*nats.MsgMetadata, error) { return m.Metadata() }

func (natsAcker) ack(ctx context.Context, m *nats.Msg) error { return m.AckSync(nats.Context(ctx)) }

func (natsAcker) nak(m *nats.Msg) error { return m.Nak() }

type partitionSub struct {
	partition int
	sub       puller
}

type subscription struct {
	cfg   ConsumerConfig
	topic string
	acks  acker
	subs  []partitionSub
	next  int

	mu      sync.Mutex
	unacked map[string]*nats.Msg
}

func newSubscription(cfg ConsumerConfig, topic string, acks acker) *subscription {
	return &subscription{cfg: cfg, topic: topic, acks: acks, unacked: make(map[string]*nats.Msg)}
}

func ackKey(partition int, offset string) string {
	return strconv.Itoa(partition) + "/" + offset
}

// Poll fetches from one partition per call, rotating, so every partition gets
// a share of the poll timeout.
func (s *subscription) Poll(ctx context.Context) ([]*broker.Delivery, error) {
	if len(s.subs) == 0 {
		return nil, broker.ErrClosed
	}

	ps := s.subs[s.next%len(s.subs)]
	s.next++

	wait := s.cfg.PollTimeout / time.Duration(len(s.subs))
	fetchCtx, cancel := context.WithTimeout(ctx, wait)
	defer cancel()

	msgs, err := ps.sub.Fetch(s.cfg.MaxPollRecords, nats.Context(fetchCtx))
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, nats.ErrTimeout) {
			return nil, nil
		}

		return nil, fmt.Errorf("jetstream: fetch %s/%d: %w", s.topic, ps.partition, err)
	}

	out := make([]*broker.Delivery, 0, len(msgs))
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, m := range msgs {
		md, err := s.acks.metadata(m)
		if err != nil {
			return out, fmt.Errorf("jetstream: metadata: %w", err)
		}

		d := &broker.Delivery{
			Topic:     s.topic,
			Partition: ps.partition,
			Offset:    strconv.FormatUint(md.Sequence.Stream, 10),
			Key:       m.Header.Get(HeaderKey),
			Value:     m.Data,
			Timestamp: md.Timestamp,
		}
		for name := range m.Header {
			if name == HeaderKey || name == nats.MsgIdHdr {
				continue
			}
			if d.Headers == nil {
				d.Headers = make(map[string]string)
			}
			d.Headers[name] = m.Header.Get(name)
		}

		s.unacked[ackKey(d.Partition, d.Offset)] = m
		out = append(out, d)
	}

	return out, nil
}

func (s *subscription) Ack(ctx context.Context, d *broker.Delivery) error {
	key := ackKey(d.Partition, d.Offset)

	s.mu.Lock()
	m, ok := s.unacked[key]
	delete(s.unacked, key)
	s.mu.Unlock()

	if !ok {
		return fmt.Errorf("jetstream: %s/%d offset %s is not pending", d.Topic, d.Partition, d.Offset)
	}

	return s.acks.ack(ctx, m)
}

// Close naks every fetched message that was never acknowledged, so JetStream
// redelivers it at once instead of after AckWait, then unsubscribes.
func (s *subscription) Close() error {
	var errs []error

	s.mu.Lock()
	for key, m := range s.unacked {
		if err := s.acks.nak(m); err != nil && !errors.Is(err, nats.ErrConnectionClosed) {
			errs = append(errs, fmt.Errorf("jetstream: nak %s: %w", key, err))
		}
		delete(s.unacked, key)
	}
	s.mu.Unlock()

	for _, ps := range s.subs {
		if err := ps.sub.Unsubscribe(); err != nil && !errors.Is(err, nats.ErrConnectionClosed) {
			errs = append(errs, err)
		}
	}
	s.subs = nil

	return errors.Join(errs...)
}
