// Package brokertest provides an in-memory partitioned broker with consumer
// groups and manual acknowledgment, for tests.
package brokertest

import (
	"context"
	"fmt"
	"maps"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/jnst/ecommerce-outbox/internal/broker"
)

// Option configures a Broker.
type Option func(*Broker)

// WithPollTimeout bounds how long Poll waits for new records.
func WithPollTimeout(d time.Duration) Option {
	return func(b *Broker) { b.pollTimeout = d }
}

// WithAsyncCallbacks invokes publish callbacks from a new goroutine.
func WithAsyncCallbacks() Option {
	return func(b *Broker) { b.async = true }
}

type groupKey struct {
	topic     string
	group     string
	partition int
}

type groupState struct {
	next    int
	pending map[int]bool
	acks    map[int]int
}

// Broker is safe for concurrent use. Messages with an ID already written are
// acknowledged without being appended again, like an idempotent producer.
type Broker struct {
	mu          sync.Mutex
	partitions  int
	pollTimeout time.Duration
	async       bool
	logs        map[string][][]*broker.Delivery
	written     map[string]bool
	groups      map[groupKey]*groupState
	calls       int
	published   []*broker.Message
	fail        func(*broker.Message) error
	changed     chan struct{}
	closed      bool
}

// New creates a broker whose topics have the given partition count.
func New(partitions int, opts ...Option) *Broker {
	b := &Broker{
		partitions:  partitions,
		pollTimeout: 50 * time.Millisecond,
		logs:        make(map[string][][]*broker.Delivery),
		written:     make(map[string]bool),
		groups:      make(map[groupKey]*groupState),
		changed:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(b)
	}

	return b
}

// FailWith makes Publish fail whenever fn returns an error. Nil restores success.
func (b *Broker) FailWith(fn func(*broker.Message) error) {
	b.mu.Lock()
	b.fail = fn
	b.mu.Unlock()
}

// Publish implements broker.Producer.
func (b *Broker) Publish(_ context.Context, msg *broker.Message, onDone func(*broker.Message, error)) {
	err := b.write(msg)
	if b.async {
		go onDone(msg, err)
		return
	}
	onDone(msg, err)
}

func (b *Broker) write(msg *broker.Message) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.calls++
	if b.closed {
		return broker.ErrClosed
	}
	if b.fail != nil {
		if err := b.fail(msg); err != nil {
			return err
		}
	}
	b.published = append(b.published, msg)

	if msg.ID != "" {
		if b.written[msg.Topic+"/"+msg.ID] {
			return nil
		}
		b.written[msg.Topic+"/"+msg.ID] = true
	}

	p := msg.PartitionFor(b.partitions)
	log := b.topicLog(msg.Topic)
	log[p] = append(log[p], &broker.Delivery{
		Topic:     msg.Topic,
		Partition: p,
		Offset:    strconv.Itoa(len(log[p])),
		Key:       msg.Key,
		Value:     append([]byte(nil), msg.Value...),
		Headers:   maps.Clone(msg.Headers),
		Timestamp: time.Now(),
	})

	close(b.changed)
	b.changed = make(chan struct{})

	return nil
}

func (b *Broker) topicLog(topic string) [][]*broker.Delivery {
	log, ok := b.logs[topic]
	if !ok {
		log = make([][]*broker.Delivery, b.partitions)
		b.logs[topic] = log
	}

	return log
}

// Flush implements broker.Producer. Writes are synchronous.
func (b *Broker) Flush(context.Context) error { return nil }

// Close stops accepting publishes.
func (b *Broker) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.closed = true

	return nil
}

// Subscribe implements broker.Consumer. New groups start at the earliest record.
func (b *Broker) Subscribe(_ context.Context, topic, group string, partitions []int) (broker.Subscription, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil, broker.ErrClosed
	}
	b.topicLog(topic)

	for _, p := range partitions {
		if p < 0 || p >= b.partitions {
			return nil, fmt.Errorf("brokertest: partition %d out of range", p)
		}
		b.group(groupKey{topic, group, p})
	}

	return &subscription{b: b, topic: topic, group: group, partitions: append([]int(nil), partitions...)}, nil
}

func (b *Broker) group(k groupKey) *groupState {
	g, ok := b.groups[k]
	if !ok {
		g = &groupState{pending: make(map[int]bool), acks: make(map[int]int)}
		b.groups[k] = g
	}

	return g
}

// Messages returns the records of topic, partition by partition.
func (b *Broker) Messages(topic string) []*broker.Delivery {
	b.mu.Lock()
	defer b.mu.Unlock()

	var out []*broker.Delivery
	for _, part := range b.logs[topic] {
		out = append(out, part...)
	}

	return out
}

// Published returns every message a successful Publish accepted, duplicates included.
func (b *Broker) Published() []*broker.Message {
	b.mu.Lock()
	defer b.mu.Unlock()

	return append([]*broker.Message(nil), b.published...)
}

// PublishCalls counts Publish invocations, failed ones included.
func (b *Broker) PublishCalls() int {
	b.mu.Lock()
	defer b.mu.Unlock()

	return b.calls
}

// AckCount returns how many times the record at offset was acknowledged by group.
func (b *Broker) AckCount(topic, group string, partition int, offset string) int {
	b.mu.Lock()
	defer b.mu.Unlock()

	idx, err := strconv.Atoi(offset)
	if err != nil {
		return 0
	}
	g, ok := b.groups[groupKey{topic, group, partition}]
	if !ok {
		return 0
	}

	return g.acks[idx]
}

// Topics lists topics that have been written or subscribed, sorted.
func (b *Broker) Topics() []string {
	b.mu.Lock()
	defer b.mu.Unlock()

	out := make([]string, 0, len(b.logs))
	for t := range b.logs {
		out = append(out, t)
	}
	sort.Strings(out)

	return out
}

type subscription struct {
	b          *Broker
	topic      string
	group      string
	partitions []int
	closed     bool
}

func (s *subscription) Poll(ctx context.Context) ([]*broker.Delivery, error) {
	timer := time.NewTimer(s.b.pollTimeout)
	defer timer.Stop()

	for {
		out, changed, err := s.take()
		if err != nil || len(out) > 0 {
			return out, err
		}

		select {
		case <-changed:
		case <-timer.C:
			return nil, nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

func (s *subscription) take() ([]*broker.Delivery, <-chan struct{}, error) {
	s.b.mu.Lock()
	defer s.b.mu.Unlock()

	if s.closed || s.b.closed {
		return nil, nil, broker.ErrClosed
	}

	log := s.b.logs[s.topic]
	var out []*broker.Delivery
	for _, p := range s.partitions {
		g := s.b.group(groupKey{s.topic, s.group, p})
		for ; g.next < len(log[p]); g.next++ {
			g.pending[g.next] = true
			out = append(out, log[p][g.next])
		}
	}

	return out, s.b.changed, nil
}

func (s *subscription) Ack(_ context.Context, d *broker.Delivery) error {
	s.b.mu.Lock()
	defer s.b.mu.Unlock()

	idx, err := strconv.Atoi(d.Offset)
	if err != nil {
		return fmt.Errorf("brokertest: bad offset %q", d.Offset)
	}

	g := s.b.group(groupKey{s.topic, s.group, d.Partition})
	g.acks[idx]++
	if !g.pending[idx] {
		return fmt.Errorf("brokertest: offset %s of %s/%d is not pending", d.Offset, s.topic, d.Partition)
	}
	delete(g.pending, idx)

	return nil
}

// Close rewinds each partition to its oldest unacknowledged record so that a
// later subscription sees it again.
func (s *subscription) Close() error {
	s.b.mu.Lock()
	defer s.b.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true

	for _, p := range s.partitions {
		g := s.b.group(groupKey{s.topic, s.group, p})
		for idx := range g.pending {
			if idx < g.next {
				g.next = idx
			}
		}
		clear(g.pending)
	}

	return nil
}
