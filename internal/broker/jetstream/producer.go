package jetstream

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/jnst/ecommerce-outbox/internal/broker"
)

// AsyncPublisher is the part of nats.JetStreamContext the producer uses.
type AsyncPublisher interface {
	PublishMsgAsync(m *nats.Msg, opts ...nats.PubOpt) (nats.PubAckFuture, error)
}

// Producer publishes asynchronously. The stream deduplicates on Nats-Msg-Id.
type Producer struct {
	js              AsyncPublisher
	partitions      int
	deliveryTimeout time.Duration
	logger          *slog.Logger

	mu       sync.Mutex
	closed   bool
	inflight broker.InFlight
}

// NewProducer creates a Producer.
func NewProducer(js AsyncPublisher, partitions int, deliveryTimeout time.Duration, logger *slog.Logger) *Producer {
	return &Producer{
		js:              js,
		partitions:      partitions,
		deliveryTimeout: deliveryTimeout,
		logger:          logger.With(slog.String("component", "jetstream-producer")),
	}
}

// Publish sends msg to its partition subject.
func (p *Producer) Publish(_ context.Context, msg *broker.Message, onDone func(*broker.Message, error)) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		onDone(msg, broker.ErrClosed)
		return
	}
	p.inflight.Add()
	p.mu.Unlock()

	m := nats.NewMsg(Subject(msg.Topic, msg.PartitionFor(p.partitions)))
	m.Data = msg.Value
	m.Header.Set(HeaderKey, msg.Key)
	if msg.ID != "" {
		m.Header.Set(nats.MsgIdHdr, msg.ID)
	}
	for name, value := range msg.Headers {
		m.Header.Set(name, value)
	}

	future, err := p.js.PublishMsgAsync(m)
	if err != nil {
		p.complete(msg, onDone, fmt.Errorf("jetstream: publish %s: %w", m.Subject, err))
		return
	}

	go func() {
		timer := time.NewTimer(p.deliveryTimeout)
		defer timer.Stop()

		select {
		case ack := <-future.Ok():
			if ack.Duplicate {
				p.logger.Debug("duplicate publish suppressed", slog.String("id", msg.ID))
			}
			p.complete(msg, onDone, nil)
		case err := <-future.Err():
			p.complete(msg, onDone, fmt.Errorf("jetstream: publish %s: %w", m.Subject, err))
		case <-timer.C:
			p.complete(msg, onDone, broker.ErrDeliveryTimeout)
		}
	}()
}

func (p *Producer) complete(msg *broker.Message, onDone func(*broker.Message, error), err error) {
	defer p.inflight.Done()
	onDone(msg, err)
}

// Flush waits for every outstanding publish.
func (p *Producer) Flush(ctx context.Context) error {
	return p.inflight.Wait(ctx)
}

// Close rejects further publishes. The connection is owned by the caller.
func (p *Producer) Close() error {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()

	return nil
}
