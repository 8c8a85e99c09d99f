package jetstream

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jnst/ecommerce-outbox/internal/broker"
	"github.com/jnst/ecommerce-outbox/internal/logger"
)

type fakeFuture struct {
	ok  chan *nats.PubAck
	err chan error
	msg *nats.Msg
}

func (f *fakeFuture) Ok() <-chan *nats.PubAck { return f.ok }
func (f *fakeFuture) Err() <-chan error       { return f.err }
func (f *fakeFuture) Msg() *nats.Msg          { return f.msg }

type fakePublisher struct {
	mu         sync.Mutex
	msgs       []*nats.Msg
	futures    []*fakeFuture
	publishErr error
}

func (f *fakePublisher) PublishMsgAsync(m *nats.Msg, _ ...nats.PubOpt) (nats.PubAckFuture, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.publishErr != nil {
		return nil, f.publishErr
	}
	future := &fakeFuture{ok: make(chan *nats.PubAck, 1), err: make(chan error, 1), msg: m}
	f.msgs = append(f.msgs, m)
	f.futures = append(f.futures, future)

	return future, nil
}

func (f *fakePublisher) future(i int) *fakeFuture {
	f.mu.Lock()
	defer f.mu.Unlock()

	return f.futures[i]
}

func startPublish(t *testing.T, p *Producer, msg *broker.Message) <-chan error {
	t.Helper()
	done := make(chan error, 1)
	p.Publish(context.Background(), msg, func(_ *broker.Message, err error) { done <- err })

	return done
}

func result(t *testing.T, done <-chan error) error {
	t.Helper()
	select {
	case err := <-done:
		return err
	case <-time.After(2 * time.Second):
		t.Fatal("publish did not complete")
		return nil
	}
}

func partition(p int) *int { return &p }

func TestProducer_PublishSetsSubjectAndHeaders(t *testing.T) {
	js := &fakePublisher{}
	p := NewProducer(js, 3, time.Second, logger.Discard())

	done := startPublish(t, p, &broker.Message{
		ID:        "E1",
		Topic:     "order.events",
		Key:       "O1",
		Value:     []byte(`{"id":"E1"}`),
		Headers:   map[string]string{"event-type": "OrderCreated"},
		Partition: partition(2),
	})
	js.future(0).ok <- &nats.PubAck{Stream: "ORDER_EVENTS", Sequence: 1}
	require.NoError(t, result(t, done))

	require.Len(t, js.msgs, 1)
	m := js.msgs[0]
	assert.Equal(t, "order.events.2", m.Subject)
	assert.Equal(t, `{"id":"E1"}`, string(m.Data))
	assert.Equal(t, "O1", m.Header.Get(HeaderKey))
	assert.Equal(t, "E1", m.Header.Get(nats.MsgIdHdr))
	assert.Equal(t, "OrderCreated", m.Header.Get("event-type"))
}

func TestProducer_DuplicateAckSucceeds(t *testing.T) {
	js := &fakePublisher{}
	p := NewProducer(js, 3, time.Second, logger.Discard())

	done := startPublish(t, p, &broker.Message{ID: "E1", Topic: "order.events", Key: "O1"})
	js.future(0).ok <- &nats.PubAck{Stream: "ORDER_EVENTS", Sequence: 1, Duplicate: true}

	assert.NoError(t, result(t, done))
}

func TestProducer_BrokerError(t *testing.T) {
	js := &fakePublisher{}
	p := NewProducer(js, 3, time.Second, logger.Discard())

	done := startPublish(t, p, &broker.Message{Topic: "order.events", Key: "O1"})
	js.future(0).err <- nats.ErrNoStreamResponse

	err := result(t, done)
	assert.ErrorIs(t, err, nats.ErrNoStreamResponse)
	assert.Empty(t, js.msgs[0].Header.Get(nats.MsgIdHdr))
}

func TestProducer_DeliveryTimeout(t *testing.T) {
	js := &fakePublisher{}
	p := NewProducer(js, 3, 10*time.Millisecond, logger.Discard())

	done := startPublish(t, p, &broker.Message{Topic: "order.events", Key: "O1"})

	assert.ErrorIs(t, result(t, done), broker.ErrDeliveryTimeout)
}

func TestProducer_PublishRejected(t *testing.T) {
	boom := errors.New("too many pending")
	js := &fakePublisher{publishErr: boom}
	p := NewProducer(js, 3, time.Second, logger.Discard())

	done := startPublish(t, p, &broker.Message{Topic: "order.events", Key: "O1"})

	assert.ErrorIs(t, result(t, done), boom)
	require.NoError(t, p.Flush(context.Background()))
}

func TestProducer_FlushWaitsAndCloseRejects(t *testing.T) {
	js := &fakePublisher{}
	p := NewProducer(js, 3, time.Second, logger.Discard())

	done := startPublish(t, p, &broker.Message{Topic: "order.events", Key: "O1"})

	short, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, p.Flush(short), context.DeadlineExceeded)

	js.future(0).ok <- &nats.PubAck{Stream: "ORDER_EVENTS", Sequence: 1}
	require.NoError(t, result(t, done))
	require.NoError(t, p.Flush(context.Background()))

	require.NoError(t, p.Close())
	assert.ErrorIs(t, result(t, startPublish(t, p, &broker.Message{Topic: "order.events"})), broker.ErrClosed)
}
