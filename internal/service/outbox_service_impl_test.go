package service

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jnst/ecommerce-outbox/internal/broker"
	"github.com/jnst/ecommerce-outbox/internal/broker/brokertest"
	"github.com/jnst/ecommerce-outbox/internal/event"
	"github.com/jnst/ecommerce-outbox/internal/logger"
	"github.com/jnst/ecommerce-outbox/internal/model"
)

func orderCreatedEnvelope(id, orderID string) *event.Envelope {
	return &event.Envelope{
		ID:            id,
		SchemaVersion: 1,
		EventType:     model.EventTypeOrderCreated,
		SubjectID:     orderID,
		OccurredAt:    t0,
		CorrelationID: "corr-" + id,
		Source:        "order-service",
		Payload:       []byte(`{"order_id":"` + orderID + `"}`),
	}
}

// appendWithOrder inserts order orderID and its envelope in one transaction.
func appendWithOrder(t *testing.T, f *fixture, env *event.Envelope, orderID string) {
	t.Helper()
	err := f.store.WithTransaction(context.Background(), func(ctx context.Context) error {
		if err := f.store.Orders().Create(ctx, &model.Order{ID: orderID, CustomerID: "c1", Status: model.OrderStatusPending}); err != nil {
			return err
		}
		return f.appender.Append(ctx, orderTopic, orderID, env)
	})
	require.NoError(t, err)
}

func TestRelay_SendsCommittedRecord(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	appendWithOrder(t, f, orderCreatedEnvelope("E1", "O1"), "O1")

	n, err := f.relay.RelayBatch(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	require.NoError(t, f.relay.Wait(ctx))

	rec, err := f.store.Outbox().GetByID(ctx, "E1")
	require.NoError(t, err)
	assert.Equal(t, model.OutboxStatusSent, rec.Status)
	require.NotNil(t, rec.SentAt)
	assert.Equal(t, t0, *rec.SentAt)

	msgs := f.broker.Messages(orderTopic)
	require.Len(t, msgs, 1)
	assert.Equal(t, "O1", msgs[0].Key)
	assert.Contains(t, string(msgs[0].Value), `"eventType":"OrderCreated"`)
	assert.Equal(t, model.EventTypeOrderCreated, msgs[0].Headers[HeaderEventType])
	assert.Equal(t, "E1", msgs[0].Headers[HeaderEventID])
	assert.Equal(t, 1, f.broker.PublishCalls())
}

func TestRelay_FailsAfterCeiling(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.broker.FailWith(func(*broker.Message) error { return errors.New("broker unreachable") })
	appendWithOrder(t, f, orderCreatedEnvelope("E1", "O1"), "O1")

	for range 10 {
		_, err := f.relay.RelayBatch(ctx)
		require.NoError(t, err)
	}
	rec, err := f.store.Outbox().GetByID(ctx, "E1")
	require.NoError(t, err)
	assert.Equal(t, model.OutboxStatusPending, rec.Status)
	assert.Equal(t, 10, rec.Attempts)

	_, err = f.relay.RelayBatch(ctx)
	require.NoError(t, err)

	rec, err = f.store.Outbox().GetByID(ctx, "E1")
	require.NoError(t, err)
	assert.Equal(t, model.OutboxStatusFailed, rec.Status)
	assert.Equal(t, 11, rec.Attempts)
	assert.Equal(t, "broker unreachable", rec.LastError)

	n, err := f.relay.RelayBatch(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Equal(t, 11, f.broker.PublishCalls())
}

func TestRelay_RecoversAfterTransientFailure(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.broker.FailWith(func(*broker.Message) error { return broker.ErrDeliveryTimeout })
	appendWithOrder(t, f, orderCreatedEnvelope("E1", "O1"), "O1")

	_, err := f.relay.RelayBatch(ctx)
	require.NoError(t, err)

	f.broker.FailWith(nil)
	_, err = f.relay.RelayBatch(ctx)
	require.NoError(t, err)

	rec, err := f.store.Outbox().GetByID(ctx, "E1")
	require.NoError(t, err)
	assert.Equal(t, model.OutboxStatusSent, rec.Status)
	assert.Equal(t, 1, rec.Attempts)
	assert.Empty(t, rec.LastError)
}

func TestRelay_UndecodableRecordFailsImmediately(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.store.Outbox().InsertRaw("bad", orderTopic, "O1", []byte("{not json"), t0)

	n, err := f.relay.RelayBatch(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)

	rec, err := f.store.Outbox().GetByID(ctx, "bad")
	require.NoError(t, err)
	assert.Equal(t, model.OutboxStatusFailed, rec.Status)
	assert.Zero(t, f.broker.PublishCalls())
}

func TestAppend_Atomicity(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	err := f.store.WithTransaction(ctx, func(ctx context.Context) error {
		require.NoError(t, f.store.Orders().Create(ctx, &model.Order{ID: "O1"}))
		require.NoError(t, f.appender.Append(ctx, orderTopic, "O1", orderCreatedEnvelope("E1", "O1")))
		return errors.New("business rule violated")
	})
	require.Error(t, err)
	assert.Empty(t, f.store.Outbox().All())

	appendWithOrder(t, f, orderCreatedEnvelope("E2", "O2"), "O2")
	all := f.store.Outbox().All()
	require.Len(t, all, 1)
	assert.Equal(t, "E2", all[0].ID)
	assert.Equal(t, model.OutboxStatusPending, all[0].Status)
	assert.Zero(t, all[0].Attempts)
}

func TestAppend_RequiresTransaction(t *testing.T) {
	f := newFixture(t)

	err := f.appender.Append(context.Background(), orderTopic, "O1", orderCreatedEnvelope("E1", "O1"))
	assert.ErrorIs(t, err, model.ErrNoActiveTransaction)
}

func TestAppend_SerializationFailureAbortsTransaction(t *testing.T) {
	f := newFixture(t)
	bad := orderCreatedEnvelope("E1", "O1")
	bad.SchemaVersion = 0

	err := f.store.WithTransaction(context.Background(), func(ctx context.Context) error {
		require.NoError(t, f.store.Orders().Create(ctx, &model.Order{ID: "O1"}))
		return f.appender.Append(ctx, orderTopic, "O1", bad)
	})
	assert.ErrorIs(t, err, model.ErrSerialization)
	assert.Empty(t, f.store.Outbox().All())
	assert.Empty(t, f.store.Orders().All())
}

func TestRelay_ConcurrentTicksNeverDoublePublish(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	const records = 60
	for i := range records {
		appendWithOrder(t, f, orderCreatedEnvelope("E"+itoa(i), "O"+itoa(i)), "O"+itoa(i))
	}

	var wg sync.WaitGroup
	var dispatched atomic.Int64
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for range 5 {
				n, err := f.relay.RelayBatch(ctx)
				assert.NoError(t, err)
				dispatched.Add(int64(n))
			}
		}()
	}
	wg.Wait()
	require.NoError(t, f.relay.Wait(ctx))

	assert.Equal(t, int64(records), dispatched.Load())
	assert.Equal(t, records, f.broker.PublishCalls())
	for _, rec := range f.store.Outbox().All() {
		assert.Equal(t, model.OutboxStatusSent, rec.Status, rec.ID)
	}
}

func TestRelay_KeepsAppendOrderPerKey(t *testing.T) {
	f := newFixture(t, brokertest.WithAsyncCallbacks())
	ctx := context.Background()
	appendWithOrder(t, f, orderCreatedEnvelope("A", "O1"), "O1")
	f.clock.Advance(time.Millisecond)
	err := f.store.WithTransaction(ctx, func(ctx context.Context) error {
		env := orderCreatedEnvelope("B", "O1")
		env.EventType = model.EventTypeOrderPaid
		return f.appender.Append(ctx, orderTopic, "O1", env)
	})
	require.NoError(t, err)

	_, err = f.relay.RelayBatch(ctx)
	require.NoError(t, err)
	require.NoError(t, f.relay.Wait(ctx))

	msgs := f.broker.Messages(orderTopic)
	require.Len(t, msgs, 2)
	assert.Equal(t, "A", msgs[0].Headers[HeaderEventID])
	assert.Equal(t, "B", msgs[1].Headers[HeaderEventID])
	assert.Equal(t, msgs[0].Partition, msgs[1].Partition)
}

func TestRelay_FailedRecordHoldsBackLaterRecordsOfItsKey(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	var failedOnce atomic.Bool
	f.broker.FailWith(func(msg *broker.Message) error {
		if msg.ID == "A" && failedOnce.CompareAndSwap(false, true) {
			return broker.ErrDeliveryTimeout
		}
		return nil
	})
	appendWithOrder(t, f, orderCreatedEnvelope("A", "O1"), "O1")
	f.clock.Advance(time.Millisecond)
	err := f.store.WithTransaction(ctx, func(ctx context.Context) error {
		return f.appender.Append(ctx, orderTopic, "O1", orderCreatedEnvelope("B", "O1"))
	})
	require.NoError(t, err)

	for range 2 {
		_, err := f.relay.RelayBatch(ctx)
		require.NoError(t, err)
		require.NoError(t, f.relay.Wait(ctx))
	}

	msgs := f.broker.Messages(orderTopic)
	require.Len(t, msgs, 2)
	assert.Equal(t, "A", msgs[0].Headers[HeaderEventID])
	assert.Equal(t, "B", msgs[1].Headers[HeaderEventID])

	a, err := f.store.Outbox().GetByID(ctx, "A")
	require.NoError(t, err)
	assert.Equal(t, model.OutboxStatusSent, a.Status)
	assert.Equal(t, 1, a.Attempts)

	b, err := f.store.Outbox().GetByID(ctx, "B")
	require.NoError(t, err)
	assert.Equal(t, model.OutboxStatusSent, b.Status)
	assert.Zero(t, b.Attempts)
}

func TestRelay_LaterRecordWaitsForInFlightKey(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	release := make(chan struct{})
	f.broker.FailWith(func(msg *broker.Message) error {
		if msg.ID == "A" {
			<-release
		}
		return nil
	})
	appendWithOrder(t, f, orderCreatedEnvelope("A", "O1"), "O1")

	done := make(chan struct{})
	go func() {
		defer close(done)
		_, err := f.relay.RelayBatch(ctx)
		assert.NoError(t, err)
	}()
	require.Eventually(t, func() bool { return f.store.Outbox().Claims() == 1 }, time.Second, time.Millisecond)

	f.clock.Advance(time.Millisecond)
	err := f.store.WithTransaction(ctx, func(ctx context.Context) error {
		return f.appender.Append(ctx, orderTopic, "O1", orderCreatedEnvelope("B", "O1"))
	})
	require.NoError(t, err)

	n, err := f.relay.RelayBatch(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)

	close(release)
	<-done
	require.NoError(t, f.relay.Wait(ctx))

	n, err = f.relay.RelayBatch(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	require.NoError(t, f.relay.Wait(ctx))

	msgs := f.broker.Messages(orderTopic)
	require.Len(t, msgs, 2)
	assert.Equal(t, "A", msgs[0].Headers[HeaderEventID])
	assert.Equal(t, "B", msgs[1].Headers[HeaderEventID])
}

func TestRelay_CancelledPublishCostsNoAttempt(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.broker.FailWith(func(*broker.Message) error { return context.Canceled })
	appendWithOrder(t, f, orderCreatedEnvelope("A", "O1"), "O1")
	appendWithOrder(t, f, orderCreatedEnvelope("B", "O2"), "O2")

	_, err := f.relay.RelayBatch(ctx)
	require.NoError(t, err)
	require.NoError(t, f.relay.Wait(ctx))

	for _, rec := range f.store.Outbox().All() {
		assert.Equal(t, model.OutboxStatusPending, rec.Status, rec.ID)
		assert.Zero(t, rec.Attempts, rec.ID)
	}

	f.broker.FailWith(nil)
	n, err := f.relay.RelayBatch(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}

type panickyRelay struct {
	calls atomic.Int32
}

func (p *panickyRelay) RelayBatch(context.Context) (int, error) {
	switch p.calls.Add(1) {
	case 1:
		panic("tick exploded")
	case 2:
		return 0, errors.New("database down")
	}
	return 0, nil
}

func (*panickyRelay) Wait(context.Context) error { return nil }

func TestRunRelayLoop_SurvivesFailingTicks(t *testing.T) {
	svc := &panickyRelay{}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		RunRelayLoop(ctx, svc, time.Millisecond, logger.Discard())
		close(done)
	}()

	require.Eventually(t, func() bool { return svc.calls.Load() >= 4 }, 2*time.Second, time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("relay loop did not stop")
	}
}
