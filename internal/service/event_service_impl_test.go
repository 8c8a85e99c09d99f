package service

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jnst/ecommerce-outbox/internal/event"
	"github.com/jnst/ecommerce-outbox/internal/model"
	"github.com/jnst/ecommerce-outbox/internal/topic"
)

func newEventService(t *testing.T, f *fixture) *EventServiceImpl {
	t.Helper()
	table, err := topic.NewTable(map[string]string{
		"order":   "order.events",
		"payment": "payment.events",
	})
	require.NoError(t, err)

	return NewEventServiceImpl(table, f.appender, f.store, f.factory)
}

func TestEventService_Publish(t *testing.T) {
	f := newFixture(t)
	svc := newEventService(t, f)

	published, err := svc.Publish(context.Background(), "Payment", &model.PublishEventParams{
		Key:     "P1",
		Type:    "PaymentCaptured",
		Payload: map[string]any{"amount": 10},
	})
	require.NoError(t, err)
	assert.Equal(t, "payment.events", published.Topic)
	assert.Equal(t, "P1", published.Key)
	assert.Equal(t, model.OutboxStatusPending, published.Status)

	records := f.store.Outbox().All()
	require.Len(t, records, 1)
	assert.Equal(t, published.EventID, records[0].ID)

	env, err := event.Unmarshal(records[0].SerializedEnvelope)
	require.NoError(t, err)
	assert.Equal(t, "PaymentCaptured", env.EventType)
	assert.JSONEq(t, `{"amount":10}`, string(env.Payload))
}

func TestEventService_EmptyKeyUsesEventID(t *testing.T) {
	f := newFixture(t)
	svc := newEventService(t, f)

	published, err := svc.Publish(context.Background(), "order", &model.PublishEventParams{Type: "Ping"})
	require.NoError(t, err)
	assert.Equal(t, published.EventID, published.Key)

	records := f.store.Outbox().All()
	require.Len(t, records, 1)
	assert.Equal(t, published.Key, records[0].PartitionKey)

	env, err := event.Unmarshal(records[0].SerializedEnvelope)
	require.NoError(t, err)
	assert.Equal(t, published.Key, env.SubjectID)
}

func TestEventService_Rejects(t *testing.T) {
	f := newFixture(t)
	svc := newEventService(t, f)
	ctx := context.Background()

	_, err := svc.Publish(ctx, "shipping", &model.PublishEventParams{Type: "Shipped"})
	assert.ErrorIs(t, err, topic.ErrUnknownDomain)

	var domainErr *topic.UnknownDomainError
	require.ErrorAs(t, err, &domainErr)
	assert.Equal(t, "shipping", domainErr.Domain)

	_, err = svc.Publish(ctx, "order", &model.PublishEventParams{Key: "k"})
	assert.ErrorIs(t, err, model.ErrInvalidEvent)

	assert.Empty(t, f.store.Outbox().All())
}
