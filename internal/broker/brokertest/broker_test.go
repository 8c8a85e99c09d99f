package brokertest

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jnst/ecommerce-outbox/internal/broker"
)

func publish(t *testing.T, b *Broker, msg *broker.Message) {
	t.Helper()
	require.NoError(t, broker.PublishSync(context.Background(), b, msg))
}

func TestBroker_KeyedOrderingAndDedup(t *testing.T) {
	b := New(3)
	publish(t, b, &broker.Message{ID: "1", Topic: "t", Key: "k", Value: []byte("a")})
	publish(t, b, &broker.Message{ID: "2", Topic: "t", Key: "k", Value: []byte("b")})
	publish(t, b, &broker.Message{ID: "1", Topic: "t", Key: "k", Value: []byte("a")})

	msgs := b.Messages("t")
	require.Len(t, msgs, 2)
	assert.Equal(t, "a", string(msgs[0].Value))
	assert.Equal(t, "b", string(msgs[1].Value))
	assert.Equal(t, msgs[0].Partition, msgs[1].Partition)
	assert.Len(t, b.Published(), 3)
}

func TestBroker_Failure(t *testing.T) {
	b := New(1)
	boom := errors.New("leader not available")
	b.FailWith(func(*broker.Message) error { return boom })

	err := broker.PublishSync(context.Background(), b, &broker.Message{Topic: "t"})
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 1, b.PublishCalls())
	assert.Empty(t, b.Messages("t"))
}

func TestSubscription_PollAckAndRedelivery(t *testing.T) {
	ctx := context.Background()
	b := New(1)
	publish(t, b, &broker.Message{Topic: "t", Key: "k", Value: []byte("a")})
	publish(t, b, &broker.Message{Topic: "t", Key: "k", Value: []byte("b")})

	sub, err := b.Subscribe(ctx, "t", "g", []int{0})
	require.NoError(t, err)

	got, err := sub.Poll(ctx)
	require.NoError(t, err)
	require.Len(t, got, 2)

	require.NoError(t, sub.Ack(ctx, got[0]))
	assert.Error(t, sub.Ack(ctx, got[0]), "double ack is rejected")
	assert.Equal(t, 2, b.AckCount("t", "g", 0, got[0].Offset))
	require.NoError(t, sub.Close())

	again, err := b.Subscribe(ctx, "t", "g", []int{0})
	require.NoError(t, err)
	redelivered, err := again.Poll(ctx)
	require.NoError(t, err)
	require.Len(t, redelivered, 1)
	assert.Equal(t, "b", string(redelivered[0].Value))
}

func TestSubscription_PollTimesOut(t *testing.T) {
	b := New(1)
	sub, err := b.Subscribe(context.Background(), "t", "g", []int{0})
	require.NoError(t, err)

	got, err := sub.Poll(context.Background())
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestSubscription_GroupsAreIndependent(t *testing.T) {
	ctx := context.Background()
	b := New(1)
	publish(t, b, &broker.Message{Topic: "t", Value: []byte("a")})

	for _, group := range []string{"g1", "g2"} {
		sub, err := b.Subscribe(ctx, "t", group, []int{0})
		require.NoError(t, err)
		got, err := sub.Poll(ctx)
		require.NoError(t, err)
		assert.Len(t, got, 1, group)
	}
}
