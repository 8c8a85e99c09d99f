package monitor

import (
	"context"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jnst/ecommerce-outbox/internal/broker"
	"github.com/jnst/ecommerce-outbox/internal/logger"
	"github.com/jnst/ecommerce-outbox/internal/topic"
)

func offsets(entries []Entry) []string {
	out := make([]string, len(entries))
	for i, e := range entries {
		out[i] = e.Offset
	}
	return out
}

func TestStore_RingKeepsLastCapacityEntries(t *testing.T) {
	const capacity, extra = 5, 3
	s := NewStore(capacity, logger.Discard())
	for i := range capacity + extra {
		s.Record("order.events", 0, strconv.Itoa(i), "k", int64(i), "v")
	}

	assert.Equal(t, []string{"3", "4", "5", "6", "7"}, offsets(s.Recent("order.events", capacity)))
	assert.Equal(t, []string{"6", "7"}, offsets(s.Recent("order.events", 2)))
	assert.Len(t, s.Recent("order.events", 100), capacity)
}

func TestStore_PartialRing(t *testing.T) {
	s := NewStore(10, logger.Discard())
	s.Record("t", 0, "0", "k", 0, nil)
	s.Record("t", 0, "1", "k", 0, nil)

	assert.Equal(t, []string{"0", "1"}, offsets(s.Recent("t", 10)))
	assert.Empty(t, s.Recent("t", 0))
	assert.Empty(t, s.Recent("t", -1))
	assert.NotNil(t, s.Recent("unknown", 10))
	assert.Empty(t, s.Recent("unknown", 10))
}

func TestStore_DeadLetterRings(t *testing.T) {
	s := NewStore(10, logger.Discard())
	s.Record("order.events", 0, "0", "k", 0, nil)
	s.Record("order.events.DLT", 1, "7", "k", 0, nil)
	s.Record(topic.DeadLetter("payment.events"), 2, "9", "k", 0, nil)

	assert.Equal(t, []string{"order.events"}, s.Topics())
	assert.Equal(t, []string{"order.events.DLT", "payment.events.DLT"}, s.DLTTopics())

	assert.Equal(t, []string{"7"}, offsets(s.RecentDLT("order.events", 10)))
	assert.Equal(t, []string{"7"}, offsets(s.RecentDLT("order.events.DLT", 10)))
	assert.Equal(t, []string{"7"}, offsets(s.Recent("order.events.DLT", 10)))
	assert.Equal(t, "payment.events.DLT", s.RecentDLT("payment.events", 1)[0].Topic)
}

func TestStore_ObserveDecodesJSON(t *testing.T) {
	s := NewStore(10, logger.Discard())
	at := time.UnixMilli(1700000000123)

	require.NoError(t, s.Tap().Handle(context.Background(), &broker.Delivery{
		Topic: "t", Partition: 2, Offset: "5", Key: "O1", Value: []byte(`{"eventType":"OrderCreated"}`), Timestamp: at,
	}))
	s.Observe(&broker.Delivery{Topic: "t", Offset: "6", Value: []byte("plain text"), Timestamp: at})

	got := s.Recent("t", 10)
	require.Len(t, got, 2)
	assert.Equal(t, int64(1700000000123), got[0].TimestampMs)
	assert.Equal(t, 2, got[0].Partition)
	assert.Equal(t, "O1", got[0].Key)
	assert.Equal(t, json.RawMessage(`{"eventType":"OrderCreated"}`), got[0].Payload)
	assert.Equal(t, "plain text", got[1].Payload)
}

func TestStore_ConcurrentWritersAndReaders(t *testing.T) {
	const capacity = 50
	s := NewStore(capacity, logger.Discard())
	topics := []string{"a", "b", "c"}

	var wg sync.WaitGroup
	for _, name := range topics {
		for w := range 4 {
			wg.Add(1)
			go func() {
				defer wg.Done()
				for i := range 200 {
					s.Record(name, w, strconv.Itoa(i), "k", 0, nil)
				}
			}()
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			for range 200 {
				entries := s.Recent(name, capacity)
				assert.LessOrEqual(t, len(entries), capacity)
				for _, e := range entries {
					assert.Equal(t, name, e.Topic)
				}
			}
		}()
	}
	wg.Wait()

	for _, name := range topics {
		assert.Len(t, s.Recent(name, capacity*2), capacity)
	}
}

func TestStore_DefaultCapacity(t *testing.T) {
	s := NewStore(0, logger.Discard())
	for i := range DefaultCapacity + 1 {
		s.Record("t", 0, strconv.Itoa(i), "", 0, nil)
	}

	got := s.Recent("t", DefaultCapacity+1)
	require.Len(t, got, DefaultCapacity)
	assert.Equal(t, "1", got[0].Offset)
}
