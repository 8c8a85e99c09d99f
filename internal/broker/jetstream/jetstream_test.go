package jetstream

import (
	"context"
	"testing"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNaming(t *testing.T) {
	assert.Equal(t, "ORDER_EVENTS", StreamName("order.events"))
	assert.Equal(t, "ORDER_EVENTS_DLT", StreamName("order.events.DLT"))
	assert.Equal(t, "order.events.2", Subject("order.events", 2))
	assert.Equal(t, "payment-simulator_order_events_0", durableName("payment-simulator", "order.events", 0))
}

func TestStreamSubjectsDoNotOverlap(t *testing.T) {
	// The DLT stream must not capture the source stream's partition subjects.
	src := Subject("order.events", 0)
	dlt := Subject("order.events.DLT", 0)

	assert.NotEqual(t, StreamName("order.events"), StreamName("order.events.DLT"))
	assert.NotEqual(t, src, dlt)
}

func TestAckKey(t *testing.T) {
	assert.Equal(t, "1/42", ackKey(1, "42"))
}

type fakeStreams struct {
	streams map[string]nats.StreamConfig
	added   int
	updated int
}

func (f *fakeStreams) StreamInfo(stream string, _ ...nats.JSOpt) (*nats.StreamInfo, error) {
	cfg, ok := f.streams[stream]
	if !ok {
		return nil, nats.ErrStreamNotFound
	}

	return &nats.StreamInfo{Config: cfg}, nil
}

func (f *fakeStreams) AddStream(cfg *nats.StreamConfig, _ ...nats.JSOpt) (*nats.StreamInfo, error) {
	f.added++
	f.streams[cfg.Name] = *cfg

	return &nats.StreamInfo{Config: *cfg}, nil
}

func (f *fakeStreams) UpdateStream(cfg *nats.StreamConfig, _ ...nats.JSOpt) (*nats.StreamInfo, error) {
	f.updated++
	f.streams[cfg.Name] = *cfg

	return &nats.StreamInfo{Config: *cfg}, nil
}

func TestEnsureStreams(t *testing.T) {
	js := &fakeStreams{streams: make(map[string]nats.StreamConfig)}
	ctx := context.Background()
	topics := []string{"order.events", "order.events.DLT"}

	require.NoError(t, EnsureStreams(ctx, js, topics, 2, 2*time.Minute))
	assert.Equal(t, 2, js.added)

	cfg := js.streams["ORDER_EVENTS"]
	assert.Equal(t, []string{"order.events.0", "order.events.1"}, cfg.Subjects)
	assert.Equal(t, nats.FileStorage, cfg.Storage)
	assert.Equal(t, 2*time.Minute, cfg.Duplicates)

	require.NoError(t, EnsureStreams(ctx, js, topics, 2, 2*time.Minute))
	assert.Equal(t, 2, js.added)
	assert.Zero(t, js.updated)

	require.NoError(t, EnsureStreams(ctx, js, topics[:1], 3, 2*time.Minute))
	assert.Equal(t, 1, js.updated)
	assert.Equal(t, []string{"order.events.0", "order.events.1", "order.events.2"}, js.streams["ORDER_EVENTS"].Subjects)
}
