package event

import (
	"errors"
	"strconv"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jnst/ecommerce-outbox/internal/pkg/clock"
)

type orderCreated struct {
	OrderID string `json:"order_id"`
	Total   int64  `json:"total"`
}

type unencodable struct{}

func (unencodable) MarshalJSON() ([]byte, error) { return nil, errors.New("boom") }

func sequentialIDs() func() string {
	n := 0
	return func() string {
		n++
		return "id-" + strconv.Itoa(n)
	}
}

func TestFactory_New(t *testing.T) {
	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	f := NewFactory("order-service", clock.NewMock(at))

	env, err := f.New("OrderCreated", "O1", "corr-1", 1, orderCreated{OrderID: "O1", Total: 300})
	require.NoError(t, err)

	assert.NotEmpty(t, env.ID)
	assert.Equal(t, "OrderCreated", env.EventType)
	assert.Equal(t, "O1", env.SubjectID)
	assert.Equal(t, "corr-1", env.CorrelationID)
	assert.Equal(t, "order-service", env.Source)
	assert.Equal(t, 1, env.SchemaVersion)
	assert.Equal(t, at, env.OccurredAt)
	assert.JSONEq(t, `{"order_id":"O1","total":300}`, string(env.Payload))
}

func TestFactory_New_FreshIdentity(t *testing.T) {
	f := NewFactory("svc", clock.NewReal())
	f.newID = sequentialIDs()

	first, err := f.New("OrderPaid", "O1", "", 1, nil)
	require.NoError(t, err)
	second, err := f.New("OrderPaid", "O1", "", 1, nil)
	require.NoError(t, err)

	assert.NotEqual(t, first.ID, second.ID)
	assert.NotEmpty(t, first.CorrelationID, "correlation id is generated when absent")
	assert.NotEqual(t, first.ID, first.CorrelationID)
}

func TestFactory_New_UnencodablePayload(t *testing.T) {
	f := NewFactory("svc", clock.NewReal())

	_, err := f.New("OrderCreated", "O1", "", 1, unencodable{})
	assert.ErrorIs(t, err, ErrEncode)
}

func TestFactory_New_RejectsMissingType(t *testing.T) {
	f := NewFactory("svc", clock.NewReal())

	_, err := f.New("", "O1", "", 1, nil)
	assert.ErrorIs(t, err, ErrEncode)
}

func TestMarshalUnmarshal(t *testing.T) {
	f := NewFactory("svc", clock.NewMock(time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)))
	env, err := f.New("OrderCreated", "O1", "c", 1, orderCreated{OrderID: "O1"})
	require.NoError(t, err)

	data, err := Marshal(env)
	require.NoError(t, err)

	var wire map[string]any
	require.NoError(t, json.Unmarshal(data, &wire))
	assert.Equal(t, "OrderCreated", wire["eventType"])
	assert.Equal(t, "O1", wire["subjectId"])

	decoded, err := Unmarshal(data)
	require.NoError(t, err)
	assert.Equal(t, env.ID, decoded.ID)
	assert.True(t, env.OccurredAt.Equal(decoded.OccurredAt))
	assert.JSONEq(t, string(env.Payload), string(decoded.Payload))
}

func TestMarshal_Invalid(t *testing.T) {
	_, err := Marshal(nil)
	assert.ErrorIs(t, err, ErrEncode)

	_, err = Marshal(&Envelope{ID: "x", EventType: "T", SchemaVersion: 1, Payload: json.RawMessage(`{broken`)})
	assert.ErrorIs(t, err, ErrEncode)
}

func TestUnmarshal_Invalid(t *testing.T) {
	for _, in := range []string{`not json`, `{}`, `{"id":"x","eventType":"T","schemaVersion":0}`} {
		_, err := Unmarshal([]byte(in))
		assert.ErrorIs(t, err, ErrDecode, in)
	}
}
