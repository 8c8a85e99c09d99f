// Package event defines the envelope every domain event travels in, from outbox row to consumer.
package event

import (
	"errors"
	"fmt"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"

	"github.com/jnst/ecommerce-outbox/internal/pkg/clock"
)

var (
	// ErrEncode is returned when an envelope or its payload cannot be serialized.
	ErrEncode = errors.New("event: encode")
	// ErrDecode is returned when bytes are not a valid envelope.
	ErrDecode = errors.New("event: decode")
	// ErrUnknownEventType is returned when no payload type is registered for (eventType, schemaVersion).
	ErrUnknownEventType = errors.New("event: unknown event type")
)

// Envelope wraps a domain event with identity, version and correlation.
// An envelope is never modified after creation; ID is the consumer dedup key.
type Envelope struct {
	ID            string          `json:"id"`
	SchemaVersion int             `json:"schemaVersion"`
	EventType     string          `json:"eventType"`
	SubjectID     string          `json:"subjectId"`
	OccurredAt    time.Time       `json:"occurredAt"`
	CorrelationID string          `json:"correlationId"`
	Source        string          `json:"source"`
	Payload       json.RawMessage `json:"payload"`
}

// Validate checks the fields every envelope must carry.
func (e *Envelope) Validate() error {
	switch {
	case e.ID == "":
		return errors.New("id is empty")
	case e.EventType == "":
		return errors.New("eventType is empty")
	case e.SchemaVersion < 1:
		return fmt.Errorf("schemaVersion %d is not positive", e.SchemaVersion)
	case len(e.Payload) > 0 && !json.Valid(e.Payload):
		return errors.New("payload is not valid JSON")
	}

	return nil
}

// Factory creates envelopes stamped with a fresh id and the producing module.
type Factory struct {
	source string
	clock  clock.Clock
	newID  func() string
}

// NewFactory creates a Factory for the given source module.
func NewFactory(source string, clk clock.Clock) *Factory {
	return &Factory{source: source, clock: clk, newID: uuid.NewString}
}

// New serializes payload and wraps it. A correlation id is generated when correlationID is empty.
func (f *Factory) New(eventType, subjectID, correlationID string, schemaVersion int, payload any) (*Envelope, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("%w: %s payload: %w", ErrEncode, eventType, err)
	}

	if correlationID == "" {
		correlationID = f.newID()
	}

	env := &Envelope{
		ID:            f.newID(),
		SchemaVersion: schemaVersion,
		EventType:     eventType,
		SubjectID:     subjectID,
		OccurredAt:    f.clock.Now(),
		CorrelationID: correlationID,
		Source:        f.source,
		Payload:       raw,
	}
	if err := env.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrEncode, err)
	}

	return env, nil
}

// Marshal encodes env as the broker wire format.
func Marshal(env *Envelope) ([]byte, error) {
	if env == nil {
		return nil, fmt.Errorf("%w: nil envelope", ErrEncode)
	}
	if err := env.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrEncode, err)
	}

	data, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrEncode, err)
	}

	return data, nil
}

// Unmarshal decodes the broker wire format.
func Unmarshal(data []byte) (*Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrDecode, err)
	}
	if err := env.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrDecode, err)
	}

	return &env, nil
}
