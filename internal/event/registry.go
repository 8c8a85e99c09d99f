package event

import (
	"fmt"
	"sort"
	"sync"

	"github.com/goccy/go-json"
)

// Decoder turns a raw payload into its typed form.
type Decoder func(payload json.RawMessage) (any, error)

type registryKey struct {
	eventType string
	version   int
}

// Registry maps (eventType, schemaVersion) to a payload decoder.
type Registry struct {
	mu       sync.RWMutex
	decoders map[registryKey]Decoder
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{decoders: make(map[registryKey]Decoder)}
}

// Register installs d for (eventType, version), replacing any previous decoder.
func (r *Registry) Register(eventType string, version int, d Decoder) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.decoders[registryKey{eventType, version}] = d
}

// RegisterType installs a JSON decoder producing T for (eventType, version).
func RegisterType[T any](r *Registry, eventType string, version int) {
	r.Register(eventType, version, func(payload json.RawMessage) (any, error) {
		var v T
		if err := json.Unmarshal(payload, &v); err != nil {
			return nil, err
		}

		return v, nil
	})
}

// Decode returns the typed payload of env.
func (r *Registry) Decode(env *Envelope) (any, error) {
	r.mu.RLock()
	d, ok := r.decoders[registryKey{env.EventType, env.SchemaVersion}]
	r.mu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("%w: %s v%d", ErrUnknownEventType, env.EventType, env.SchemaVersion)
	}

	v, err := d(env.Payload)
	if err != nil {
		return nil, fmt.Errorf("%w: %s v%d payload: %w", ErrDecode, env.EventType, env.SchemaVersion, err)
	}

	return v, nil
}

// DecodeAs decodes env and asserts the payload type.
func DecodeAs[T any](r *Registry, env *Envelope) (T, error) {
	var zero T

	v, err := r.Decode(env)
	if err != nil {
		return zero, err
	}

	typed, ok := v.(T)
	if !ok {
		return zero, fmt.Errorf("%w: %s v%d decoded to %T", ErrDecode, env.EventType, env.SchemaVersion, v)
	}

	return typed, nil
}

// Types lists the registered event types as "type/vN", sorted.
func (r *Registry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]string, 0, len(r.decoders))
	for k := range r.decoders {
		out = append(out, fmt.Sprintf("%s/v%d", k.eventType, k.version))
	}
	sort.Strings(out)

	return out
}
