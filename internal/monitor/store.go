// Package monitor keeps the most recent records of every topic in bounded
// in-memory rings and serves them over HTTP.
package monitor

import (
	"context"
	"log/slog"
	"sort"
	"sync"

	"github.com/goccy/go-json"

	"github.com/jnst/ecommerce-outbox/internal/broker"
	"github.com/jnst/ecommerce-outbox/internal/consumer"
	"github.com/jnst/ecommerce-outbox/internal/topic"
)

// DefaultCapacity is the ring size used when none is configured.
const DefaultCapacity = 500

// Entry is a read-only snapshot of one record.
type Entry struct {
	Topic       string `json:"topic"`
	Partition   int    `json:"partition"`
	Offset      string `json:"offset"`
	Key         string `json:"key"`
	TimestampMs int64  `json:"timestamp"`
	// Payload is the decoded JSON value, or the raw bytes as a string.
	Payload any `json:"payload"`
}

type ring struct {
	mu    sync.Mutex
	buf   []Entry
	start int
	size  int
}

func newRing(capacity int) *ring {
	return &ring{buf: make([]Entry, capacity)}
}

func (r *ring) push(e Entry) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.size < len(r.buf) {
		r.buf[(r.start+r.size)%len(r.buf)] = e
		r.size++
		return
	}
	r.buf[r.start] = e
	r.start = (r.start + 1) % len(r.buf)
}

// last returns up to n newest entries, oldest first.
func (r *ring) last(n int) []Entry {
	r.mu.Lock()
	defer r.mu.Unlock()

	n = min(n, r.size)
	out := make([]Entry, n)
	skip := r.size - n
	for i := range n {
		out[i] = r.buf[(r.start+skip+i)%len(r.buf)]
	}

	return out
}

// Store holds one ring per topic and one per dead-letter topic. Rings are
// locked individually so writers on different topics never contend.
type Store struct {
	capacity int
	logger   *slog.Logger

	mu    sync.RWMutex
	rings map[string]*ring
	dlts  map[string]*ring
}

// NewStore creates a Store whose rings hold capacity entries each.
func NewStore(capacity int, logger *slog.Logger) *Store {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}

	return &Store{
		capacity: capacity,
		logger:   logger.With(slog.String("component", "monitoring-store")),
		rings:    make(map[string]*ring),
		dlts:     make(map[string]*ring),
	}
}

// Record appends an entry for name, evicting the oldest once its ring is full.
// Dead-letter topics go to their own rings. Record never fails or panics.
func (s *Store) Record(name string, partition int, offset, key string, timestampMs int64, payload any) {
	defer s.recoverFault(name)

	rings := s.rings
	if topic.IsDeadLetter(name) {
		rings = s.dlts
	}

	s.ring(rings, name).push(Entry{
		Topic:       name,
		Partition:   partition,
		Offset:      offset,
		Key:         key,
		TimestampMs: timestampMs,
		Payload:     payload,
	})
}

// Observe records d, decoding its value when it is JSON.
func (s *Store) Observe(d *broker.Delivery) {
	defer s.recoverFault(d.Topic)

	s.Record(d.Topic, d.Partition, d.Offset, d.Key, d.Timestamp.UnixMilli(), decodePayload(d.Value))
}

// Tap returns a handler that records every delivery and never fails.
func (s *Store) Tap() consumer.Handler {
	return consumer.HandlerFunc(func(_ context.Context, d *broker.Delivery) error {
		s.Observe(d)
		return nil
	})
}

func (s *Store) ring(rings map[string]*ring, name string) *ring {
	s.mu.RLock()
	r, ok := rings[name]
	s.mu.RUnlock()
	if ok {
		return r
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if r, ok := rings[name]; ok {
		return r
	}
	r = newRing(s.capacity)
	rings[name] = r

	return r
}

func (s *Store) recoverFault(name string) {
	if r := recover(); r != nil {
		s.logger.Error("monitoring record dropped", slog.String("topic", name), slog.Any("panic", r))
	}
}

// Recent returns up to limit newest entries of name in arrival order.
func (s *Store) Recent(name string, limit int) []Entry {
	rings := s.rings
	if topic.IsDeadLetter(name) {
		rings = s.dlts
	}

	return s.recent(rings, name, limit)
}

// RecentDLT returns up to limit newest entries of the dead-letter topic of
// name. name may be the source topic or the dead-letter topic itself.
func (s *Store) RecentDLT(name string, limit int) []Entry {
	return s.recent(s.dlts, topic.DeadLetter(name), limit)
}

func (s *Store) recent(rings map[string]*ring, name string, limit int) []Entry {
	if limit <= 0 {
		return []Entry{}
	}

	s.mu.RLock()
	r, ok := rings[name]
	s.mu.RUnlock()
	if !ok {
		return []Entry{}
	}

	return r.last(limit)
}

// Topics lists the topics with at least one entry, sorted.
func (s *Store) Topics() []string {
	return s.names(s.rings)
}

// DLTTopics lists the dead-letter topics with at least one entry, sorted.
func (s *Store) DLTTopics() []string {
	return s.names(s.dlts)
}

func (s *Store) names(rings map[string]*ring) []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]string, 0, len(rings))
	for name := range rings {
		out = append(out, name)
	}
	sort.Strings(out)

	return out
}

func decodePayload(value []byte) any {
	if json.Valid(value) {
		return json.RawMessage(append([]byte(nil), value...))
	}

	return string(value)
}
