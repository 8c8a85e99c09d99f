// Package repotest provides an in-memory implementation of the repository
// interfaces. Transactions buffer their writes and apply them on commit, and
// outbox claims honour leases the way the Postgres implementation does.
package repotest

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/jnst/ecommerce-outbox/internal/model"
	"github.com/jnst/ecommerce-outbox/internal/pkg/clock"
)

type txKey struct{}

type outboxRow struct {
	rec         model.OutboxRecord
	seq         int64
	lockedUntil time.Time
}

type tx struct {
	orders map[string]model.Order
	outbox []outboxRow
	inbox  map[string]struct{}
}

// Store holds orders, outbox records and inbox entries in memory.
type Store struct {
	clock clock.Clock

	// txMu serializes transactions, standing in for row locks taken by GetForUpdate.
	txMu sync.Mutex

	mu     sync.Mutex
	seq    int64
	orders map[string]model.Order
	outbox map[string]*outboxRow
	inbox  map[string]struct{}

	insertErr error
	claims    int
}

// New creates an empty Store using clk for leases.
func New(clk clock.Clock) *Store {
	return &Store{
		clock:  clk,
		orders: make(map[string]model.Order),
		outbox: make(map[string]*outboxRow),
		inbox:  make(map[string]struct{}),
	}
}

// FailOutboxInserts makes every following outbox Insert return err. Nil restores inserts.
func (s *Store) FailOutboxInserts(err error) {
	s.mu.Lock()
	s.insertErr = err
	s.mu.Unlock()
}

// WithTransaction runs fn with a transaction in ctx. Writes become visible to
// other callers only when fn returns nil.
func (s *Store) WithTransaction(ctx context.Context, fn func(ctx context.Context) error) error {
	if s.InTransaction(ctx) {
		return fn(ctx)
	}

	s.txMu.Lock()
	defer s.txMu.Unlock()

	t := &tx{orders: make(map[string]model.Order), inbox: make(map[string]struct{})}
	if err := fn(context.WithValue(ctx, txKey{}, t)); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for id, o := range t.orders {
		s.orders[id] = o
	}
	for i := range t.outbox {
		row := t.outbox[i]
		s.seq++
		row.seq = s.seq
		s.outbox[row.rec.ID] = &row
	}
	for k := range t.inbox {
		s.inbox[k] = struct{}{}
	}

	return nil
}

// InTransaction reports whether ctx carries a transaction of this store.
func (s *Store) InTransaction(ctx context.Context) bool {
	_, ok := ctx.Value(txKey{}).(*tx)
	return ok
}

func txFrom(ctx context.Context) *tx {
	t, _ := ctx.Value(txKey{}).(*tx)
	return t
}

// Orders returns the order repository view of the store.
func (s *Store) Orders() *OrderRepository { return &OrderRepository{s: s} }

// Outbox returns the outbox repository view of the store.
func (s *Store) Outbox() *OutboxRepository { return &OutboxRepository{s: s} }

// Inbox returns the inbox repository view of the store.
func (s *Store) Inbox() *InboxRepository { return &InboxRepository{s: s} }

// OrderRepository implements repository.OrderRepository.
type OrderRepository struct{ s *Store }

func (r *OrderRepository) Create(ctx context.Context, order *model.Order) error {
	s := r.s
	o := cloneOrder(*order)

	if t := txFrom(ctx); t != nil {
		if _, ok := t.orders[o.ID]; ok {
			return fmt.Errorf("order %s already exists", o.ID)
		}
		s.mu.Lock()
		_, ok := s.orders[o.ID]
		s.mu.Unlock()
		if ok {
			return fmt.Errorf("order %s already exists", o.ID)
		}
		t.orders[o.ID] = o

		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.orders[o.ID]; ok {
		return fmt.Errorf("order %s already exists", o.ID)
	}
	s.orders[o.ID] = o

	return nil
}

func (r *OrderRepository) GetByID(ctx context.Context, id string) (*model.Order, error) {
	if t := txFrom(ctx); t != nil {
		if o, ok := t.orders[id]; ok {
			c := cloneOrder(o)
			return &c, nil
		}
	}

	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	o, ok := r.s.orders[id]
	if !ok {
		return nil, model.ErrOrderNotFound
	}
	c := cloneOrder(o)

	return &c, nil
}

// GetForUpdate is GetByID; transactions are already serialized.
func (r *OrderRepository) GetForUpdate(ctx context.Context, id string) (*model.Order, error) {
	return r.GetByID(ctx, id)
}

func (r *OrderRepository) UpdateStatus(ctx context.Context, id string, status model.OrderStatus, updatedAt time.Time) error {
	o, err := r.GetByID(ctx, id)
	if err != nil {
		return err
	}
	o.Status = status
	o.UpdatedAt = updatedAt

	if t := txFrom(ctx); t != nil {
		t.orders[id] = *o
		return nil
	}

	r.s.mu.Lock()
	r.s.orders[id] = *o
	r.s.mu.Unlock()

	return nil
}

// All returns every committed order, sorted by creation time.
func (r *OrderRepository) All() []model.Order {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	out := make([]model.Order, 0, len(r.s.orders))
	for _, o := range r.s.orders {
		out = append(out, cloneOrder(o))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })

	return out
}

func cloneOrder(o model.Order) model.Order {
	o.Items = append([]model.LineItem(nil), o.Items...)
	return o
}

// OutboxRepository implements repository.OutboxRepository.
type OutboxRepository struct{ s *Store }

func (r *OutboxRepository) Insert(ctx context.Context, params *model.CreateOutboxRecordParams) error {
	s := r.s
	row := outboxRow{rec: model.OutboxRecord{
		ID:                 params.ID,
		Topic:              params.Topic,
		PartitionKey:       params.PartitionKey,
		SerializedEnvelope: append([]byte(nil), params.SerializedEnvelope...),
		CreatedAt:          params.CreatedAt,
		Status:             model.OutboxStatusPending,
	}}

	s.mu.Lock()
	insertErr := s.insertErr
	_, exists := s.outbox[params.ID]
	s.mu.Unlock()

	if insertErr != nil {
		return insertErr
	}
	if exists {
		return fmt.Errorf("%w: %s", model.ErrDuplicateOutboxRecord, params.ID)
	}

	if t := txFrom(ctx); t != nil {
		for _, pending := range t.outbox {
			if pending.rec.ID == params.ID {
				return fmt.Errorf("%w: %s", model.ErrDuplicateOutboxRecord, params.ID)
			}
		}
		t.outbox = append(t.outbox, row)

		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.outbox[params.ID]; ok {
		return fmt.Errorf("%w: %s", model.ErrDuplicateOutboxRecord, params.ID)
	}
	s.seq++
	row.seq = s.seq
	s.outbox[params.ID] = &row

	return nil
}

func (r *OutboxRepository) ClaimPending(_ context.Context, limit int, lease time.Duration) ([]*model.OutboxRecord, error) {
	s := r.s
	now := s.clock.Now()

	s.mu.Lock()
	defer s.mu.Unlock()
	s.claims++

	var candidates []*outboxRow
	for _, row := range s.outbox {
		if row.rec.Status == model.OutboxStatusPending && !row.lockedUntil.After(now) {
			candidates = append(candidates, row)
		}
	}
	sort.Slice(candidates, func(i, j int) bool {
		a, b := candidates[i], candidates[j]
		if !a.rec.CreatedAt.Equal(b.rec.CreatedAt) {
			return a.rec.CreatedAt.Before(b.rec.CreatedAt)
		}
		return a.seq < b.seq
	})
	if len(candidates) > limit {
		candidates = candidates[:limit]
	}

	// A record waits while an older PENDING record of its key stays outside the claim.
	claimed := make(map[string]bool, len(candidates))
	for _, row := range candidates {
		claimed[row.rec.ID] = true
	}
	out := make([]*model.OutboxRecord, 0, len(candidates))
	for _, row := range candidates {
		if s.blockedLocked(row, claimed) {
			continue
		}
		row.lockedUntil = now.Add(lease)
		out = append(out, cloneRecord(&row.rec))
	}

	return out, nil
}

func (s *Store) blockedLocked(row *outboxRow, claimed map[string]bool) bool {
	for _, other := range s.outbox {
		if other.rec.Status != model.OutboxStatusPending || claimed[other.rec.ID] {
			continue
		}
		if other.rec.Topic != row.rec.Topic || other.rec.PartitionKey != row.rec.PartitionKey {
			continue
		}
		if other.rec.CreatedAt.Before(row.rec.CreatedAt) ||
			(other.rec.CreatedAt.Equal(row.rec.CreatedAt) && other.seq < row.seq) {
			return true
		}
	}

	return false
}

// Release drops the lease of a PENDING record without counting an attempt.
func (r *OutboxRepository) Release(_ context.Context, id string) error {
	s := r.s
	s.mu.Lock()
	defer s.mu.Unlock()

	row, ok := s.outbox[id]
	if !ok || row.rec.Status != model.OutboxStatusPending {
		return fmt.Errorf("%w: %s is not pending", model.ErrOutboxRecordNotFound, id)
	}
	row.lockedUntil = time.Time{}

	return nil
}

func (r *OutboxRepository) MarkSent(_ context.Context, id string, sentAt time.Time) error {
	s := r.s
	s.mu.Lock()
	defer s.mu.Unlock()

	row, ok := s.outbox[id]
	if !ok || row.rec.Status != model.OutboxStatusPending {
		return fmt.Errorf("%w: %s is not pending", model.ErrOutboxRecordNotFound, id)
	}
	row.rec.Status = model.OutboxStatusSent
	row.rec.SentAt = &sentAt
	row.rec.LastError = ""
	row.lockedUntil = time.Time{}

	return nil
}

func (r *OutboxRepository) RecordFailure(_ context.Context, id string, maxAttempts int, cause string) (*model.OutboxRecord, error) {
	s := r.s
	s.mu.Lock()
	defer s.mu.Unlock()

	row, ok := s.outbox[id]
	if !ok || row.rec.Status != model.OutboxStatusPending {
		return nil, fmt.Errorf("%w: %s is not pending", model.ErrOutboxRecordNotFound, id)
	}
	row.rec.Attempts++
	if row.rec.Attempts > maxAttempts {
		row.rec.Status = model.OutboxStatusFailed
	}
	row.rec.LastError = cause
	row.lockedUntil = time.Time{}

	return cloneRecord(&row.rec), nil
}

func (r *OutboxRepository) MarkFailed(_ context.Context, id string, cause string) (*model.OutboxRecord, error) {
	s := r.s
	s.mu.Lock()
	defer s.mu.Unlock()

	row, ok := s.outbox[id]
	if !ok || row.rec.Status != model.OutboxStatusPending {
		return nil, fmt.Errorf("%w: %s is not pending", model.ErrOutboxRecordNotFound, id)
	}
	row.rec.Attempts++
	row.rec.Status = model.OutboxStatusFailed
	row.rec.LastError = cause
	row.lockedUntil = time.Time{}

	return cloneRecord(&row.rec), nil
}

func (r *OutboxRepository) GetByID(_ context.Context, id string) (*model.OutboxRecord, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	row, ok := r.s.outbox[id]
	if !ok {
		return nil, model.ErrOutboxRecordNotFound
	}

	return cloneRecord(&row.rec), nil
}

// ListByStatus returns the newest records in status first.
func (r *OutboxRepository) ListByStatus(_ context.Context, status model.OutboxStatus, limit int) ([]*model.OutboxRecord, error) {
	rows := r.sorted()

	out := make([]*model.OutboxRecord, 0, limit)
	for i := len(rows) - 1; i >= 0 && len(out) < limit; i-- {
		if rows[i].rec.Status == status {
			out = append(out, cloneRecord(&rows[i].rec))
		}
	}

	return out, nil
}

// All returns every committed outbox record in claim order.
func (r *OutboxRepository) All() []*model.OutboxRecord {
	rows := r.sorted()

	out := make([]*model.OutboxRecord, len(rows))
	for i := range rows {
		out[i] = cloneRecord(&rows[i].rec)
	}

	return out
}

// InsertRaw stores a PENDING record with arbitrary envelope bytes, bypassing encoding.
func (r *OutboxRepository) InsertRaw(id, topic, key string, data []byte, createdAt time.Time) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	r.s.seq++
	r.s.outbox[id] = &outboxRow{
		rec: model.OutboxRecord{
			ID:                 id,
			Topic:              topic,
			PartitionKey:       key,
			SerializedEnvelope: data,
			CreatedAt:          createdAt,
			Status:             model.OutboxStatusPending,
		},
		seq: r.s.seq,
	}
}

// Claims counts ClaimPending calls.
func (r *OutboxRepository) Claims() int {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	return r.s.claims
}

func (r *OutboxRepository) sorted() []outboxRow {
	r.s.mu.Lock()
	rows := make([]outboxRow, 0, len(r.s.outbox))
	for _, row := range r.s.outbox {
		rows = append(rows, *row)
	}
	r.s.mu.Unlock()

	sort.Slice(rows, func(i, j int) bool {
		if !rows[i].rec.CreatedAt.Equal(rows[j].rec.CreatedAt) {
			return rows[i].rec.CreatedAt.Before(rows[j].rec.CreatedAt)
		}
		return rows[i].seq < rows[j].seq
	})

	return rows
}

func cloneRecord(rec *model.OutboxRecord) *model.OutboxRecord {
	c := *rec
	c.SerializedEnvelope = append([]byte(nil), rec.SerializedEnvelope...)
	if rec.SentAt != nil {
		t := *rec.SentAt
		c.SentAt = &t
	}

	return &c
}

// InboxRepository implements repository.InboxRepository.
type InboxRepository struct{ s *Store }

func (r *InboxRepository) TryInsert(ctx context.Context, group, eventID string) (bool, error) {
	key := group + "/" + eventID

	r.s.mu.Lock()
	_, seen := r.s.inbox[key]
	r.s.mu.Unlock()
	if seen {
		return false, nil
	}

	if t := txFrom(ctx); t != nil {
		if _, ok := t.inbox[key]; ok {
			return false, nil
		}
		t.inbox[key] = struct{}{}

		return true, nil
	}

	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if _, ok := r.s.inbox[key]; ok {
		return false, nil
	}
	r.s.inbox[key] = struct{}{}

	return true, nil
}
