package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jnst/ecommerce-outbox/internal/broker"
	"github.com/jnst/ecommerce-outbox/internal/event"
	"github.com/jnst/ecommerce-outbox/internal/model"
	"github.com/jnst/ecommerce-outbox/internal/pkg/clock"
	"github.com/jnst/ecommerce-outbox/internal/repository"
)

// Headers set on every relayed message.
const (
	HeaderEventID       = "event-id"
	HeaderEventType     = "event-type"
	HeaderCorrelationID = "correlation-id"
)

const markTimeout = 10 * time.Second

// OutboxConfig tunes the relay.
type OutboxConfig struct {
	BatchSize    int
	MaxAttempts  int
	LeaseTimeout time.Duration
}

// OutboxServiceImpl implements OutboxService for relaying outbox records.
type OutboxServiceImpl struct {
	outboxRepo repository.OutboxRepository
	producer   broker.Producer
	clock      clock.Clock
	cfg        OutboxConfig
	logger     *slog.Logger

	inflight broker.InFlight
}

// NewOutboxServiceImpl creates a new OutboxService implementation.
func NewOutboxServiceImpl(
	outboxRepo repository.OutboxRepository,
	producer broker.Producer,
	clk clock.Clock,
	cfg OutboxConfig,
	logger *slog.Logger,
) *OutboxServiceImpl {
	return &OutboxServiceImpl{
		outboxRepo: outboxRepo,
		producer:   producer,
		clock:      clk,
		cfg:        cfg,
		logger:     logger.With(slog.String("component", "outbox-relay")),
	}
}

// relayItem is a decoded record ready to publish.
type relayItem struct {
	rec *model.OutboxRecord
	msg *broker.Message
}

// RelayBatch claims up to BatchSize PENDING records, oldest first, and
// publishes them. Records sharing a topic and key form a chain: each one is
// published only after the previous one was marked SENT. A record that cannot
// be decoded is marked FAILED at once.
func (s *OutboxServiceImpl) RelayBatch(ctx context.Context) (int, error) {
	records, err := s.outboxRepo.ClaimPending(ctx, s.cfg.BatchSize, s.cfg.LeaseTimeout)
	if err != nil {
		return 0, fmt.Errorf("failed to claim outbox records: %w", err)
	}

	var (
		chains [][]relayItem
		index  = make(map[string]int)
	)
	dispatched := 0
	for _, rec := range records {
		env, err := event.Unmarshal(rec.SerializedEnvelope)
		if err != nil {
			s.markUndecodable(ctx, rec, err)
			continue
		}

		item := relayItem{rec: rec, msg: &broker.Message{
			ID:    rec.ID,
			Topic: rec.Topic,
			Key:   rec.PartitionKey,
			Value: rec.SerializedEnvelope,
			Headers: map[string]string{
				HeaderEventID:       env.ID,
				HeaderEventType:     env.EventType,
				HeaderCorrelationID: env.CorrelationID,
			},
		}}
		key := rec.Topic + "\x00" + rec.PartitionKey
		i, ok := index[key]
		if !ok {
			i = len(chains)
			index[key] = i
			chains = append(chains, nil)
		}
		chains[i] = append(chains[i], item)
		dispatched++
	}

	for _, chain := range chains {
		s.inflight.Add()
		s.publish(ctx, chain)
	}

	if len(records) > 0 {
		s.logger.Debug("relay batch dispatched",
			slog.Int("claimed", len(records)),
			slog.Int("dispatched", dispatched),
			slog.Int("keys", len(chains)),
			slog.Int("chains_in_flight", s.inflight.Len()))
	}

	return dispatched, nil
}

// publish sends the head of chain and continues with the rest once the head
// is SENT. Otherwise the rest is released unpublished.
func (s *OutboxServiceImpl) publish(ctx context.Context, chain []relayItem) {
	head, rest := chain[0], chain[1:]
	s.producer.Publish(ctx, head.msg, func(_ *broker.Message, err error) {
		sent := s.complete(head.rec, err)
		switch {
		case len(rest) == 0:
			s.inflight.Done()
		case sent:
			// Callbacks may run on the producer's sender goroutine.
			go s.publish(ctx, rest)
		default:
			s.release(rest)
			s.inflight.Done()
		}
	})
}

// complete runs once the broker answered and reports whether rec is now SENT.
func (s *OutboxServiceImpl) complete(rec *model.OutboxRecord, publishErr error) bool {
	ctx, cancel := context.WithTimeout(context.Background(), markTimeout)
	defer cancel()

	log := s.logger.With(
		slog.String("outbox_id", rec.ID),
		slog.String("topic", rec.Topic),
		slog.String("key", rec.PartitionKey))

	if publishErr == nil {
		if err := s.outboxRepo.MarkSent(ctx, rec.ID, s.clock.Now()); err != nil {
			log.Error("failed to mark outbox record sent", slog.String("error", err.Error()))
			return false
		}
		log.Debug("outbox record sent")

		return true
	}

	// Shutdown is not a broker failure and costs no attempt.
	if errors.Is(publishErr, context.Canceled) {
		if err := s.outboxRepo.Release(ctx, rec.ID); err != nil {
			log.Warn("failed to release outbox record", slog.String("error", err.Error()))
		}
		return false
	}

	updated, err := s.outboxRepo.RecordFailure(ctx, rec.ID, s.cfg.MaxAttempts, publishErr.Error())
	if err != nil {
		log.Error("failed to record outbox failure",
			slog.String("publish_error", publishErr.Error()),
			slog.String("error", err.Error()))
		return false
	}

	if updated.Status == model.OutboxStatusFailed {
		log.Error("outbox record failed permanently",
			slog.Int("attempts", updated.Attempts),
			slog.String("error", publishErr.Error()))
		return false
	}

	log.Warn("outbox publish failed, will retry",
		slog.Int("attempts", updated.Attempts),
		slog.String("error", publishErr.Error()))

	return false
}

// release returns records behind a failed one to the next claim.
func (s *OutboxServiceImpl) release(items []relayItem) {
	ctx, cancel := context.WithTimeout(context.Background(), markTimeout)
	defer cancel()

	for _, item := range items {
		if err := s.outboxRepo.Release(ctx, item.rec.ID); err != nil {
			s.logger.Warn("failed to release outbox record",
				slog.String("outbox_id", item.rec.ID),
				slog.String("error", err.Error()))
		}
	}
}

func (s *OutboxServiceImpl) markUndecodable(ctx context.Context, rec *model.OutboxRecord, cause error) {
	updated, err := s.outboxRepo.MarkFailed(ctx, rec.ID, cause.Error())
	if err != nil {
		s.logger.Error("failed to mark undecodable outbox record",
			slog.String("outbox_id", rec.ID),
			slog.String("error", err.Error()))
		return
	}

	s.logger.Error("outbox record is undecodable",
		slog.String("outbox_id", rec.ID),
		slog.Int("attempts", updated.Attempts),
		slog.String("error", cause.Error()))
}

// Wait blocks until every dispatched record has completed or ctx ends.
func (s *OutboxServiceImpl) Wait(ctx context.Context) error {
	return s.inflight.Wait(ctx)
}

// RunRelayLoop runs RelayBatch with a fixed delay between the end of one tick
// and the start of the next, until ctx ends. A tick that fails or panics is
// logged and the loop goes on.
func RunRelayLoop(ctx context.Context, svc OutboxService, interval time.Duration, logger *slog.Logger) {
	timer := time.NewTimer(0)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			logger.Info("relay loop stopped")
			return
		case <-timer.C:
		}

		if _, err := relayTick(ctx, svc); err != nil && !errors.Is(err, context.Canceled) {
			logger.Error("relay tick failed", slog.String("error", err.Error()))
		}

		timer.Reset(interval)
	}
}

func relayTick(ctx context.Context, svc OutboxService) (n int, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("relay tick panic: %v", r)
		}
	}()

	return svc.RelayBatch(ctx)
}
