package service

import (
	"context"
	"fmt"

	"github.com/jnst/ecommerce-outbox/internal/event"
	"github.com/jnst/ecommerce-outbox/internal/model"
	"github.com/jnst/ecommerce-outbox/internal/repository"
	"github.com/jnst/ecommerce-outbox/internal/topic"
)

const genericEventVersion = 1

// EventServiceImpl implements EventService. Events go through the outbox like
// every other event, so publishing is as durable as an order mutation.
type EventServiceImpl struct {
	topics         *topic.Table
	appender       Appender
	transactionMgr repository.TransactionManager
	factory        *event.Factory
}

// NewEventServiceImpl creates a new EventService implementation.
func NewEventServiceImpl(
	topics *topic.Table,
	appender Appender,
	transactionMgr repository.TransactionManager,
	factory *event.Factory,
) *EventServiceImpl {
	return &EventServiceImpl{
		topics:         topics,
		appender:       appender,
		transactionMgr: transactionMgr,
		factory:        factory,
	}
}

// Publish resolves domain to its topic and appends the event. An empty key is
// replaced by the event id, which then also becomes the subject id.
func (s *EventServiceImpl) Publish(ctx context.Context, domain string, params *model.PublishEventParams) (*model.PublishedEvent, error) {
	name, err := s.topics.Resolve(domain)
	if err != nil {
		return nil, err
	}
	if params.Type == "" {
		return nil, model.ErrInvalidEvent
	}

	env, err := s.factory.New(params.Type, params.Key, "", genericEventVersion, params.Payload)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", model.ErrSerialization, err)
	}

	key := params.Key
	if key == "" {
		key = env.ID
		env.SubjectID = key
	}

	err = s.transactionMgr.WithTransaction(ctx, func(ctx context.Context) error {
		return s.appender.Append(ctx, name, key, env)
	})
	if err != nil {
		return nil, err
	}

	return &model.PublishedEvent{
		EventID:   env.ID,
		EventType: env.EventType,
		Topic:     name,
		Key:       key,
		Status:    model.OutboxStatusPending,
	}, nil
}
