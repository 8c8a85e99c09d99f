package service

import (
	"strconv"
	"testing"
	"time"

	"github.com/jnst/ecommerce-outbox/internal/broker/brokertest"
	"github.com/jnst/ecommerce-outbox/internal/event"
	"github.com/jnst/ecommerce-outbox/internal/logger"
	"github.com/jnst/ecommerce-outbox/internal/pkg/clock"
	"github.com/jnst/ecommerce-outbox/internal/repository/repotest"
)

const orderTopic = "order.events"

var t0 = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

type fixture struct {
	clock    *clock.Mock
	store    *repotest.Store
	broker   *brokertest.Broker
	registry *event.Registry
	factory  *event.Factory
	appender *OutboxAppender
	relay    *OutboxServiceImpl
	orders   *OrderServiceImpl
}

func newFixture(t *testing.T, opts ...brokertest.Option) *fixture {
	t.Helper()

	clk := clock.NewMock(t0)
	store := repotest.New(clk)
	b := brokertest.New(3, opts...)
	reg := event.NewRegistry()
	RegisterOrderEvents(reg)
	factory := event.NewFactory("order-service", clk)
	appender := NewOutboxAppender(store.Outbox(), store, clk)

	return &fixture{
		clock:    clk,
		store:    store,
		broker:   b,
		registry: reg,
		factory:  factory,
		appender: appender,
		relay: NewOutboxServiceImpl(store.Outbox(), b, clk, OutboxConfig{
			BatchSize:    50,
			MaxAttempts:  10,
			LeaseTimeout: time.Minute,
		}, logger.Discard()),
		orders: NewOrderServiceImpl(store.Orders(), appender, store, factory, clk, orderTopic),
	}
}

func itoa(i int) string {
	return strconv.Itoa(i)
}
