package consumer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"strconv"
	"time"

	"github.com/cenkalti/backoff/v4"
	"golang.org/x/sync/errgroup"

	"github.com/jnst/ecommerce-outbox/internal/broker"
	"github.com/jnst/ecommerce-outbox/internal/topic"
)

// Headers added to a dead-lettered record.
const (
	HeaderDLTOriginalTopic     = "dlt-original-topic"
	HeaderDLTOriginalPartition = "dlt-original-partition"
	HeaderDLTOriginalOffset    = "dlt-original-offset"
	HeaderDLTConsumerGroup     = "dlt-consumer-group"
	HeaderDLTExceptionMessage  = "dlt-exception-message"
)

const pollErrorDelay = time.Second

// ContainerConfig describes one listener container.
type ContainerConfig struct {
	ID          string
	Topic       string
	Group       string
	Partitions  int
	Concurrency int
	// MaxAttempts counts the first delivery, so 1 means no retries.
	MaxAttempts int
	Backoff     BackoffPolicy
}

// Container consumes Topic with Concurrency workers in consumer group Group.
// Worker i owns the partitions p with p % Concurrency == i, so each partition
// is processed in order by exactly one worker.
type Container struct {
	cfg      ContainerConfig
	consumer broker.Consumer
	producer broker.Producer
	handler  Handler
	logger   *slog.Logger
}

// NewContainer creates a container. producer receives dead-lettered records.
func NewContainer(cfg ContainerConfig, consumer broker.Consumer, producer broker.Producer, handler Handler, logger *slog.Logger) *Container {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 1
	}
	if cfg.Concurrency > cfg.Partitions {
		cfg.Concurrency = cfg.Partitions
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 1
	}
	if cfg.ID == "" {
		cfg.ID = cfg.Group + "-" + cfg.Topic
	}

	return &Container{
		cfg:      cfg,
		consumer: consumer,
		producer: producer,
		handler:  handler,
		logger: logger.With(
			slog.String("component", "listener-container"),
			slog.String("container", cfg.ID),
			slog.String("topic", cfg.Topic),
			slog.String("group", cfg.Group)),
	}
}

// ID returns the container id.
func (c *Container) ID() string { return c.cfg.ID }

// Run blocks until ctx ends or a worker fails to subscribe.
func (c *Container) Run(ctx context.Context) error {
	c.logger.Info("container started",
		slog.Int("partitions", c.cfg.Partitions),
		slog.Int("concurrency", c.cfg.Concurrency))
	defer c.logger.Info("container stopped")

	g, ctx := errgroup.WithContext(ctx)
	for i := range c.cfg.Concurrency {
		var owned []int
		for p := range c.cfg.Partitions {
			if p%c.cfg.Concurrency == i {
				owned = append(owned, p)
			}
		}

		g.Go(func() error {
			return c.work(ctx, owned)
		})
	}

	return g.Wait()
}

func (c *Container) work(ctx context.Context, partitions []int) error {
	sub, err := c.consumer.Subscribe(ctx, c.cfg.Topic, c.cfg.Group, partitions)
	if err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return fmt.Errorf("container %s: subscribe %v: %w", c.cfg.ID, partitions, err)
	}
	defer func() {
		if err := sub.Close(); err != nil {
			c.logger.Warn("failed to close subscription", slog.String("error", err.Error()))
		}
	}()

	for {
		if ctx.Err() != nil {
			return nil
		}

		deliveries, err := sub.Poll(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			if errors.Is(err, broker.ErrClosed) {
				return nil
			}
			c.logger.Warn("poll failed", slog.Any("partitions", partitions), slog.String("error", err.Error()))
			if !sleep(ctx, pollErrorDelay) {
				return nil
			}
		}

		for _, d := range deliveries {
			if !c.process(ctx, sub, d) {
				return nil
			}
		}
	}
}

// process drives one record to an outcome and acknowledges it exactly once.
// It returns false when ctx ended before an outcome was reached; the record
// stays unacknowledged and is redelivered.
func (c *Container) process(ctx context.Context, sub broker.Subscription, d *broker.Delivery) bool {
	log := c.logger.With(
		slog.Int("partition", d.Partition),
		slog.String("offset", d.Offset),
		slog.String("key", d.Key))

	if err := c.handle(ctx, d, log); err != nil {
		if ctx.Err() != nil {
			return false
		}
		if !c.deadLetter(ctx, d, err, log) {
			return false
		}
	}

	if err := sub.Ack(ctx, d); err != nil {
		log.Error("failed to acknowledge record", slog.String("error", err.Error()))
	}

	return true
}

// handle invokes the handler up to MaxAttempts times with backoff in between.
func (c *Container) handle(ctx context.Context, d *broker.Delivery, log *slog.Logger) error {
	attempt := 0
	op := func() error {
		attempt++
		err := c.invoke(ctx, d)
		if err == nil {
			return nil
		}
		if errors.Is(err, ErrNonRetryable) {
			return backoff.Permanent(err)
		}
		if attempt < c.cfg.MaxAttempts {
			log.Warn("handler failed, retrying",
				slog.Int("attempt", attempt),
				slog.Int("max_attempts", c.cfg.MaxAttempts),
				slog.String("error", err.Error()))
		}

		return err
	}

	policy := backoff.WithContext(
		backoff.WithMaxRetries(c.cfg.Backoff.NewBackOff(), uint64(c.cfg.MaxAttempts-1)),
		ctx)

	return backoff.Retry(op, policy)
}

func (c *Container) invoke(ctx context.Context, d *broker.Delivery) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()

	return c.handler.Handle(ctx, d)
}

// deadLetter republishes d unchanged to the dead-letter topic, same partition,
// retrying the publish until it succeeds or ctx ends.
func (c *Container) deadLetter(ctx context.Context, d *broker.Delivery, cause error, log *slog.Logger) bool {
	if topic.IsDeadLetter(d.Topic) {
		log.Error("dropping failed dead-letter record", slog.String("error", cause.Error()))
		return true
	}

	headers := maps.Clone(d.Headers)
	if headers == nil {
		headers = make(map[string]string, 5)
	}
	headers[HeaderDLTOriginalTopic] = d.Topic
	headers[HeaderDLTOriginalPartition] = strconv.Itoa(d.Partition)
	headers[HeaderDLTOriginalOffset] = d.Offset
	headers[HeaderDLTConsumerGroup] = c.cfg.Group
	headers[HeaderDLTExceptionMessage] = cause.Error()

	partition := d.Partition
	msg := &broker.Message{
		ID:        fmt.Sprintf("%s:%s:%d:%s", c.cfg.Group, d.Topic, d.Partition, d.Offset),
		Topic:     topic.DeadLetter(d.Topic),
		Key:       d.Key,
		Value:     d.Value,
		Headers:   headers,
		Partition: &partition,
	}

	b := backoff.WithContext(c.cfg.Backoff.NewBackOff(), ctx)
	err := backoff.Retry(func() error {
		err := broker.PublishSync(ctx, c.producer, msg)
		if err != nil && ctx.Err() == nil {
			log.Warn("dead-letter publish failed", slog.String("error", err.Error()))
		}
		return err
	}, b)
	if err != nil {
		return false
	}

	log.Error("record dead-lettered",
		slog.String("dlt", msg.Topic),
		slog.String("error", cause.Error()))

	return true
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()

	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}
