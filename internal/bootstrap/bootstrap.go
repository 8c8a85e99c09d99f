// Package bootstrap opens the database pool and the configured broker driver.
package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/nats-io/nats.go"
	"github.com/redis/rueidis"

	"github.com/jnst/ecommerce-outbox/internal/broker"
	"github.com/jnst/ecommerce-outbox/internal/broker/jetstream"
	"github.com/jnst/ecommerce-outbox/internal/broker/redisstream"
	"github.com/jnst/ecommerce-outbox/internal/config"
)

const maxAsyncPending = 4096

// OpenDatabase connects a pgx pool and checks it with a ping.
func OpenDatabase(ctx context.Context, dsn string) (*pgxpool.Pool, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to create database pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	return pool, nil
}

// Broker bundles a producer and a consumer sharing one connection.
type Broker struct {
	Producer broker.Producer
	Consumer broker.Consumer

	provision func(ctx context.Context, topics, groups []string) error
	close     func()
}

// Provision creates topics and, for each group, its consumer group on every
// partition. Topics are created with the configured partition count.
func (b *Broker) Provision(ctx context.Context, topics, groups []string) error {
	return b.provision(ctx, topics, groups)
}

// Close closes the producer, sending what it still holds, then the connection.
func (b *Broker) Close() error {
	err := errors.Join(b.Producer.Close(), b.Consumer.Close())
	b.close()

	return err
}

// OpenBroker connects the driver selected by cfg.Broker.Driver.
func OpenBroker(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Broker, error) {
	switch cfg.Broker.Driver {
	case config.DriverRedis:
		return openRedis(ctx, cfg, logger)
	case config.DriverNATS:
		return openNATS(ctx, cfg, logger)
	default:
		return nil, fmt.Errorf("unknown broker driver %q", cfg.Broker.Driver)
	}
}

func openRedis(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Broker, error) {
	client, err := rueidis.NewClient(rueidis.ClientOption{
		InitAddress: []string{cfg.Broker.RedisAddr},
		ClientName:  cfg.ServiceName,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	producer, err := redisstream.NewProducer(ctx, client, redisstream.ProducerConfig{
		Partitions:      cfg.Broker.Partitions,
		Linger:          cfg.Producer.Linger,
		BatchBytes:      cfg.Producer.BatchBytes,
		DeliveryTimeout: cfg.Producer.DeliveryTimeout,
		RetryBackoff:    cfg.Producer.RetryBackoff,
		MinReplicas:     cfg.Producer.MinReplicas,
		DedupWindow:     cfg.Producer.DedupWindow,
		StreamMaxLen:    cfg.Producer.StreamMaxLen,
	}, logger)
	if err != nil {
		client.Close()
		return nil, err
	}

	consumer := redisstream.NewConsumer(client, redisstream.ConsumerConfig{
		Name:            cfg.Consumer.Name,
		PollTimeout:     cfg.Consumer.PollTimeout,
		MaxPollRecords:  cfg.Consumer.MaxPollRecords,
		AutoOffsetReset: cfg.Consumer.AutoOffsetReset,
	}, logger)

	return &Broker{
		Producer: producer,
		Consumer: consumer,
		provision: func(ctx context.Context, topics, groups []string) error {
			// Streams are created on first write; groups need them up front.
			for _, group := range groups {
				err := redisstream.EnsureTopics(ctx, client, topics, cfg.Broker.Partitions, group, cfg.Consumer.AutoOffsetReset)
				if err != nil {
					return err
				}
			}
			return nil
		},
		close: client.Close,
	}, nil
}

func openNATS(_ context.Context, cfg *config.Config, logger *slog.Logger) (*Broker, error) {
	nc, err := nats.Connect(cfg.Broker.NATSURL,
		nats.Name(cfg.ServiceName),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn("nats disconnected", slog.String("error", err.Error()))
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info("nats reconnected", slog.String("url", nc.ConnectedUrl()))
		}))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to nats: %w", err)
	}

	js, err := nc.JetStream(nats.PublishAsyncMaxPending(maxAsyncPending))
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("failed to open jetstream context: %w", err)
	}

	return &Broker{
		Producer: jetstream.NewProducer(js, cfg.Broker.Partitions, cfg.Producer.DeliveryTimeout, logger),
		Consumer: jetstream.NewConsumer(js, jetstream.ConsumerConfig{
			PollTimeout:     cfg.Consumer.PollTimeout,
			MaxPollRecords:  cfg.Consumer.MaxPollRecords,
			AutoOffsetReset: cfg.Consumer.AutoOffsetReset,
		}),
		provision: func(ctx context.Context, topics, _ []string) error {
			// Durable consumers are created on subscribe.
			return jetstream.EnsureStreams(ctx, js, topics, cfg.Broker.Partitions, cfg.Producer.DedupWindow)
		},
		close: func() {
			if err := nc.Drain(); err != nil {
				nc.Close()
			}
		},
	}, nil
}
