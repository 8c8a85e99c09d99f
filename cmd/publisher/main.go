// Package main provides the outbox relay that moves PENDING outbox records to the broker.
package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/jnst/ecommerce-outbox/internal/bootstrap"
	"github.com/jnst/ecommerce-outbox/internal/config"
	"github.com/jnst/ecommerce-outbox/internal/logger"
	"github.com/jnst/ecommerce-outbox/internal/pkg/clock"
	"github.com/jnst/ecommerce-outbox/internal/repository"
	"github.com/jnst/ecommerce-outbox/internal/service"
	"github.com/jnst/ecommerce-outbox/internal/topic"
)

const (
	signalBufferSize = 1
	exitCode         = 1
)

func setupPublisherSignalHandling() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())

	sigChan := make(chan os.Signal, signalBufferSize)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		<-sigChan
		slog.Info("shutdown signal received, stopping publisher")
		cancel()
	}()

	return ctx, cancel
}

func main() {
	cfg, err := config.LoadConfig()
	if err != nil {
		slog.Error("failed to load config", slog.String("error", err.Error()))
		os.Exit(exitCode)
	}

	loggerInstance := logger.Setup(cfg.LogLevel, cfg.LogFormat)
	slog.SetDefault(loggerInstance)

	ctx, cancel := setupPublisherSignalHandling()
	defer cancel()

	if err := run(ctx, cfg, loggerInstance); err != nil {
		slog.Error("publisher failed", slog.String("error", err.Error()))
		os.Exit(exitCode)
	}
}

func run(ctx context.Context, cfg *config.Config, log *slog.Logger) error {
	dbPool, err := bootstrap.OpenDatabase(ctx, cfg.DatabaseURL)
	if err != nil {
		return err
	}
	defer dbPool.Close()

	topics, err := topic.NewTable(cfg.Topics.ByDomain())
	if err != nil {
		return err
	}

	b, err := bootstrap.OpenBroker(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer func() {
		if err := b.Close(); err != nil {
			log.Warn("failed to close broker", slog.String("error", err.Error()))
		}
	}()

	if err := b.Provision(ctx, append(topics.Topics(), topics.DeadLetterTopics()...), nil); err != nil {
		return err
	}

	outboxRepo := repository.NewOutboxRepositoryImpl(dbPool)
	relay := service.NewOutboxServiceImpl(outboxRepo, b.Producer, clock.NewReal(), service.OutboxConfig{
		BatchSize:    cfg.Relay.BatchSize,
		MaxAttempts:  cfg.Relay.MaxAttempts,
		LeaseTimeout: cfg.Relay.LeaseTimeout,
	}, log)

	log.Info("starting outbox publisher",
		slog.String("service", "publisher"),
		slog.String("driver", cfg.Broker.Driver),
		slog.Duration("interval", cfg.Relay.Interval),
		slog.Int("batch_size", cfg.Relay.BatchSize))

	service.RunRelayLoop(ctx, relay, cfg.Relay.Interval, log)

	// Outstanding publishes finish within the delivery timeout; their records
	// are marked before the pool closes.
	drainCtx, cancel := context.WithTimeout(context.Background(), cfg.Producer.DeliveryTimeout)
	defer cancel()
	if err := b.Producer.Flush(drainCtx); err != nil {
		log.Warn("producer flush incomplete", slog.String("error", err.Error()))
	}
	if err := relay.Wait(drainCtx); err != nil {
		log.Warn("relay drain incomplete", slog.String("error", err.Error()))
	}

	return nil
}
