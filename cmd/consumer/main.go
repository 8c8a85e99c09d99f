// Package main runs the listener containers and serves the monitoring API.
package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"golang.org/x/sync/errgroup"

	"github.com/jnst/ecommerce-outbox/internal/bootstrap"
	"github.com/jnst/ecommerce-outbox/internal/config"
	"github.com/jnst/ecommerce-outbox/internal/consumer"
	"github.com/jnst/ecommerce-outbox/internal/event"
	"github.com/jnst/ecommerce-outbox/internal/logger"
	"github.com/jnst/ecommerce-outbox/internal/monitor"
	"github.com/jnst/ecommerce-outbox/internal/pkg/clock"
	"github.com/jnst/ecommerce-outbox/internal/repository"
	"github.com/jnst/ecommerce-outbox/internal/service"
	"github.com/jnst/ecommerce-outbox/internal/topic"
)

const (
	paymentGroup      = "payment-simulator"
	inventoryGroup    = "inventory-simulator"
	notificationGroup = "notification-simulator"
	monitorGroup      = "monitor-"

	readHeaderTimeout = 5 * time.Second
	shutdownTimeout   = 10 * time.Second
	signalBufferSize  = 1
	exitCode          = 1
)

func setupConsumerSignalHandling() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())

	sigChan := make(chan os.Signal, signalBufferSize)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		<-sigChan
		slog.Info("shutdown signal received, stopping consumer")
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

	ctx, cancel := setupConsumerSignalHandling()
	defer cancel()

	if err := run(ctx, cfg, loggerInstance); err != nil {
		slog.Error("consumer failed", slog.String("error", err.Error()))
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

	// 依存関係注入
	clk := clock.NewReal()
	registry := event.NewRegistry()
	service.RegisterOrderEvents(registry)
	log.Info("event decoders registered", slog.Any("types", registry.Types()))
	factory := event.NewFactory(cfg.ServiceName, clk)

	orderRepo := repository.NewOrderRepositoryImpl(dbPool)
	outboxRepo := repository.NewOutboxRepositoryImpl(dbPool)
	inboxRepo := repository.NewInboxRepositoryImpl(dbPool)
	transactionMgr := repository.NewTransactionManagerImpl(dbPool)
	appender := service.NewOutboxAppender(outboxRepo, transactionMgr, clk)
	orderService := service.NewOrderServiceImpl(orderRepo, appender, transactionMgr, factory, clk, cfg.Topics.OrderEvents)

	store := monitor.NewStore(cfg.Monitor.Capacity, log)
	containers := consumer.NewRegistry()

	listeners := map[string]consumer.Handler{
		paymentGroup: service.NewPaymentListener(paymentGroup, orderService, inboxRepo, transactionMgr, registry,
			service.RandomPaymentDecision(cfg.Consumer.PaymentSuccessRate), log),
		inventoryGroup:    service.NewInventoryListener(registry, log),
		notificationGroup: service.NewNotificationListener(registry, log),
	}
	for group, handler := range listeners {
		if err := register(ctx, b, containers, cfg, cfg.Topics.OrderEvents, group, handler, log); err != nil {
			return err
		}
	}

	// Each instance taps every topic in its own group so its rings see all traffic.
	tapGroup := monitorGroup + cfg.Consumer.Name
	for _, name := range append(topics.Topics(), topics.DeadLetterTopics()...) {
		if err := register(ctx, b, containers, cfg, name, tapGroup, store.Tap(), log); err != nil {
			return err
		}
	}

	router := chi.NewRouter()
	router.Use(middleware.RequestID)
	router.Use(middleware.Recoverer)
	router.Mount("/api/monitor", monitor.NewHandler(store, containers, outboxRepo, cfg.Monitor.DefaultLimit, log).Routes())

	server := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           router,
		ReadHeaderTimeout: readHeaderTimeout,
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info("starting listener containers",
			slog.String("service", "consumer"),
			slog.Any("containers", containers.ContainerIDs()))
		return containers.Run(ctx)
	})
	g.Go(func() error {
		log.Info("starting monitoring API", slog.String("port", cfg.Port))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		return server.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}

	return nil
}

// register provisions name for group and adds a container consuming it.
func register(
	ctx context.Context,
	b *bootstrap.Broker,
	containers *consumer.Registry,
	cfg *config.Config,
	name, group string,
	handler consumer.Handler,
	log *slog.Logger,
) error {
	// Dead-letter publishes need the DLT to exist as well.
	provisioned := []string{name}
	if !topic.IsDeadLetter(name) {
		provisioned = append(provisioned, topic.DeadLetter(name))
	}
	if err := b.Provision(ctx, provisioned, []string{group}); err != nil {
		return err
	}

	return containers.Register(consumer.NewContainer(consumer.ContainerConfig{
		Topic:       name,
		Group:       group,
		Partitions:  cfg.Broker.Partitions,
		Concurrency: cfg.Consumer.Concurrency,
		MaxAttempts: cfg.Consumer.MaxAttemptsFor(name),
		Backoff: consumer.BackoffPolicy{
			Initial:    cfg.Consumer.BackoffInitial,
			Multiplier: cfg.Consumer.BackoffMultiplier,
			Max:        cfg.Consumer.BackoffMax,
		},
	}, b.Consumer, b.Producer, handler, log))
}
