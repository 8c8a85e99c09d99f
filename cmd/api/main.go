// Package main provides the HTTP API server for orders and free-form events.
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

	"golang.org/x/sync/errgroup"

	"github.com/jnst/ecommerce-outbox/internal/api"
	"github.com/jnst/ecommerce-outbox/internal/bootstrap"
	"github.com/jnst/ecommerce-outbox/internal/config"
	"github.com/jnst/ecommerce-outbox/internal/event"
	"github.com/jnst/ecommerce-outbox/internal/logger"
	"github.com/jnst/ecommerce-outbox/internal/pkg/clock"
	"github.com/jnst/ecommerce-outbox/internal/repository"
	"github.com/jnst/ecommerce-outbox/internal/service"
	"github.com/jnst/ecommerce-outbox/internal/topic"
)

const (
	readHeaderTimeout = 5 * time.Second
	shutdownTimeout   = 10 * time.Second
	signalBufferSize  = 1
	exitCode          = 1
)

func setupSignalHandling() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())

	sigChan := make(chan os.Signal, signalBufferSize)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		<-sigChan
		slog.Info("shutdown signal received, stopping api server")
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

	ctx, cancel := setupSignalHandling()
	defer cancel()

	if err := run(ctx, cfg, loggerInstance); err != nil {
		slog.Error("api server failed", slog.String("error", err.Error()))
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

	// 依存関係注入
	clk := clock.NewReal()
	factory := event.NewFactory(cfg.ServiceName, clk)
	orderRepo := repository.NewOrderRepositoryImpl(dbPool)
	outboxRepo := repository.NewOutboxRepositoryImpl(dbPool)
	transactionMgr := repository.NewTransactionManagerImpl(dbPool)
	appender := service.NewOutboxAppender(outboxRepo, transactionMgr, clk)
	orderService := service.NewOrderServiceImpl(orderRepo, appender, transactionMgr, factory, clk, cfg.Topics.OrderEvents)
	eventService := service.NewEventServiceImpl(topics, appender, transactionMgr, factory)

	server := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           api.NewServer(orderService, eventService, log).Routes(),
		ReadHeaderTimeout: readHeaderTimeout,
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info("starting API server", slog.String("service", "api"), slog.String("port", cfg.Port))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		log.Info("shutting down API server")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		return server.Shutdown(shutdownCtx)
	})

	return g.Wait()
}
