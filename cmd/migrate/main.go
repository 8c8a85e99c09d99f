// Package main applies the embedded database migrations.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"slices"
	"strings"

	"github.com/jnst/ecommerce-outbox/internal/config"
	"github.com/jnst/ecommerce-outbox/internal/db"
	"github.com/jnst/ecommerce-outbox/internal/logger"
)

const exitCode = 1

func main() {
	cfg, err := config.LoadConfig()
	if err != nil {
		slog.Error("failed to load config", slog.String("error", err.Error()))
		os.Exit(exitCode)
	}
	slog.SetDefault(logger.Setup(cfg.LogLevel, cfg.LogFormat))

	command := "up"
	if len(os.Args) > 1 {
		command = os.Args[1]
	}
	if !slices.Contains(db.MigrateCommands, command) {
		fmt.Fprintf(os.Stderr, "usage: migrate [%s]\n", strings.Join(db.MigrateCommands, "|"))
		os.Exit(exitCode)
	}

	if err := db.Migrate(context.Background(), cfg.DatabaseURL, command); err != nil {
		slog.Error("migration failed", slog.String("command", command), slog.String("error", err.Error()))
		os.Exit(exitCode)
	}
	slog.Info("migration finished", slog.String("command", command))
}
