package db

import (
	"context"
	"embed"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"
)

//go:embed migrations/*.sql
var migrations embed.FS

const migrationsDir = "migrations"

// MigrateCommands lists the commands Migrate accepts.
var MigrateCommands = []string{"up", "down", "status", "version", "redo", "reset"}

// Migrate runs a goose command against dsn using the embedded migrations.
func Migrate(ctx context.Context, dsn, command string) error {
	pgxCfg, err := pgx.ParseConfig(dsn)
	if err != nil {
		return fmt.Errorf("parse database url: %w", err)
	}
	pgxCfg.DefaultQueryExecMode = pgx.QueryExecModeSimpleProtocol

	sqlDB := stdlib.OpenDB(*pgxCfg)
	defer sqlDB.Close()

	if err := sqlDB.PingContext(ctx); err != nil {
		return fmt.Errorf("ping database: %w", err)
	}

	goose.SetBaseFS(migrations)
	if err := goose.SetDialect("postgres"); err != nil {
		return err
	}

	actions := map[string]func() error{
		"up":      func() error { return goose.UpContext(ctx, sqlDB, migrationsDir) },
		"down":    func() error { return goose.DownContext(ctx, sqlDB, migrationsDir) },
		"status":  func() error { return goose.StatusContext(ctx, sqlDB, migrationsDir) },
		"version": func() error { return goose.VersionContext(ctx, sqlDB, migrationsDir) },
		"redo":    func() error { return goose.RedoContext(ctx, sqlDB, migrationsDir) },
		"reset":   func() error { return goose.ResetContext(ctx, sqlDB, migrationsDir) },
	}
	action, ok := actions[command]
	if !ok {
		return fmt.Errorf("unknown migrate command %q", command)
	}

	return action()
}
