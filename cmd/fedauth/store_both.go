//go:build sqlite && postgres

package main

import (
	"context"

	"fedauth/internal/config"
	"fedauth/internal/observability"
)

// selectStores picks PostgreSQL if a database URL is configured, otherwise
// SQLite, falling back to memory.
func selectStores(ctx context.Context, cfg *config.Config, logger observability.Logger) *stores {
	if cfg.Storage.DatabaseURL != "" {
		st, err := openPostgres(ctx, cfg.Storage.DatabaseURL)
		if err == nil {
			logger.Info("using postgres store")
			return st
		}
		logger.Error("postgres init failed; falling back to sqlite", "error", err)
	}
	st, err := openSQLite(ctx, cfg.Storage.SQLiteDSN)
	if err != nil {
		logger.Error("sqlite init failed; falling back to memory store", "error", err)
		return memoryStores()
	}
	logger.Info("using sqlite store")
	return st
}

func migrationStatus(ctx context.Context, cfg *config.Config) string {
	if cfg.Storage.DatabaseURL != "" {
		if s := postgresStatus(ctx, cfg.Storage.DatabaseURL); s != "" {
			return s
		}
	}
	if s := sqliteStatus(ctx, cfg.Storage.SQLiteDSN); s != "" {
		return s
	}
	return "migrations status not available"
}
