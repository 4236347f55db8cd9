//go:build sqlite && !postgres

package main

import (
	"context"

	"fedauth/internal/config"
	"fedauth/internal/observability"
)

// selectStores returns SQLite-backed stores when built with the 'sqlite' tag.
func selectStores(ctx context.Context, cfg *config.Config, logger observability.Logger) *stores {
	st, err := openSQLite(ctx, cfg.Storage.SQLiteDSN)
	if err != nil {
		logger.Error("sqlite init failed; falling back to memory store", "error", err)
		return memoryStores()
	}
	logger.Info("using sqlite store")
	return st
}

func migrationStatus(ctx context.Context, cfg *config.Config) string {
	if s := sqliteStatus(ctx, cfg.Storage.SQLiteDSN); s != "" {
		return s
	}
	return "migrations status not available"
}
