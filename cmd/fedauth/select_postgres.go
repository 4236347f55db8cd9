//go:build postgres && !sqlite

package main

import (
	"context"

	"fedauth/internal/config"
	"fedauth/internal/observability"
)

// selectStores returns PostgreSQL-backed stores when built with the
// 'postgres' tag. Configure with FEDAUTH_DATABASE_URL.
func selectStores(ctx context.Context, cfg *config.Config, logger observability.Logger) *stores {
	st, err := openPostgres(ctx, cfg.Storage.DatabaseURL)
	if err != nil {
		logger.Error("postgres init failed; falling back to memory store", "error", err)
		return memoryStores()
	}
	logger.Info("using postgres store")
	return st
}

func migrationStatus(ctx context.Context, cfg *config.Config) string {
	if s := postgresStatus(ctx, cfg.Storage.DatabaseURL); s != "" {
		return s
	}
	return "migrations status not available"
}
