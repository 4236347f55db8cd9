//go:build !sqlite && !postgres

package main

import (
	"context"

	"fedauth/internal/config"
	"fedauth/internal/observability"
)

// selectStores returns in-memory stores when built without database tags.
func selectStores(_ context.Context, cfg *config.Config, logger observability.Logger) *stores {
	if cfg.Storage.SQLiteDSN != "" || cfg.Storage.DatabaseURL != "" {
		logger.Warn("database configured, but binary not built with -tags sqlite or -tags postgres; using in-memory store")
	}
	logger.Info("using in-memory store")
	return memoryStores()
}

func migrationStatus(context.Context, *config.Config) string {
	return "migrations status not available in this build"
}
