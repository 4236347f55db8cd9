//go:build sqlite

package main

import (
	"context"
	"database/sql"

	"fedauth/internal/audit"
	"fedauth/internal/auth"
	sqlitestore "fedauth/internal/storage/sqlite"
)

func sqliteDSN(dsn string) string {
	if dsn == "" {
		return sqlitestore.DefaultDSN
	}
	return dsn
}

// openSQLite opens (and migrates) the SQLite database shared by the account
// store and the audit log.
func openSQLite(ctx context.Context, dsn string) (*stores, error) {
	db, err := sqlitestore.Open(ctx, sqliteDSN(dsn))
	if err != nil {
		return nil, err
	}
	return &stores{
		backend:  "sqlite",
		accounts: auth.NewSQLiteUserStoreFromDB(db),
		audit:    audit.NewSQLiteAuditLoggerFromDB(db),
		close:    db.Close,
	}, nil
}

// sqliteStatus returns migration status without applying anything.
func sqliteStatus(ctx context.Context, dsn string) string {
	db, err := sql.Open("sqlite", sqliteDSN(dsn))
	if err != nil {
		return ""
	}
	defer db.Close()
	s, err := sqlitestore.Status(ctx, db)
	if err != nil {
		return ""
	}
	return s
}
