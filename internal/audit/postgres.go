//go:build postgres

package audit

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresAuditLogger is a PostgreSQL-backed implementation of AuditLogger.
type PostgresAuditLogger struct {
	pool *pgxpool.Pool
}

// NewPostgresAuditLoggerFromPool creates an audit logger on an already
// migrated pool.
func NewPostgresAuditLoggerFromPool(pool *pgxpool.Pool) *PostgresAuditLogger {
	return &PostgresAuditLogger{pool: pool}
}

func (p *PostgresAuditLogger) Log(ctx context.Context, event *AuditEvent) error {
	if event == nil {
		return nil
	}
	if event.ID == "" {
		event.ID = uuid.New().String()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}
	_, err := p.pool.Exec(ctx, `
		INSERT INTO audit_events (id, timestamp, action, user_id, username, issuer, subject, detail, request_id, ip_address)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		event.ID, event.Timestamp, event.Action, event.UserID, event.Username,
		event.Issuer, event.Subject, event.Detail, event.RequestID, event.IPAddress,
	)
	if err != nil {
		return fmt.Errorf("insert audit event: %w", err)
	}
	return nil
}

func (p *PostgresAuditLogger) List(ctx context.Context, opts ListOptions) ([]*AuditEvent, int, error) {
	var where []string
	var args []any
	add := func(cond string, v any) {
		args = append(args, v)
		where = append(where, fmt.Sprintf(cond, len(args)))
	}
	if opts.UserID != "" {
		add("user_id = $%d", opts.UserID)
	}
	if opts.Action != "" {
		add("action = $%d", opts.Action)
	}
	if opts.Issuer != "" {
		add("issuer = $%d", opts.Issuer)
	}
	if opts.Since != nil {
		add("timestamp >= $%d", *opts.Since)
	}
	if opts.Until != nil {
		add("timestamp <= $%d", *opts.Until)
	}
	clause := ""
	if len(where) > 0 {
		clause = " WHERE " + strings.Join(where, " AND ")
	}

	var total int
	if err := p.pool.QueryRow(ctx, "SELECT COUNT(*) FROM audit_events"+clause, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count audit events: %w", err)
	}

	n := len(args)
	query := fmt.Sprintf("SELECT id::text, timestamp, action, user_id, username, issuer, subject, detail, request_id, ip_address FROM audit_events%s ORDER BY timestamp DESC LIMIT $%d OFFSET $%d",
		clause, n+1, n+2)
	rows, err := p.pool.Query(ctx, query, append(args, clampLimit(opts.Limit), max(opts.Offset, 0))...)
	if err != nil {
		return nil, 0, fmt.Errorf("query audit events: %w", err)
	}
	events, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (*AuditEvent, error) {
		var e AuditEvent
		err := row.Scan(&e.ID, &e.Timestamp, &e.Action, &e.UserID, &e.Username,
			&e.Issuer, &e.Subject, &e.Detail, &e.RequestID, &e.IPAddress)
		return &e, err
	})
	if err != nil {
		return nil, 0, fmt.Errorf("scan audit events: %w", err)
	}
	return events, total, nil
}
