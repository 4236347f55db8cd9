// Package audit records federation events: logins, account migrations,
// provisioning and group changes.
package audit

import (
	"context"
	"time"
)

// AuditEvent represents a single auditable federation action.
type AuditEvent struct {
	ID        string    `json:"id"`
	Timestamp time.Time `json:"timestamp"`
	Action    string    `json:"action"`
	UserID    string    `json:"user_id,omitempty"`
	Username  string    `json:"username,omitempty"`
	Issuer    string    `json:"issuer,omitempty"`
	Subject   string    `json:"subject,omitempty"`
	Detail    string    `json:"detail,omitempty"` // group name, match kind, failure reason
	RequestID string    `json:"request_id,omitempty"`
	IPAddress string    `json:"ip_address,omitempty"`
}

// ListOptions provides filtering and pagination options for listing audit events.
type ListOptions struct {
	Limit  int
	Offset int
	UserID string
	Action string
	Issuer string
	Since  *time.Time
	Until  *time.Time
}

// AuditLogger defines the interface for audit logging operations.
type AuditLogger interface {
	// Log records an audit event. ID and Timestamp are assigned if unset.
	Log(ctx context.Context, event *AuditEvent) error

	// List retrieves audit events, newest first, and the total match count.
	List(ctx context.Context, opts ListOptions) ([]*AuditEvent, int, error)
}

// Audited actions.
const (
	ActionLogin       = "login"
	ActionLoginFailed = "login_failed"
	ActionMigrate     = "migrate"
	ActionProvision   = "provision"
	ActionLogout      = "logout"
	ActionGroupAdd    = "group_add"
	ActionGroupRemove = "group_remove"
)

const (
	defaultListLimit = 50
	maxListLimit     = 1000
)

func clampLimit(limit int) int {
	if limit <= 0 {
		return defaultListLimit
	}
	if limit > maxListLimit {
		return maxListLimit
	}
	return limit
}
