package http

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"fedauth/internal/audit"
	"fedauth/internal/auth"
	"fedauth/internal/federation"
	"fedauth/internal/observability"
)

// ErrAccountDisabled is returned when a login resolves to an inactive account.
var ErrAccountDisabled = errors.New("account disabled")

// Provisioner finishes a resolved login: it creates the account for a new
// identity, binds the session to the account and syncs managed groups.
type Provisioner struct {
	users     auth.UserStore
	resolver  *federation.Resolver
	groupSync *federation.GroupSync
	audit     audit.AuditLogger
	log       observability.Logger
	now       func() time.Time
}

// NewProvisioner creates a Provisioner. groupSync and auditLog may be nil.
func NewProvisioner(users auth.UserStore, resolver *federation.Resolver, groupSync *federation.GroupSync, auditLog audit.AuditLogger, logger observability.Logger) *Provisioner {
	if logger == nil {
		logger = observability.NewLogger(observability.DefaultConfig())
	}
	return &Provisioner{
		users:     users,
		resolver:  resolver,
		groupSync: groupSync,
		audit:     auditLog,
		log:       logger.WithComponent("provisioner"),
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// Complete returns the account res resolved to, creating it first when
// res.NewAccount is set.
func (p *Provisioner) Complete(ctx context.Context, sess *auth.Session, res federation.Result) (*auth.User, error) {
	var (
		user *auth.User
		err  error
	)
	if res.NewAccount {
		user, err = p.create(ctx, sess, res)
	} else {
		user, err = p.users.GetByID(ctx, res.UserID)
		if err == nil && user == nil {
			err = auth.ErrUserNotFound
		}
	}
	if err != nil {
		return nil, err
	}
	if !user.IsActive {
		return nil, ErrAccountDisabled
	}

	if err := sess.SetUserID(ctx, user.ID); err != nil {
		return nil, fmt.Errorf("bind session: %w", err)
	}
	now := p.now()
	if err := p.users.UpdateLastLogin(ctx, user.ID, now); err != nil {
		p.log.WarnContext(ctx, "update last login", "user_id", user.ID, "error", err)
	} else {
		user.LastLoginAt = &now
	}

	if p.groupSync != nil {
		if _, err := p.groupSync.Populate(ctx, user, sess); err != nil {
			p.log.WarnContext(ctx, "group sync failed", "user_id", user.ID, "error", err)
		}
	}
	return user, nil
}

func (p *Provisioner) create(ctx context.Context, sess *auth.Session, res federation.Result) (*auth.User, error) {
	now := p.now()
	user := &auth.User{
		ID:           uuid.New().String(),
		Username:     res.Username,
		Email:        res.Email,
		DisplayName:  res.RealName,
		IsActive:     true,
		RegisteredAt: now,
		UpdatedAt:    now,
	}
	if err := p.resolver.CreateStaged(ctx, user, sess); err != nil {
		return nil, err
	}

	if p.audit != nil {
		event := &audit.AuditEvent{
			Action:    audit.ActionProvision,
			UserID:    user.ID,
			Username:  user.Username,
			Issuer:    user.Issuer,
			Subject:   user.Subject,
			RequestID: observability.RequestIDFromContext(ctx),
		}
		if err := p.audit.Log(ctx, event); err != nil {
			p.log.WarnContext(ctx, "audit log failed", "action", event.Action, "error", err)
		}
	}
	p.log.InfoContext(ctx, "federated account created", "user_id", user.ID, "username", user.Username)
	return user, nil
}
