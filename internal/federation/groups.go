package federation

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"fedauth/internal/audit"
	"fedauth/internal/auth"
	"fedauth/internal/auth/oidc"
	"fedauth/internal/domain"
	"fedauth/internal/observability"
)

// GroupPrefix marks groups whose membership is owned by federation sync.
const GroupPrefix = "oidc_"

// Managed reports whether a group is owned by federation sync.
func Managed(group string) bool {
	return strings.HasPrefix(group, GroupPrefix)
}

// DesiredGroups derives the managed groups an access token grants under cfg.
// The result is sorted and free of duplicates.
func DesiredGroups(claims any, cfg *domain.IssuerConfig) []string {
	set := map[string]struct{}{}
	for _, cat := range domain.RoleCategories {
		rule := cfg.RoleRule(cat)
		if !rule.Enabled() {
			continue
		}
		for _, v := range oidc.ResolvePath(claims, rule.Property) {
			role, ok := oidc.ScalarString(v)
			if !ok || role == "" {
				continue
			}
			for _, prefix := range rule.Prefixes() {
				set[GroupPrefix+prefix+role] = struct{}{}
			}
		}
	}
	out := make([]string, 0, len(set))
	for g := range set {
		out = append(out, g)
	}
	sort.Strings(out)
	return out
}

// GroupChange lists the memberships one sync added and removed.
type GroupChange struct {
	Added   []string `json:"added"`
	Removed []string `json:"removed"`
}

// Empty reports whether the sync changed nothing.
func (c GroupChange) Empty() bool {
	return len(c.Added) == 0 && len(c.Removed) == 0
}

// GroupMapper converges an account's managed groups on the set derived from
// its access token. Groups without GroupPrefix are never read or written.
type GroupMapper struct {
	groups auth.GroupStore
}

// NewGroupMapper creates a GroupMapper.
func NewGroupMapper(groups auth.GroupStore) *GroupMapper {
	return &GroupMapper{groups: groups}
}

// Apply computes the desired managed groups and applies the difference to
// the account's current managed groups.
func (m *GroupMapper) Apply(ctx context.Context, userID string, claims any, cfg *domain.IssuerConfig) (GroupChange, error) {
	current, err := m.groups.ListGroups(ctx, userID)
	if err != nil {
		return GroupChange{}, fmt.Errorf("list groups: %w", err)
	}
	owned := map[string]bool{}
	for _, g := range current {
		if Managed(g) {
			owned[g] = true
		}
	}
	desired := DesiredGroups(claims, cfg)
	want := make(map[string]bool, len(desired))
	for _, g := range desired {
		want[g] = true
	}

	var change GroupChange
	for _, g := range current {
		if owned[g] && !want[g] {
			if err := m.groups.RemoveGroup(ctx, userID, g); err != nil {
				return change, fmt.Errorf("remove group %s: %w", g, err)
			}
			change.Removed = append(change.Removed, g)
		}
	}
	for _, g := range desired {
		if !owned[g] {
			if err := m.groups.AddGroup(ctx, userID, g); err != nil {
				return change, fmt.Errorf("add group %s: %w", g, err)
			}
			change.Added = append(change.Added, g)
		}
	}
	return change, nil
}

// GroupSync runs the GroupMapper for an authenticated account using the
// access-token claims stored in its session.
type GroupSync struct {
	users   auth.UserStore
	mapper  *GroupMapper
	issuers domain.Issuers
	audit   audit.AuditLogger
	metrics *observability.Metrics
	log     observability.Logger
}

// GroupSyncConfig holds the GroupSync dependencies. Audit, Metrics and
// Logger are optional.
type GroupSyncConfig struct {
	Users   auth.UserStore
	Groups  auth.GroupStore
	Issuers domain.Issuers
	Audit   audit.AuditLogger
	Metrics *observability.Metrics
	Logger  observability.Logger
}

// NewGroupSync creates a GroupSync.
func NewGroupSync(cfg GroupSyncConfig) *GroupSync {
	logger := cfg.Logger
	if logger == nil {
		logger = observability.NewLogger(observability.DefaultConfig())
	}
	return &GroupSync{
		users:   cfg.Users,
		mapper:  NewGroupMapper(cfg.Groups),
		issuers: cfg.Issuers,
		audit:   cfg.Audit,
		metrics: cfg.Metrics,
		log:     logger.WithComponent("group-sync"),
	}
}

// Populate syncs user's managed groups. It does nothing when the session has
// no access token, when the token's identity is bound to a different
// account, or when the token's issuer is not configured.
func (s *GroupSync) Populate(ctx context.Context, user *auth.User, sess *auth.Session) (GroupChange, error) {
	if user == nil || sess == nil {
		return GroupChange{}, nil
	}
	token, err := sess.AccessToken(ctx)
	if err != nil {
		return GroupChange{}, err
	}
	if token == nil {
		return GroupChange{}, nil
	}
	claims := oidc.Claims(token)

	owner, err := s.users.FindBySubjectIssuer(ctx, claims.Subject(), claims.Issuer())
	if err != nil {
		return GroupChange{}, fmt.Errorf("resolve token owner: %w", err)
	}
	if owner == nil || owner.ID != user.ID {
		s.log.DebugContext(ctx, "access token does not belong to account", "user_id", user.ID)
		return GroupChange{}, nil
	}

	cfg, ok := s.issuers.Lookup(claims.Issuer())
	if !ok {
		s.log.DebugContext(ctx, "no configuration for token issuer", "issuer", claims.Issuer())
		return GroupChange{}, nil
	}

	change, err := s.mapper.Apply(ctx, user.ID, claims, cfg)
	s.record(ctx, user, claims.Issuer(), change)
	if err != nil {
		return change, err
	}
	if !change.Empty() {
		s.log.InfoContext(ctx, "groups synchronized",
			"user_id", user.ID, "added", change.Added, "removed", change.Removed)
	}
	return change, nil
}

func (s *GroupSync) record(ctx context.Context, user *auth.User, issuer string, change GroupChange) {
	s.metrics.RecordGroupChanges(len(change.Added), len(change.Removed))
	if s.audit == nil {
		return
	}
	for _, g := range change.Added {
		s.logAudit(ctx, audit.ActionGroupAdd, user, issuer, g)
	}
	for _, g := range change.Removed {
		s.logAudit(ctx, audit.ActionGroupRemove, user, issuer, g)
	}
}

func (s *GroupSync) logAudit(ctx context.Context, action string, user *auth.User, issuer, group string) {
	event := &audit.AuditEvent{
		Action:    action,
		UserID:    user.ID,
		Username:  user.Username,
		Issuer:    issuer,
		Subject:   user.Subject,
		Detail:    group,
		RequestID: observability.RequestIDFromContext(ctx),
	}
	if err := s.audit.Log(ctx, event); err != nil {
		s.log.WarnContext(ctx, "audit log failed", "action", action, "error", err)
	}
}
