package federation

import (
	"context"
	"errors"
	"fmt"

	"fedauth/internal/auth"
)

// ErrNoStagedIdentity is returned by CreateStaged when the session holds no
// subject and issuer awaiting an account.
var ErrNoStagedIdentity = errors.New("no staged federated identity in session")

// Resolver maps a remote identity to a local account.
type Resolver struct {
	users auth.UserStore
}

// NewResolver creates a Resolver over users.
func NewResolver(users auth.UserStore) *Resolver {
	return &Resolver{users: users}
}

// FindBySubjectIssuer returns the account bound to (subject, issuer), or nil.
func (r *Resolver) FindBySubjectIssuer(ctx context.Context, subject, issuer string) (*auth.User, error) {
	if subject == "" || issuer == "" {
		return nil, nil
	}
	u, err := r.users.FindBySubjectIssuer(ctx, subject, issuer)
	if err != nil {
		return nil, fmt.Errorf("find by identity: %w", err)
	}
	return u, nil
}

// FindUnmigratedByUsername returns the legacy account whose name matches
// username after normalization, or nil.
func (r *Resolver) FindUnmigratedByUsername(ctx context.Context, username string) (*auth.User, error) {
	name, ok := auth.NormalizeUsername(username)
	if !ok {
		return nil, nil
	}
	u, err := r.users.FindUnmigratedByUsername(ctx, name)
	if err != nil {
		return nil, fmt.Errorf("find legacy account by username: %w", err)
	}
	return u, nil
}

// FindUnmigratedByEmail returns the earliest-registered legacy account with
// the given email, or nil.
func (r *Resolver) FindUnmigratedByEmail(ctx context.Context, email string) (*auth.User, error) {
	if email == "" {
		return nil, nil
	}
	u, err := r.users.FindUnmigratedByEmail(ctx, email)
	if err != nil {
		return nil, fmt.Errorf("find legacy account by email: %w", err)
	}
	return u, nil
}

// Attach binds subject and issuer to the account, overwriting any previous
// binding.
func (r *Resolver) Attach(ctx context.Context, userID, subject, issuer string) error {
	if subject == "" || issuer == "" {
		return fmt.Errorf("attach identity to %s: empty subject or issuer", userID)
	}
	if err := r.users.SetFederatedIdentity(ctx, userID, subject, issuer); err != nil {
		return fmt.Errorf("attach identity to %s: %w", userID, err)
	}
	return nil
}

// CreateStaged creates user bound to the identity staged in sess by a login
// that ended in a new account. The account and its identity are written in
// one store call, so a conflict leaves no unbound account behind. The
// staged values are removed from the session.
func (r *Resolver) CreateStaged(ctx context.Context, user *auth.User, sess *auth.Session) error {
	subject, issuer, ok, err := sess.TakeStagedIdentity(ctx)
	if err != nil {
		return err
	}
	if !ok || subject == "" || issuer == "" {
		return ErrNoStagedIdentity
	}
	user.Subject, user.Issuer = subject, issuer
	if err := r.users.Create(ctx, user); err != nil {
		user.Subject, user.Issuer = "", ""
		return fmt.Errorf("create account %s: %w", user.Username, err)
	}
	return nil
}
