package http

import (
	"context"
	"errors"
	"testing"
	"time"

	"fedauth/internal/auth"
	"fedauth/internal/federation"
)

func TestProvisioner_IdentityConflictLeavesNoAccount(t *testing.T) {
	ctx := context.Background()
	users := auth.NewMemoryUserStore()
	if err := users.Create(ctx, &auth.User{
		ID: "a", Username: "Alice", Subject: "sub-1", Issuer: testIssuer, IsActive: true, RegisteredAt: time.Now(),
	}); err != nil {
		t.Fatal(err)
	}
	sess := auth.NewSession("sid", auth.NewMemoryAttributeStore(time.Hour))
	if err := sess.StageIdentity(ctx, "sub-1", testIssuer); err != nil {
		t.Fatal(err)
	}

	p := NewProvisioner(users, federation.NewResolver(users), nil, nil, newTestLogger())
	_, err := p.Complete(ctx, sess, federation.Result{
		Phase:      federation.PhaseResolved,
		Issuer:     testIssuer,
		Subject:    "sub-1",
		Username:   "Alice1",
		NewAccount: true,
	})
	if !errors.Is(err, auth.ErrIdentityTaken) {
		t.Fatalf("Complete = %v, want ErrIdentityTaken", err)
	}
	if u, _ := users.GetByUsername(ctx, "Alice1"); u != nil {
		t.Errorf("account left behind after failed provisioning: %+v", u)
	}
	if u, _ := users.FindUnmigratedByUsername(ctx, "Alice1"); u != nil {
		t.Errorf("failed provisioning produced a migratable account: %+v", u)
	}
}

func TestProvisioner_CreatesBoundAccount(t *testing.T) {
	ctx := context.Background()
	users := auth.NewMemoryUserStore()
	sess := auth.NewSession("sid", auth.NewMemoryAttributeStore(time.Hour))
	if err := sess.StageIdentity(ctx, "sub-2", testIssuer); err != nil {
		t.Fatal(err)
	}

	p := NewProvisioner(users, federation.NewResolver(users), nil, nil, newTestLogger())
	u, err := p.Complete(ctx, sess, federation.Result{Phase: federation.PhaseResolved, Username: "Bob", NewAccount: true})
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if u.Subject != "sub-2" || u.Issuer != testIssuer || u.LastLoginAt == nil {
		t.Errorf("account = %+v", u)
	}
	if id, _ := sess.UserID(ctx); id != u.ID {
		t.Errorf("session bound to %q, want %q", id, u.ID)
	}
}
