package auth

import (
	"context"
	"errors"
	"reflect"
	"testing"
	"time"
)

func seedUser(t *testing.T, s UserStore, id, username, email string, registered time.Time) {
	t.Helper()
	err := s.Create(context.Background(), &User{
		ID:           id,
		Username:     username,
		Email:        email,
		IsActive:     true,
		RegisteredAt: registered,
		UpdatedAt:    registered,
	})
	if err != nil {
		t.Fatalf("Create(%s): %v", id, err)
	}
}

func TestMemoryUserStore_CreateGet(t *testing.T) {
	s := NewMemoryUserStore()
	ctx := context.Background()
	now := time.Now().UTC()

	seedUser(t, s, "u1", "Alice", "alice@example.org", now)

	if err := s.Create(ctx, &User{ID: "u2", Username: "Alice"}); !errors.Is(err, ErrUserExists) {
		t.Errorf("duplicate username err = %v, want ErrUserExists", err)
	}
	if err := s.Create(ctx, &User{ID: "u1", Username: "Other"}); !errors.Is(err, ErrUserExists) {
		t.Errorf("duplicate id err = %v, want ErrUserExists", err)
	}
	if err := s.Create(ctx, &User{Username: "x"}); !errors.Is(err, ErrInvalidUser) {
		t.Errorf("missing id err = %v, want ErrInvalidUser", err)
	}

	u, err := s.GetByUsername(ctx, "Alice")
	if err != nil || u == nil || u.ID != "u1" {
		t.Fatalf("GetByUsername = %+v, %v", u, err)
	}
	u.Username = "mutated"
	again, _ := s.GetByID(ctx, "u1")
	if again.Username != "Alice" {
		t.Error("GetByID returned shared storage")
	}
	if u, _ := s.GetByID(ctx, "missing"); u != nil {
		t.Error("expected nil for missing ID")
	}
}

func TestMemoryUserStore_FederatedIdentity(t *testing.T) {
	s := NewMemoryUserStore()
	ctx := context.Background()
	now := time.Now().UTC()
	seedUser(t, s, "u1", "Alice", "", now)
	seedUser(t, s, "u2", "Bob", "", now)

	if u, _ := s.FindBySubjectIssuer(ctx, "sub-a", "https://idp"); u != nil {
		t.Fatal("legacy account matched a federated identity")
	}
	if err := s.SetFederatedIdentity(ctx, "u1", "sub-a", "https://idp"); err != nil {
		t.Fatalf("SetFederatedIdentity: %v", err)
	}
	u, err := s.FindBySubjectIssuer(ctx, "sub-a", "https://idp")
	if err != nil || u == nil || u.ID != "u1" {
		t.Fatalf("FindBySubjectIssuer = %+v, %v", u, err)
	}
	if u, _ := s.FindBySubjectIssuer(ctx, "sub-a", "https://other"); u != nil {
		t.Error("issuer must match exactly")
	}
	if err := s.SetFederatedIdentity(ctx, "u2", "sub-a", "https://idp"); !errors.Is(err, ErrIdentityTaken) {
		t.Errorf("rebinding identity err = %v, want ErrIdentityTaken", err)
	}
	if err := s.SetFederatedIdentity(ctx, "missing", "s", "i"); !errors.Is(err, ErrUserNotFound) {
		t.Errorf("unknown user err = %v, want ErrUserNotFound", err)
	}

	if err := s.SetFederatedIdentity(ctx, "u1", "sub-b", "https://idp"); err != nil {
		t.Fatalf("overwrite identity: %v", err)
	}
	if u, _ := s.FindBySubjectIssuer(ctx, "sub-a", "https://idp"); u != nil {
		t.Error("old identity still resolves after overwrite")
	}
}

func TestMemoryUserStore_FindUnmigrated(t *testing.T) {
	s := NewMemoryUserStore()
	ctx := context.Background()
	base := time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC)

	seedUser(t, s, "newer", "Shared2", "shared@example.org", base.Add(time.Hour))
	seedUser(t, s, "older", "Shared1", "shared@example.org", base)
	seedUser(t, s, "bound", "Bound", "bound@example.org", base.Add(-time.Hour))
	if err := s.SetFederatedIdentity(ctx, "bound", "sub", "iss"); err != nil {
		t.Fatal(err)
	}

	u, err := s.FindUnmigratedByEmail(ctx, "shared@example.org")
	if err != nil || u == nil || u.ID != "older" {
		t.Fatalf("FindUnmigratedByEmail = %+v, %v; want older", u, err)
	}
	if u, _ := s.FindUnmigratedByEmail(ctx, "bound@example.org"); u != nil {
		t.Error("federated account matched email migration")
	}
	if u, _ := s.FindUnmigratedByEmail(ctx, ""); u != nil {
		t.Error("empty email matched")
	}

	if u, _ := s.FindUnmigratedByUsername(ctx, "Shared2"); u == nil || u.ID != "newer" {
		t.Errorf("FindUnmigratedByUsername = %+v", u)
	}
	if u, _ := s.FindUnmigratedByUsername(ctx, "Bound"); u != nil {
		t.Error("federated account matched username migration")
	}
}

func TestMemoryUserStore_Groups(t *testing.T) {
	s := NewMemoryUserStore()
	ctx := context.Background()
	seedUser(t, s, "u1", "Alice", "", time.Now())

	for _, g := range []string{"oidc_b", "editors", "oidc_a", "oidc_a"} {
		if err := s.AddGroup(ctx, "u1", g); err != nil {
			t.Fatalf("AddGroup(%s): %v", g, err)
		}
	}
	got, _ := s.ListGroups(ctx, "u1")
	if want := []string{"editors", "oidc_a", "oidc_b"}; !reflect.DeepEqual(got, want) {
		t.Errorf("ListGroups = %v, want %v", got, want)
	}
	if err := s.RemoveGroup(ctx, "u1", "oidc_b"); err != nil {
		t.Fatal(err)
	}
	if err := s.RemoveGroup(ctx, "u1", "never"); err != nil {
		t.Errorf("removing absent group: %v", err)
	}
	got, _ = s.ListGroups(ctx, "u1")
	if want := []string{"editors", "oidc_a"}; !reflect.DeepEqual(got, want) {
		t.Errorf("ListGroups = %v, want %v", got, want)
	}
	if err := s.AddGroup(ctx, "ghost", "g"); !errors.Is(err, ErrUserNotFound) {
		t.Errorf("AddGroup for unknown user err = %v", err)
	}
}

func TestMemoryUserStore_ListAndLastLogin(t *testing.T) {
	s := NewMemoryUserStore()
	ctx := context.Background()
	base := time.Date(2021, 6, 1, 0, 0, 0, 0, time.UTC)
	seedUser(t, s, "a", "A", "", base)
	seedUser(t, s, "b", "B", "", base.Add(time.Hour))

	users, _ := s.List(ctx)
	if len(users) != 2 || users[0].ID != "b" {
		t.Errorf("List order = %v", users)
	}

	at := base.Add(2 * time.Hour)
	if err := s.UpdateLastLogin(ctx, "a", at); err != nil {
		t.Fatal(err)
	}
	u, _ := s.GetByID(ctx, "a")
	if u.LastLoginAt == nil || !u.LastLoginAt.Equal(at) {
		t.Errorf("LastLoginAt = %v", u.LastLoginAt)
	}
	if err := s.UpdateLastLogin(ctx, "zzz", at); !errors.Is(err, ErrUserNotFound) {
		t.Errorf("UpdateLastLogin unknown err = %v", err)
	}
}
