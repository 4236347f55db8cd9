//go:build sqlite

package audit

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	sqlitestore "fedauth/internal/storage/sqlite"
)

func TestSQLiteAuditLogger(t *testing.T) {
	ctx := context.Background()
	db, err := sqlitestore.Open(ctx, "file:"+filepath.Join(t.TempDir(), "audit.db"))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer db.Close()

	l := NewSQLiteAuditLoggerFromDB(db)
	base := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	for i, e := range []*AuditEvent{
		{Action: ActionMigrate, UserID: "u1", Issuer: "https://idp", Subject: "s1", Detail: "email"},
		{Action: ActionGroupAdd, UserID: "u1", Detail: "oidc_admin"},
		{Action: ActionLogin, UserID: "u2"},
	} {
		e.Timestamp = base.Add(time.Duration(i) * time.Minute)
		if err := l.Log(ctx, e); err != nil {
			t.Fatalf("Log: %v", err)
		}
	}

	all, total, err := l.List(ctx, ListOptions{})
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if total != 3 || len(all) != 3 || all[0].UserID != "u2" {
		t.Fatalf("List() = %+v, total %d", all, total)
	}
	if !all[2].Timestamp.Equal(base) || all[2].Detail != "email" || all[2].Subject != "s1" {
		t.Errorf("round-tripped event = %+v", all[2])
	}

	byUser, total, err := l.List(ctx, ListOptions{UserID: "u1", Limit: 1})
	if err != nil {
		t.Fatalf("List by user: %v", err)
	}
	if total != 2 || len(byUser) != 1 || byUser[0].Action != ActionGroupAdd {
		t.Errorf("List(user u1, limit 1) = %+v, total %d", byUser, total)
	}

	byIssuer, total, _ := l.List(ctx, ListOptions{Issuer: "https://idp"})
	if total != 1 || byIssuer[0].Action != ActionMigrate {
		t.Errorf("List(issuer) = %+v, total %d", byIssuer, total)
	}

	since := base.Add(30 * time.Second)
	recent, total, _ := l.List(ctx, ListOptions{Since: &since, Action: ActionLogin})
	if total != 1 || recent[0].UserID != "u2" {
		t.Errorf("List(since, login) = %+v, total %d", recent, total)
	}
}
