package auth

import (
	"context"
	"sort"
	"sync"
	"testing"
	"time"
)

func TestMemoryAttributeStore_GetSetRemove(t *testing.T) {
	store := NewMemoryAttributeStore(time.Hour)
	ctx := context.Background()

	if _, ok, err := store.Get(ctx, "s1", "k"); err != nil || ok {
		t.Fatalf("Get on empty store = ok %v, err %v", ok, err)
	}
	if err := store.Set(ctx, "s1", "k", []byte("v")); err != nil {
		t.Fatalf("Set: %v", err)
	}
	got, ok, err := store.Get(ctx, "s1", "k")
	if err != nil || !ok || string(got) != "v" {
		t.Fatalf("Get = %q, %v, %v", got, ok, err)
	}
	if _, ok, _ := store.Get(ctx, "s2", "k"); ok {
		t.Error("attributes leaked across sessions")
	}

	got[0] = 'x'
	again, _, _ := store.Get(ctx, "s1", "k")
	if string(again) != "v" {
		t.Error("Get returned shared storage")
	}

	if err := store.Remove(ctx, "s1", "k", "missing"); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	if _, ok, _ := store.Get(ctx, "s1", "k"); ok {
		t.Error("key survived Remove")
	}
	if err := store.Remove(ctx, "nobody", "k"); err != nil {
		t.Errorf("Remove on unknown session: %v", err)
	}
	if err := store.Set(ctx, "", "k", nil); err != ErrInvalidSession {
		t.Errorf("Set with empty sid err = %v, want ErrInvalidSession", err)
	}
}

func TestMemoryAttributeStore_Expiry(t *testing.T) {
	store := NewMemoryAttributeStore(time.Minute)
	now := time.Now()
	store.now = func() time.Time { return now }
	ctx := context.Background()

	_ = store.Set(ctx, "old", "k", []byte("v"))
	now = now.Add(2 * time.Minute)
	_ = store.Set(ctx, "fresh", "k", []byte("v"))

	if _, ok, _ := store.Get(ctx, "old", "k"); ok {
		t.Error("expired session still readable")
	}
	n, err := store.Cleanup(ctx)
	if err != nil {
		t.Fatalf("Cleanup: %v", err)
	}
	if n != 1 {
		t.Errorf("Cleanup removed %d, want 1", n)
	}
	if _, ok, _ := store.Get(ctx, "fresh", "k"); !ok {
		t.Error("live session removed by Cleanup")
	}
}

func TestMemoryAttributeStore_Concurrent(t *testing.T) {
	store := NewMemoryAttributeStore(time.Hour)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			sid := string(rune('a' + i%5))
			_ = store.Set(ctx, sid, "k", []byte{byte(i)})
			_, _, _ = store.Get(ctx, sid, "k")
			if i%7 == 0 {
				_ = store.Clear(ctx, sid)
			}
		}(i)
	}
	wg.Wait()
}

func TestSession_PendingIssuer(t *testing.T) {
	sess := NewSession("sid", NewMemoryAttributeStore(0))
	ctx := context.Background()

	if got, _ := sess.PendingIssuer(ctx); got != "" {
		t.Errorf("PendingIssuer() = %q, want empty", got)
	}
	if err := sess.SetPendingIssuer(ctx, "https://idp"); err != nil {
		t.Fatalf("SetPendingIssuer: %v", err)
	}
	if got, _ := sess.PendingIssuer(ctx); got != "https://idp" {
		t.Errorf("PendingIssuer() = %q", got)
	}
	if err := sess.ClearPendingIssuer(ctx); err != nil {
		t.Fatalf("ClearPendingIssuer: %v", err)
	}
	if got, _ := sess.PendingIssuer(ctx); got != "" {
		t.Errorf("PendingIssuer() after clear = %q", got)
	}
}

func TestSession_StagedIdentity(t *testing.T) {
	store := NewMemoryAttributeStore(0)
	sess := NewSession("sid", store)
	ctx := context.Background()

	if _, _, ok, err := sess.TakeStagedIdentity(ctx); err != nil || ok {
		t.Fatalf("TakeStagedIdentity on empty = %v, %v", ok, err)
	}
	if err := sess.StageIdentity(ctx, "sub-1", "https://idp"); err != nil {
		t.Fatalf("StageIdentity: %v", err)
	}
	sub, iss, ok, err := sess.TakeStagedIdentity(ctx)
	if err != nil || !ok || sub != "sub-1" || iss != "https://idp" {
		t.Fatalf("TakeStagedIdentity = %q, %q, %v, %v", sub, iss, ok, err)
	}
	if _, _, ok, _ := sess.TakeStagedIdentity(ctx); ok {
		t.Error("staged identity survived Take")
	}
}

func TestSession_AccessToken(t *testing.T) {
	store := NewMemoryAttributeStore(0)
	sess := NewSession("sid", store)
	ctx := context.Background()

	if claims, err := sess.AccessToken(ctx); err != nil || claims != nil {
		t.Fatalf("AccessToken on empty = %v, %v", claims, err)
	}
	in := map[string]any{
		"sub":          "sub-1",
		"realm_access": map[string]any{"roles": []any{"a", "b"}},
	}
	if err := sess.SetAccessToken(ctx, in); err != nil {
		t.Fatalf("SetAccessToken: %v", err)
	}
	out, err := sess.AccessToken(ctx)
	if err != nil {
		t.Fatalf("AccessToken: %v", err)
	}
	roles := out["realm_access"].(map[string]any)["roles"].([]any)
	if len(roles) != 2 || out["sub"] != "sub-1" {
		t.Errorf("AccessToken() = %#v", out)
	}

	_ = store.Set(ctx, "sid", keyAccessToken, []byte("{broken"))
	if _, err := sess.AccessToken(ctx); err == nil {
		t.Error("expected decode error")
	}
}

func TestSession_Clear(t *testing.T) {
	store := NewMemoryAttributeStore(0)
	sess := NewSession("sid", store)
	ctx := context.Background()

	_ = sess.SetPendingIssuer(ctx, "iss")
	_ = sess.StageIdentity(ctx, "sub", "iss")
	_ = sess.SetUserID(ctx, "u1")
	keys := store.Keys("sid")
	sort.Strings(keys)
	if len(keys) != 4 {
		t.Fatalf("keys = %v", keys)
	}
	if err := sess.Clear(ctx); err != nil {
		t.Fatalf("Clear: %v", err)
	}
	if keys := store.Keys("sid"); len(keys) != 0 {
		t.Errorf("keys after Clear = %v", keys)
	}
}

func TestGenerateSessionID(t *testing.T) {
	ids := make(map[string]bool)
	for i := 0; i < 100; i++ {
		id, err := GenerateSessionID()
		if err != nil {
			t.Fatalf("GenerateSessionID: %v", err)
		}
		if len(id) != SessionIDLength*2 {
			t.Errorf("len(id) = %d, want %d", len(id), SessionIDLength*2)
		}
		if ids[id] {
			t.Fatalf("duplicate session ID %q", id)
		}
		ids[id] = true
	}
}

func TestSessionContext(t *testing.T) {
	if SessionFromContext(context.Background()) != nil {
		t.Error("expected nil session")
	}
	sess := NewSession("sid", NewMemoryAttributeStore(0))
	ctx := ContextWithSession(context.Background(), sess)
	if got := SessionFromContext(ctx); got != sess {
		t.Error("session not round-tripped through context")
	}
	if ContextWithSession(ctx, nil) != ctx {
		t.Error("nil session should leave context unchanged")
	}
}

func TestSession_Rotate(t *testing.T) {
	store := NewMemoryAttributeStore(time.Hour)
	ctx := context.Background()
	sess := NewSession("old", store)
	if err := sess.SetUserID(ctx, "u1"); err != nil {
		t.Fatal(err)
	}
	if err := sess.SetAccessToken(ctx, map[string]any{"sub": "s"}); err != nil {
		t.Fatal(err)
	}

	id, err := sess.Rotate(ctx)
	if err != nil {
		t.Fatalf("Rotate: %v", err)
	}
	if id == "old" || sess.ID() != id || len(id) != SessionIDLength*2 {
		t.Fatalf("rotated id = %q, session id %q", id, sess.ID())
	}
	if ok, _ := store.Exists(ctx, "old"); ok {
		t.Error("previous id still resolves")
	}
	if uid, _ := sess.UserID(ctx); uid != "u1" {
		t.Errorf("user id after rotation = %q", uid)
	}
	if tok, _ := sess.AccessToken(ctx); tok["sub"] != "s" {
		t.Errorf("access token after rotation = %v", tok)
	}
}

func TestMemoryAttributeStore_ExistsHonoursExpiry(t *testing.T) {
	store := NewMemoryAttributeStore(time.Minute)
	now := time.Now()
	store.now = func() time.Time { return now }
	ctx := context.Background()

	if ok, _ := store.Exists(ctx, "s"); ok {
		t.Error("empty store reports a session")
	}
	_ = store.Set(ctx, "s", "k", []byte("v"))
	if ok, _ := store.Exists(ctx, "s"); !ok {
		t.Error("live session not found")
	}
	now = now.Add(2 * time.Minute)
	if ok, _ := store.Exists(ctx, "s"); ok {
		t.Error("expired session still exists")
	}
	if err := store.Rename(ctx, "missing", "other"); err != nil {
		t.Errorf("Rename of missing session = %v", err)
	}
}
