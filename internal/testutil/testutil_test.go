package testutil_test

import (
	"context"
	"net/http"
	"net/url"
	"strings"
	"testing"
	"time"

	"fedauth/internal/audit"
	"fedauth/internal/auth"
	"fedauth/internal/domain"
	"fedauth/internal/testutil"
)

type loginBody struct {
	User       auth.User `json:"user"`
	Groups     []string  `json:"groups"`
	NewAccount bool      `json:"new_account"`
	MatchedBy  string    `json:"matched_by"`
}

var alice = testutil.Identity{
	Subject:           "user-123",
	PreferredUsername: "alice",
	Email:             "alice@example.com",
	Name:              "Alice Liddell",
	Roles:             []string{"editor", "viewer"},
}

func TestEndToEnd_NewAccountThenReturningLogin(t *testing.T) {
	c := testutil.NewTestServer(t, alice, testutil.TestServerConfig{EnableMetrics: true})
	browser := c.HTTPClient(t)

	resp := testutil.Get(t, browser, c.URL("/login"))
	testutil.AssertStatus(t, resp.StatusCode, http.StatusOK)
	var first loginBody
	testutil.ReadJSONResponse(t, resp, &first)
	if !first.NewAccount || first.User.Username != "Alice" {
		t.Fatalf("first login = %+v", first)
	}
	if first.User.Subject != "user-123" || first.User.Issuer != c.Provider.Issuer() {
		t.Errorf("identity not bound: %+v", first.User)
	}
	if strings.Join(first.Groups, ",") != "oidc_editor,oidc_viewer" {
		t.Errorf("groups = %v", first.Groups)
	}

	// A second browser logging in as the same subject lands on the same account.
	c.Provider.SetIdentity(testutil.Identity{Subject: "user-123", PreferredUsername: "renamed", Roles: []string{"viewer"}})
	other := c.HTTPClient(t)
	resp = testutil.Get(t, other, c.URL("/login"))
	testutil.AssertStatus(t, resp.StatusCode, http.StatusOK)
	var second loginBody
	testutil.ReadJSONResponse(t, resp, &second)
	if second.NewAccount || second.User.ID != first.User.ID || second.MatchedBy != "identity" {
		t.Errorf("returning login = %+v", second)
	}
	if strings.Join(second.Groups, ",") != "oidc_viewer" {
		t.Errorf("groups after role removal = %v", second.Groups)
	}

	resp = testutil.Get(t, browser, c.URL("/me"))
	testutil.AssertStatus(t, resp.StatusCode, http.StatusOK)

	users, _ := c.Users.List(context.Background())
	if len(users) != 1 {
		t.Errorf("accounts = %d, want 1", len(users))
	}
	events, _, _ := c.Audit.List(context.Background(), audit.ListOptions{Action: audit.ActionGroupRemove})
	if len(events) != 1 {
		t.Errorf("group_remove events = %d, want 1", len(events))
	}
}

func TestEndToEnd_MigratesLegacyAccountByEmail(t *testing.T) {
	c := testutil.NewTestServer(t, alice, testutil.TestServerConfig{
		Settings: domain.FederationSettings{MigrateUsersByEmail: true},
	})
	ctx := context.Background()
	legacy := &auth.User{ID: "legacy", Username: "Alice Liddell", Email: "alice@example.com", IsActive: true, RegisteredAt: time.Now().Add(-time.Hour)}
	if err := c.Users.Create(ctx, legacy); err != nil {
		t.Fatal(err)
	}

	resp := testutil.Get(t, c.HTTPClient(t), c.URL("/login"))
	testutil.AssertStatus(t, resp.StatusCode, http.StatusOK)
	var body loginBody
	testutil.ReadJSONResponse(t, resp, &body)
	if body.NewAccount || body.User.ID != "legacy" || body.MatchedBy != "email" {
		t.Errorf("login = %+v", body)
	}
	u, _ := c.Users.FindBySubjectIssuer(ctx, "user-123", c.Provider.Issuer())
	if u == nil || u.ID != "legacy" {
		t.Errorf("legacy account not migrated: %+v", u)
	}
}

func TestEndToEnd_ReturnToAndLogout(t *testing.T) {
	c := testutil.NewTestServer(t, alice, testutil.TestServerConfig{
		Settings: domain.FederationSettings{ForceLogout: true},
	})
	browser := c.HTTPClient(t)
	// Stop at the final redirect back into the application.
	browser.CheckRedirect = func(req *http.Request, via []*http.Request) error {
		if req.URL.Path == "/wiki/Main_Page" {
			return http.ErrUseLastResponse
		}
		return nil
	}

	resp := testutil.Get(t, browser, c.URL("/login?"+url.Values{"returnto": {"/wiki/Main_Page"}}.Encode()))
	testutil.AssertStatus(t, resp.StatusCode, http.StatusFound)
	if got := resp.Header.Get("Location"); got != "/wiki/Main_Page" {
		t.Errorf("Location = %q", got)
	}

	req, _ := http.NewRequest(http.MethodPost, c.URL("/logout"), nil)
	browser.CheckRedirect = func(*http.Request, []*http.Request) error { return http.ErrUseLastResponse }
	resp = testutil.DoRequest(t, browser, req)
	testutil.AssertStatus(t, resp.StatusCode, http.StatusFound)
	if got := resp.Header.Get("Location"); got != "/login?forcelogin=true" {
		t.Errorf("logout Location = %q", got)
	}

	resp = testutil.Get(t, browser, c.URL("/me"))
	testutil.AssertStatus(t, resp.StatusCode, http.StatusUnauthorized)
}

func TestEndToEnd_IncompleteIssuerFails(t *testing.T) {
	c := testutil.NewTestServer(t, alice, testutil.TestServerConfig{
		Issuer: func(ic *domain.IssuerConfig) { ic.ClientSecret = "" },
	})
	resp := testutil.Get(t, c.HTTPClient(t), c.URL("/login"))
	testutil.AssertStatus(t, resp.StatusCode, http.StatusUnauthorized)

	events, _, _ := c.Audit.List(context.Background(), audit.ListOptions{Action: audit.ActionLoginFailed})
	if len(events) != 1 {
		t.Errorf("login_failed events = %d", len(events))
	}
}
