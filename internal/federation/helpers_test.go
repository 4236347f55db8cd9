package federation

import (
	"context"
	"io"
	"net/http"
	"testing"
	"time"

	"fedauth/internal/auth"
	"fedauth/internal/auth/oidc"
	"fedauth/internal/domain"
	"fedauth/internal/observability"
)

func quietLogger() observability.Logger {
	return observability.NewLogger(observability.Config{Level: "error", Output: io.Discard})
}

func seedUser(t *testing.T, s auth.UserStore, id, username, email string, registered time.Time) {
	t.Helper()
	err := s.Create(context.Background(), &auth.User{
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

func newSession(t *testing.T) (*auth.Session, *auth.MemoryAttributeStore) {
	t.Helper()
	store := auth.NewMemoryAttributeStore(time.Hour)
	return auth.NewSession("sid-1", store), store
}

// fakeClient stands in for the provider client. With status
// StatusRedirected it writes a 302 to the provider.
type fakeClient struct {
	status      oidc.Status
	err         error
	panicWith   any
	info        map[string]string
	providerURL string
	payload     oidc.Claims

	issuer     string
	authParams map[string]string
	scopes     []string
	proxy      string
	calls      int
}

func (c *fakeClient) AddAuthParams(params map[string]string) {
	if c.authParams == nil {
		c.authParams = map[string]string{}
	}
	for k, v := range params {
		c.authParams[k] = v
	}
}

func (c *fakeClient) AddScopes(scopes ...string) { c.scopes = append(c.scopes, scopes...) }

func (c *fakeClient) SetHTTPProxy(proxy string) error {
	c.proxy = proxy
	return nil
}

func (c *fakeClient) Authenticate(_ context.Context, w http.ResponseWriter, r *http.Request) (oidc.Status, error) {
	c.calls++
	if c.panicWith != nil {
		panic(c.panicWith)
	}
	if c.status == oidc.StatusRedirected {
		http.Redirect(w, r, "https://idp.example.com/authorize", http.StatusFound)
	}
	return c.status, c.err
}

func (c *fakeClient) RequestUserInfo(claim string) string { return c.info[claim] }

func (c *fakeClient) ProviderURL() string { return c.providerURL }

func (c *fakeClient) AccessTokenPayload() (oidc.Claims, error) { return c.payload, nil }

func (c *fakeClient) factory() ClientFactory {
	return func(issuer string, _ *domain.IssuerConfig, _ oidc.FlowState) ProtocolClient {
		c.issuer = issuer
		return c
	}
}

// authenticatedClient returns a client that completes a callback for
// subject at https://idp.example.com.
func authenticatedClient(subject, preferred, email string) *fakeClient {
	return &fakeClient{
		status:      oidc.StatusAuthenticated,
		providerURL: "https://idp.example.com",
		info: map[string]string{
			"sub":                subject,
			"preferred_username": preferred,
			"name":               "Alice Liddell",
			"email":              email,
		},
		payload: oidc.Claims{
			"sub": subject,
			"iss": "https://idp.example.com",
			"realm_access": map[string]any{
				"roles": []any{"editor"},
			},
		},
	}
}

func usableIssuer() *domain.IssuerConfig {
	return &domain.IssuerConfig{ClientID: "client", ClientSecret: "secret"}
}
