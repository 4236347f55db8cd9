// Package testutil runs the whole login flow in tests: a mock OpenID
// provider and a fedauth server wired the way the binary wires it, with
// in-memory stores.
package testutil

import (
	"crypto/rand"
	"crypto/rsa"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/cookiejar"
	"net/http/httptest"
	"net/url"
	"sync"
	"testing"
	"time"

	"github.com/go-jose/go-jose/v4"
	"github.com/go-jose/go-jose/v4/jwt"

	"fedauth/internal/audit"
	"fedauth/internal/auth"
	"fedauth/internal/auth/oidc"
	"fedauth/internal/domain"
	"fedauth/internal/federation"
	fedhttp "fedauth/internal/http"
	"fedauth/internal/observability"
)

const (
	// ClientID and ClientSecret are the credentials the Provider accepts.
	ClientID     = "fedauth-test"
	ClientSecret = "fedauth-secret"
)

// Identity is the user the Provider authenticates.
type Identity struct {
	Subject           string
	PreferredUsername string
	Email             string
	Name              string
	Roles             []string
}

// Provider is an OpenID provider serving discovery, JWKS, authorize, token
// and userinfo. Its authorize endpoint logs the current Identity in without
// interaction.
type Provider struct {
	Server *httptest.Server
	key    *rsa.PrivateKey

	mu       sync.Mutex
	identity Identity
	nonces   map[string]string
}

// NewProvider starts a Provider that authenticates id.
func NewProvider(t *testing.T, id Identity) *Provider {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate RSA key: %v", err)
	}
	p := &Provider{key: key, identity: id, nonces: map[string]string{}}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /.well-known/openid-configuration", p.handleDiscovery)
	mux.HandleFunc("GET /keys", p.handleKeys)
	mux.HandleFunc("GET /authorize", p.handleAuthorize)
	mux.HandleFunc("POST /token", p.handleToken)
	mux.HandleFunc("GET /userinfo", p.handleUserInfo)
	p.Server = httptest.NewServer(mux)
	t.Cleanup(p.Server.Close)
	return p
}

// Issuer returns the provider's issuer URL.
func (p *Provider) Issuer() string { return p.Server.URL }

// SetIdentity changes the user subsequent logins authenticate as.
func (p *Provider) SetIdentity(id Identity) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.identity = id
}

func (p *Provider) current() Identity {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.identity
}

func (p *Provider) handleDiscovery(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, map[string]any{
		"issuer":                                p.Issuer(),
		"authorization_endpoint":                p.Issuer() + "/authorize",
		"token_endpoint":                        p.Issuer() + "/token",
		"jwks_uri":                              p.Issuer() + "/keys",
		"userinfo_endpoint":                     p.Issuer() + "/userinfo",
		"id_token_signing_alg_values_supported": []string{"RS256"},
		"subject_types_supported":               []string{"public"},
		"response_types_supported":              []string{"code"},
	})
}

func (p *Provider) handleKeys(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, jose.JSONWebKeySet{Keys: []jose.JSONWebKey{{
		Key:       &p.key.PublicKey,
		KeyID:     "test-key-1",
		Algorithm: string(jose.RS256),
		Use:       "sig",
	}}})
}

func (p *Provider) handleAuthorize(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	if q.Get("client_id") != ClientID {
		http.Error(w, "unknown client", http.StatusBadRequest)
		return
	}
	redirectURI, err := url.Parse(q.Get("redirect_uri"))
	if err != nil || redirectURI.Host == "" {
		http.Error(w, "invalid redirect_uri", http.StatusBadRequest)
		return
	}
	code := fmt.Sprintf("code-%d", time.Now().UnixNano())
	p.mu.Lock()
	p.nonces[code] = q.Get("nonce")
	p.mu.Unlock()

	back := redirectURI.Query()
	back.Set("code", code)
	back.Set("state", q.Get("state"))
	redirectURI.RawQuery = back.Encode()
	http.Redirect(w, r, redirectURI.String(), http.StatusFound)
}

func (p *Provider) handleToken(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		http.Error(w, "invalid form", http.StatusBadRequest)
		return
	}
	p.mu.Lock()
	nonce, ok := p.nonces[r.PostForm.Get("code")]
	delete(p.nonces, r.PostForm.Get("code"))
	p.mu.Unlock()
	if !ok {
		http.Error(w, `{"error":"invalid_grant"}`, http.StatusBadRequest)
		return
	}

	id := p.current()
	now := time.Now()
	idToken, err := p.sign(jwt.Claims{
		Issuer:    p.Issuer(),
		Subject:   id.Subject,
		Audience:  jwt.Audience{ClientID},
		IssuedAt:  jwt.NewNumericDate(now),
		Expiry:    jwt.NewNumericDate(now.Add(time.Hour)),
		NotBefore: jwt.NewNumericDate(now.Add(-time.Minute)),
	}, map[string]any{"nonce": nonce, "email": id.Email, "name": id.Name})
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	accessToken, err := p.sign(jwt.Claims{
		Issuer:  p.Issuer(),
		Subject: id.Subject,
		Expiry:  jwt.NewNumericDate(now.Add(time.Hour)),
	}, map[string]any{"realm_access": map[string]any{"roles": id.Roles}})
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, map[string]any{
		"access_token": accessToken,
		"token_type":   "Bearer",
		"id_token":     idToken,
		"expires_in":   3600,
	})
}

func (p *Provider) handleUserInfo(w http.ResponseWriter, _ *http.Request) {
	id := p.current()
	writeJSON(w, map[string]any{
		"sub":                id.Subject,
		"preferred_username": id.PreferredUsername,
		"email":              id.Email,
		"name":               id.Name,
	})
}

func (p *Provider) sign(claims jwt.Claims, extra map[string]any) (string, error) {
	signer, err := jose.NewSigner(
		jose.SigningKey{Algorithm: jose.RS256, Key: p.key},
		(&jose.SignerOptions{}).WithType("JWT").WithHeader("kid", "test-key-1"),
	)
	if err != nil {
		return "", fmt.Errorf("create signer: %w", err)
	}
	return jwt.Signed(signer).Claims(claims).Claims(extra).Serialize()
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

// TestServerConfig holds configuration for creating a test server.
type TestServerConfig struct {
	// Settings are the federation switches.
	Settings domain.FederationSettings
	// Issuer customizes the provider's issuer config before the server starts.
	Issuer func(*domain.IssuerConfig)
	// RateLimit configures the login limiter; zero disables it.
	RateLimit fedhttp.RateLimitConfig
	// EnableMetrics enables metrics collection.
	EnableMetrics bool
}

// TestServerComponents holds everything NewTestServer created.
type TestServerComponents struct {
	Server   *httptest.Server
	Provider *Provider
	Users    *auth.MemoryUserStore
	Sessions *auth.MemoryAttributeStore
	Audit    *audit.MemoryAuditLogger
	Metrics  *observability.Metrics
	Logger   observability.Logger
}

// NewTestServer starts a Provider authenticating id and a fedauth server
// federated with it.
func NewTestServer(t *testing.T, id Identity, cfg TestServerConfig) *TestServerComponents {
	t.Helper()

	provider := NewProvider(t, id)
	logger := observability.NewLogger(observability.Config{
		Level:  "debug",
		Format: "json",
		Output: io.Discard,
	})
	var metrics *observability.Metrics
	if cfg.EnableMetrics {
		metrics = observability.NewMetrics(observability.MetricsConfig{
			Namespace: "fedauth_test",
			Version:   "test",
		})
	}

	issuerCfg := &domain.IssuerConfig{
		ClientID:     ClientID,
		ClientSecret: ClientSecret,
		GlobalRoles:  domain.RoleMappingRule{Property: domain.StringList{"realm_access", "roles"}},
	}
	if cfg.Issuer != nil {
		cfg.Issuer(issuerCfg)
	}
	issuers := domain.Issuers{provider.Issuer(): issuerCfg}

	users := auth.NewMemoryUserStore()
	sessions := auth.NewMemoryAttributeStore(time.Hour)
	auditLogger := audit.NewMemoryAuditLogger(audit.WithMaxEvents(1000))

	// The redirect URL depends on the server's address, so the handler is
	// installed after the listener is up.
	var handler http.Handler
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		handler.ServeHTTP(w, r)
	}))
	t.Cleanup(server.Close)

	machine := federation.NewMachine(federation.MachineConfig{
		Issuers:   issuers,
		Settings:  cfg.Settings,
		Users:     users,
		NewClient: federation.NewClientFactory(server.URL+"/callback", oidc.NewDiscoveryCache(4, time.Minute)),
		Audit:     auditLogger,
		Metrics:   metrics,
		Logger:    logger,
	})
	groupSync := federation.NewGroupSync(federation.GroupSyncConfig{
		Users:   users,
		Groups:  users,
		Issuers: issuers,
		Audit:   auditLogger,
		Metrics: metrics,
		Logger:  logger,
	})
	handler = fedhttp.NewServer(fedhttp.Config{
		Machine:   machine,
		Users:     users,
		Groups:    users,
		GroupSync: groupSync,
		Sessions:  sessions,
		Cookie:    fedhttp.CookieConfig{Name: "fedauth_sid", TTL: time.Hour},
		RateLimit: cfg.RateLimit,
		Audit:     auditLogger,
		Metrics:   metrics,
		Logger:    logger,
	}).Handler()

	return &TestServerComponents{
		Server:   server,
		Provider: provider,
		Users:    users,
		Sessions: sessions,
		Audit:    auditLogger,
		Metrics:  metrics,
		Logger:   logger,
	}
}

// HTTPClient returns a client with its own cookie jar, i.e. a fresh browser.
// It follows redirects through the provider and back.
func (c *TestServerComponents) HTTPClient(t *testing.T) *http.Client {
	t.Helper()
	jar, err := cookiejar.New(nil)
	if err != nil {
		t.Fatalf("cookie jar: %v", err)
	}
	return &http.Client{Jar: jar, Timeout: 10 * time.Second}
}

// URL returns the full URL for a path on the fedauth server.
func (c *TestServerComponents) URL(path string) string {
	return c.Server.URL + path
}

// DoRequest executes a request and fails the test on transport errors.
func DoRequest(t *testing.T, client *http.Client, req *http.Request) *http.Response {
	t.Helper()
	resp, err := client.Do(req)
	if err != nil {
		t.Fatalf("request %s %s failed: %v", req.Method, req.URL, err)
	}
	t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

// Get issues a GET with client.
func Get(t *testing.T, client *http.Client, url string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(http.MethodGet, url, nil)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	return DoRequest(t, client, req)
}

// AssertStatus checks the HTTP status code.
func AssertStatus(t *testing.T, got, expected int) {
	t.Helper()
	if got != expected {
		t.Errorf("expected status %d, got %d", expected, got)
	}
}

// ReadJSONResponse decodes the response body into v.
func ReadJSONResponse(t *testing.T, resp *http.Response, v any) {
	t.Helper()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	if err := json.Unmarshal(body, v); err != nil {
		t.Fatalf("decode JSON %q: %v", body, err)
	}
}
