// Package oidc implements the provider side of a federated login: the
// authorization-code exchange, claim lookup, and sealing of client secrets.
package oidc

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sort"
	"time"

	gooidc "github.com/coreos/go-oidc/v3/oidc"
	"github.com/go-jose/go-jose/v4"
	"github.com/go-jose/go-jose/v4/jwt"
	"github.com/tidwall/gjson"
	"golang.org/x/oauth2"
)

// Flow-state keys written between the redirect and the callback.
const (
	StateKey = "oidc.state"
	NonceKey = "oidc.nonce"
)

var (
	ErrStateMismatch    = errors.New("oidc: state mismatch")
	ErrNonceMismatch    = errors.New("oidc: nonce mismatch")
	ErrProviderError    = errors.New("oidc: provider returned an error")
	ErrNoIDToken        = errors.New("oidc: no id_token in token response")
	ErrNotAuthenticated = errors.New("oidc: not authenticated")
)

// accessTokenAlgs are the signature algorithms accepted when decoding a JWT
// access token's payload.
var accessTokenAlgs = []jose.SignatureAlgorithm{
	jose.RS256, jose.RS384, jose.RS512,
	jose.PS256, jose.PS384, jose.PS512,
	jose.ES256, jose.ES384, jose.ES512,
	jose.EdDSA, jose.HS256, jose.HS384, jose.HS512,
}

// FlowState holds the per-browser values that link a callback to the
// redirect that started it.
type FlowState interface {
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key, value string) error
	Remove(ctx context.Context, keys ...string) error
}

// Status is the outcome of one Authenticate call.
type Status int

const (
	// StatusFailed means the attempt is over and nothing was authenticated.
	StatusFailed Status = iota
	// StatusRedirected means the browser was sent to the provider.
	StatusRedirected
	// StatusAuthenticated means the callback was verified and tokens are held.
	StatusAuthenticated
)

func (s Status) String() string {
	switch s {
	case StatusRedirected:
		return "redirected"
	case StatusAuthenticated:
		return "authenticated"
	default:
		return "failed"
	}
}

// Config identifies the provider and this relying party.
type Config struct {
	Issuer       string
	ClientID     string
	ClientSecret string
	RedirectURL  string
}

// Client runs one login attempt against one provider. It is constructed per
// request and is not safe for concurrent use.
type Client struct {
	cfg        Config
	state      FlowState
	cache      *DiscoveryCache
	scopes     []string
	authParams map[string]string
	proxy      string
	httpClient *http.Client

	token        *oauth2.Token
	idToken      *gooidc.IDToken
	idTokenJSON  []byte
	userInfoJSON []byte
}

// NewClient creates a client. cache may be nil to disable discovery caching.
func NewClient(cfg Config, state FlowState, cache *DiscoveryCache) *Client {
	return &Client{
		cfg:        cfg,
		state:      state,
		cache:      cache,
		scopes:     []string{gooidc.ScopeOpenID},
		authParams: map[string]string{},
	}
}

// AddAuthParams adds extra parameters to the authorization request.
func (c *Client) AddAuthParams(params map[string]string) {
	for k, v := range params {
		c.authParams[k] = v
	}
}

// AddScopes requests additional scopes. Duplicates are ignored.
func (c *Client) AddScopes(scopes ...string) {
	for _, s := range scopes {
		if s == "" || containsString(c.scopes, s) {
			continue
		}
		c.scopes = append(c.scopes, s)
	}
}

// Scopes returns the scopes that will be requested.
func (c *Client) Scopes() []string {
	return append([]string(nil), c.scopes...)
}

// SetHTTPProxy routes discovery, token and userinfo requests through proxy.
func (c *Client) SetHTTPProxy(proxy string) error {
	if proxy == "" {
		return nil
	}
	u, err := url.Parse(proxy)
	if err != nil || u.Host == "" {
		return fmt.Errorf("invalid proxy %q", proxy)
	}
	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.Proxy = http.ProxyURL(u)
	c.proxy = proxy
	c.httpClient = &http.Client{Transport: transport, Timeout: 30 * time.Second}
	return nil
}

func (c *Client) context(ctx context.Context) context.Context {
	if c.httpClient == nil {
		return ctx
	}
	return gooidc.ClientContext(ctx, c.httpClient)
}

func (c *Client) oauth2Config(p *gooidc.Provider) *oauth2.Config {
	return &oauth2.Config{
		ClientID:     c.cfg.ClientID,
		ClientSecret: c.cfg.ClientSecret,
		RedirectURL:  c.cfg.RedirectURL,
		Endpoint:     p.Endpoint(),
		Scopes:       c.scopes,
	}
}

// Authenticate advances the authorization-code flow for request r. A request
// without a code starts the flow by redirecting w to the provider; a request
// carrying a code completes it. Errors always come with StatusFailed.
func (c *Client) Authenticate(ctx context.Context, w http.ResponseWriter, r *http.Request) (Status, error) {
	ctx = c.context(ctx)
	provider, err := c.cache.Provider(ctx, c.cfg.Issuer, c.proxy)
	if err != nil {
		return StatusFailed, err
	}

	q := r.URL.Query()
	if e := q.Get("error"); e != "" {
		_ = c.state.Remove(ctx, StateKey, NonceKey)
		return StatusFailed, fmt.Errorf("%w: %s %s", ErrProviderError, e, q.Get("error_description"))
	}
	if code := q.Get("code"); code != "" {
		return c.callback(ctx, provider, code, q.Get("state"))
	}
	return c.redirect(ctx, provider, w, r)
}

func (c *Client) redirect(ctx context.Context, p *gooidc.Provider, w http.ResponseWriter, r *http.Request) (Status, error) {
	state, err := randomToken()
	if err != nil {
		return StatusFailed, err
	}
	nonce, err := randomToken()
	if err != nil {
		return StatusFailed, err
	}
	if err := c.state.Set(ctx, StateKey, state); err != nil {
		return StatusFailed, fmt.Errorf("store state: %w", err)
	}
	if err := c.state.Set(ctx, NonceKey, nonce); err != nil {
		return StatusFailed, fmt.Errorf("store nonce: %w", err)
	}

	opts := []oauth2.AuthCodeOption{gooidc.Nonce(nonce)}
	keys := make([]string, 0, len(c.authParams))
	for k := range c.authParams {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		opts = append(opts, oauth2.SetAuthURLParam(k, c.authParams[k]))
	}
	http.Redirect(w, r, c.oauth2Config(p).AuthCodeURL(state, opts...), http.StatusFound)
	return StatusRedirected, nil
}

func (c *Client) callback(ctx context.Context, p *gooidc.Provider, code, state string) (Status, error) {
	expected, err := c.state.Get(ctx, StateKey)
	if err != nil {
		return StatusFailed, fmt.Errorf("load state: %w", err)
	}
	nonce, err := c.state.Get(ctx, NonceKey)
	if err != nil {
		return StatusFailed, fmt.Errorf("load nonce: %w", err)
	}
	// A state value is single use whatever the outcome.
	if err := c.state.Remove(ctx, StateKey, NonceKey); err != nil {
		return StatusFailed, fmt.Errorf("clear state: %w", err)
	}
	if expected == "" || subtle.ConstantTimeCompare([]byte(expected), []byte(state)) != 1 {
		return StatusFailed, ErrStateMismatch
	}

	token, err := c.oauth2Config(p).Exchange(ctx, code)
	if err != nil {
		return StatusFailed, fmt.Errorf("token exchange: %w", err)
	}
	rawIDToken, ok := token.Extra("id_token").(string)
	if !ok || rawIDToken == "" {
		return StatusFailed, ErrNoIDToken
	}
	idToken, err := p.Verifier(&gooidc.Config{ClientID: c.cfg.ClientID}).Verify(ctx, rawIDToken)
	if err != nil {
		return StatusFailed, fmt.Errorf("verify id_token: %w", err)
	}
	if subtle.ConstantTimeCompare([]byte(idToken.Nonce), []byte(nonce)) != 1 {
		return StatusFailed, ErrNonceMismatch
	}
	var idClaims json.RawMessage
	if err := idToken.Claims(&idClaims); err != nil {
		return StatusFailed, fmt.Errorf("extract claims: %w", err)
	}

	c.token = token
	c.idToken = idToken
	c.idTokenJSON = idClaims

	// Userinfo is optional; the ID token claims remain the fallback.
	if info, err := p.UserInfo(ctx, oauth2.StaticTokenSource(token)); err == nil {
		var raw json.RawMessage
		if info.Claims(&raw) == nil {
			c.userInfoJSON = raw
		}
	}
	return StatusAuthenticated, nil
}

// RequestUserInfo returns a userinfo claim as a string, falling back to the
// ID token. It returns "" for an absent claim or before authentication.
func (c *Client) RequestUserInfo(claim string) string {
	path := gjson.Escape(claim)
	for _, doc := range [][]byte{c.userInfoJSON, c.idTokenJSON} {
		if len(doc) == 0 {
			continue
		}
		if res := gjson.GetBytes(doc, path); res.Exists() && res.Type != gjson.Null {
			return res.String()
		}
	}
	return ""
}

// ProviderURL returns the issuer identifier the provider asserted in the ID
// token, or the configured issuer before authentication.
func (c *Client) ProviderURL() string {
	if c.idToken != nil {
		return c.idToken.Issuer
	}
	return c.cfg.Issuer
}

// AccessTokenPayload returns the access token's claims. The token was
// obtained directly from the token endpoint, so its signature is not
// checked again. An opaque access token yields the ID token claims instead.
func (c *Client) AccessTokenPayload() (Claims, error) {
	if c.token == nil {
		return nil, ErrNotAuthenticated
	}
	tok, err := jwt.ParseSigned(c.token.AccessToken, accessTokenAlgs)
	if err != nil {
		return ParseClaims(c.idTokenJSON)
	}
	var claims Claims
	if err := tok.UnsafeClaimsWithoutVerification(&claims); err != nil {
		return nil, fmt.Errorf("decode access token: %w", err)
	}
	return claims, nil
}

func randomToken() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generate token: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}

func containsString(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
