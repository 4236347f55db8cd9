// Package federation drives federated login: issuer selection, the provider
// round trip, and resolving the remote identity to a local account.
package federation

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/getsentry/sentry-go"

	"fedauth/internal/audit"
	"fedauth/internal/auth"
	"fedauth/internal/auth/oidc"
	"fedauth/internal/domain"
	"fedauth/internal/observability"
)

var (
	// ErrUnknownIssuer means the session names an issuer that is not configured.
	ErrUnknownIssuer = errors.New("issuer is not configured")
	// ErrIncompleteIssuer means an issuer lacks its client id or secret.
	ErrIncompleteIssuer = errors.New("issuer configuration lacks client credentials")
	// ErrMissingSubject means the provider authenticated a user without a subject.
	ErrMissingSubject = errors.New("provider response has no subject")
)

// Phase is a step of the login flow.
type Phase int

const (
	PhaseNoAttempt Phase = iota
	PhaseAwaitingProviderSelection
	PhaseRedirectedToProvider
	PhaseCallbackReceived
	PhaseResolved
	PhaseFailed
)

func (p Phase) String() string {
	switch p {
	case PhaseNoAttempt:
		return "no_attempt"
	case PhaseAwaitingProviderSelection:
		return "awaiting_provider_selection"
	case PhaseRedirectedToProvider:
		return "redirected_to_provider"
	case PhaseCallbackReceived:
		return "callback_received"
	case PhaseResolved:
		return "resolved"
	case PhaseFailed:
		return "failed"
	default:
		return "phase(" + strconv.Itoa(int(p)) + ")"
	}
}

// How a resolved login found its account.
const (
	MatchIdentity = "identity"
	MatchEmail    = "email"
	MatchUsername = "username"
)

// Result describes where a login attempt ended.
type Result struct {
	Phase    Phase  `json:"phase"`
	Issuer   string `json:"issuer,omitempty"`
	Subject  string `json:"subject,omitempty"`
	UserID   string `json:"user_id,omitempty"`
	Username string `json:"username,omitempty"`
	RealName string `json:"real_name,omitempty"`
	Email    string `json:"email,omitempty"`
	// NewAccount is set when no account matched; the identity is staged in
	// the session until the account is created.
	NewAccount bool   `json:"new_account,omitempty"`
	MatchedBy  string `json:"matched_by,omitempty"`
	// ErrorMessage is a generic message safe to show to the browser.
	ErrorMessage string `json:"error,omitempty"`
}

// ProtocolClient performs the provider side of one login attempt.
type ProtocolClient interface {
	AddAuthParams(params map[string]string)
	AddScopes(scopes ...string)
	SetHTTPProxy(proxy string) error
	Authenticate(ctx context.Context, w http.ResponseWriter, r *http.Request) (oidc.Status, error)
	RequestUserInfo(claim string) string
	ProviderURL() string
	AccessTokenPayload() (oidc.Claims, error)
}

// ClientFactory builds a ProtocolClient for one attempt against issuer.
type ClientFactory func(issuer string, cfg *domain.IssuerConfig, state oidc.FlowState) ProtocolClient

// NewClientFactory returns a factory producing go-oidc backed clients that
// redirect back to redirectURL.
func NewClientFactory(redirectURL string, cache *oidc.DiscoveryCache) ClientFactory {
	return func(issuer string, cfg *domain.IssuerConfig, state oidc.FlowState) ProtocolClient {
		return oidc.NewClient(oidc.Config{
			Issuer:       issuer,
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			RedirectURL:  redirectURL,
		}, state, cache)
	}
}

// Paths the machine redirects the browser to.
const (
	DefaultSelectionPath = "/select-issuer"
	DefaultLoginPath     = "/login"
)

// MachineConfig holds the Machine dependencies. Audit, Metrics and Logger
// are optional.
type MachineConfig struct {
	Issuers       domain.Issuers
	Settings      domain.FederationSettings
	Users         auth.UserStore
	NewClient     ClientFactory
	SelectionPath string
	LoginPath     string
	Audit         audit.AuditLogger
	Metrics       *observability.Metrics
	Logger        observability.Logger
}

// Machine drives the federated login state machine. It holds no per-login
// state; everything that must survive between the redirect and the callback
// lives in the session.
type Machine struct {
	issuers       domain.Issuers
	settings      domain.FederationSettings
	resolver      *Resolver
	allocator     *Allocator
	newClient     ClientFactory
	selectionPath string
	loginPath     string
	audit         audit.AuditLogger
	metrics       *observability.Metrics
	log           observability.Logger
}

// NewMachine creates a Machine.
func NewMachine(cfg MachineConfig) *Machine {
	logger := cfg.Logger
	if logger == nil {
		logger = observability.NewLogger(observability.DefaultConfig())
	}
	m := &Machine{
		issuers:       cfg.Issuers,
		settings:      cfg.Settings,
		resolver:      NewResolver(cfg.Users),
		allocator:     NewAllocator(cfg.Users, cfg.Settings),
		newClient:     cfg.NewClient,
		selectionPath: cfg.SelectionPath,
		loginPath:     cfg.LoginPath,
		audit:         cfg.Audit,
		metrics:       cfg.Metrics,
		log:           logger.WithComponent("federation"),
	}
	if m.selectionPath == "" {
		m.selectionPath = DefaultSelectionPath
	}
	if m.loginPath == "" {
		m.loginPath = DefaultLoginPath
	}
	return m
}

// Resolver returns the identity resolver used by the machine.
func (m *Machine) Resolver() *Resolver { return m.resolver }

// Issuers returns the configured issuers.
func (m *Machine) Issuers() domain.Issuers { return m.issuers }

// Authenticate advances the login flow for r. ok is true only when the
// remote identity was resolved: either to an existing account (UserID set)
// or to a fresh username for a new account (NewAccount set). Any failure,
// including a panic, clears the session and yields ok == false.
func (m *Machine) Authenticate(ctx context.Context, w http.ResponseWriter, r *http.Request, sess *auth.Session) (res Result, ok bool) {
	if r == nil || sess == nil || len(m.issuers) == 0 {
		return Result{Phase: PhaseNoAttempt}, false
	}

	var issuer string
	defer func() {
		if p := recover(); p != nil {
			res, ok = m.fail(ctx, sess, issuer, fmt.Errorf("panic during login: %v", p)), false
		}
	}()

	pending, err := sess.PendingIssuer(ctx)
	if err != nil {
		return m.fail(ctx, sess, "", fmt.Errorf("load pending issuer: %w", err)), false
	}

	var cfg *domain.IssuerConfig
	if pending != "" {
		issuer = pending
		if isProtocolResponse(r) {
			if err := sess.ClearPendingIssuer(ctx); err != nil {
				return m.fail(ctx, sess, issuer, fmt.Errorf("clear pending issuer: %w", err)), false
			}
		}
		var known bool
		if cfg, known = m.issuers.Lookup(pending); !known {
			return m.fail(ctx, sess, issuer, fmt.Errorf("%w: %s", ErrUnknownIssuer, pending)), false
		}
		if !cfg.Usable() {
			m.log.WarnContext(ctx, "selected issuer is incomplete", "issuer", issuer)
			return m.redirectToSelection(ctx, w, r, issuer), false
		}
	} else {
		if len(m.issuers) > 1 {
			return m.redirectToSelection(ctx, w, r, ""), false
		}
		issuer, cfg, _ = m.issuers.Only()
		if !cfg.Usable() {
			return m.fail(ctx, sess, issuer, fmt.Errorf("%w: %s", ErrIncompleteIssuer, issuer)), false
		}
		// Bind the callback to the issuer that started the flow.
		if err := sess.SetPendingIssuer(ctx, issuer); err != nil {
			return m.fail(ctx, sess, issuer, fmt.Errorf("store pending issuer: %w", err)), false
		}
	}

	ctx = observability.WithIssuer(ctx, issuer)
	client := m.newClient(issuer, cfg, sess)
	if isTruthy(r.URL.Query().Get("forcelogin")) {
		client.AddAuthParams(map[string]string{"prompt": "login"})
	}
	if len(cfg.AuthParams) > 0 {
		client.AddAuthParams(cfg.AuthParams)
	}
	client.AddScopes(cfg.Scope...)
	if err := client.SetHTTPProxy(cfg.Proxy); err != nil {
		return m.fail(ctx, sess, issuer, err), false
	}

	start := time.Now()
	status, err := client.Authenticate(ctx, w, r)
	m.metrics.ObserveProvider(issuer, time.Since(start))
	switch {
	case err != nil:
		return m.fail(ctx, sess, issuer, fmt.Errorf("provider authentication: %w", err)), false
	case status == oidc.StatusRedirected:
		m.metrics.RecordLogin(issuer, observability.LoginRedirected)
		return Result{Phase: PhaseRedirectedToProvider, Issuer: issuer}, false
	case status != oidc.StatusAuthenticated:
		return m.fail(ctx, sess, issuer, errors.New("provider authentication failed")), false
	}

	res, err = m.resolve(ctx, sess, client, cfg)
	if err != nil {
		return m.fail(ctx, sess, res.Issuer, err), false
	}
	outcome := observability.LoginAuthenticated
	if res.NewAccount {
		outcome = observability.LoginNewAccount
	}
	m.metrics.RecordLogin(issuer, outcome)
	return res, true
}

// resolve turns a verified provider response into a login result.
func (m *Machine) resolve(ctx context.Context, sess *auth.Session, client ProtocolClient, cfg *domain.IssuerConfig) (Result, error) {
	res := Result{
		Phase:    PhaseCallbackReceived,
		Issuer:   client.ProviderURL(),
		Subject:  client.RequestUserInfo("sub"),
		RealName: client.RequestUserInfo("name"),
		Email:    client.RequestUserInfo("email"),
	}
	preferred := client.RequestUserInfo(cfg.PreferredUsernameClaim())
	if res.Subject == "" {
		return res, ErrMissingSubject
	}

	payload, err := client.AccessTokenPayload()
	if err != nil {
		return res, fmt.Errorf("access token payload: %w", err)
	}
	if err := sess.SetAccessToken(ctx, payload); err != nil {
		return res, fmt.Errorf("store access token: %w", err)
	}

	u, err := m.resolver.FindBySubjectIssuer(ctx, res.Subject, res.Issuer)
	if err != nil {
		return res, err
	}
	if u != nil {
		return m.resolved(ctx, res, u, MatchIdentity), nil
	}

	if m.settings.MigrateUsersByEmail {
		if u, err = m.resolver.FindUnmigratedByEmail(ctx, res.Email); err != nil {
			return res, err
		}
		if u != nil {
			return m.migrate(ctx, res, u, MatchEmail)
		}
	} else if m.settings.MigrateUsersByUserName {
		if u, err = m.resolver.FindUnmigratedByUsername(ctx, preferred); err != nil {
			return res, err
		}
		if u != nil {
			return m.migrate(ctx, res, u, MatchUsername)
		}
	}

	name, err := m.allocator.Allocate(ctx, Candidate{
		Preferred: preferred,
		RealName:  res.RealName,
		Email:     res.Email,
		Subject:   res.Subject,
	})
	if err != nil {
		return res, fmt.Errorf("allocate username: %w", err)
	}
	if err := sess.StageIdentity(ctx, res.Subject, res.Issuer); err != nil {
		return res, fmt.Errorf("stage identity: %w", err)
	}
	res.Phase = PhaseResolved
	res.Username = name
	res.NewAccount = true
	m.log.InfoContext(ctx, "new federated account pending", "issuer", res.Issuer, "username", name)
	return res, nil
}

func (m *Machine) migrate(ctx context.Context, res Result, u *auth.User, method string) (Result, error) {
	if err := m.resolver.Attach(ctx, u.ID, res.Subject, res.Issuer); err != nil {
		return res, err
	}
	m.metrics.RecordMigration(method)
	m.logAudit(ctx, audit.ActionMigrate, u.ID, u.Username, res.Issuer, res.Subject, method)
	m.log.InfoContext(ctx, "legacy account migrated", "user_id", u.ID, "matched_by", method)
	return m.resolved(ctx, res, u, method), nil
}

func (m *Machine) resolved(ctx context.Context, res Result, u *auth.User, method string) Result {
	res.Phase = PhaseResolved
	res.UserID = u.ID
	res.Username = u.Username
	res.MatchedBy = method
	m.log.DebugContext(ctx, "federated identity resolved", "user_id", u.ID, "matched_by", method)
	return res
}

// fail clears every trace of the attempt from the session and reports the
// failure. The returned result never carries the underlying error.
func (m *Machine) fail(ctx context.Context, sess *auth.Session, issuer string, cause error) Result {
	if err := sess.Clear(ctx); err != nil {
		m.log.ErrorContext(ctx, "clear session after failed login", "error", err)
	}
	m.log.WarnContext(ctx, "federated login failed", "issuer", issuer, "error", cause)
	if hub := sentry.GetHubFromContext(ctx); hub != nil {
		hub.CaptureException(cause)
	} else {
		sentry.CaptureException(cause)
	}
	m.metrics.RecordLogin(issuer, observability.LoginFailed)
	m.logAudit(ctx, audit.ActionLoginFailed, "", "", issuer, "", cause.Error())
	return Result{Phase: PhaseFailed, Issuer: issuer, ErrorMessage: "login failed"}
}

// redirectToSelection sends the browser to the issuer selection page,
// carrying the original path and query so the login can resume there.
func (m *Machine) redirectToSelection(ctx context.Context, w http.ResponseWriter, r *http.Request, issuer string) Result {
	params := url.Values{}
	params.Set("uri", r.URL.EscapedPath())
	params.Set("query", r.URL.RawQuery)
	redirect(w, r, m.selectionPath, params)
	m.metrics.RecordLogin(issuer, observability.LoginSelection)
	m.log.DebugContext(ctx, "issuer selection required", "issuers", len(m.issuers))
	return Result{Phase: PhaseAwaitingProviderSelection, Issuer: issuer}
}

// Deauthenticate handles logout. With force logout enabled it redirects to
// the login entry point with a forced re-prompt and reports true.
func (m *Machine) Deauthenticate(w http.ResponseWriter, r *http.Request) bool {
	if !m.settings.ForceLogout {
		return false
	}
	redirect(w, r, m.loginPath, url.Values{"forcelogin": {"true"}})
	return true
}

func (m *Machine) logAudit(ctx context.Context, action, userID, username, issuer, subject, detail string) {
	if m.audit == nil {
		return
	}
	event := &audit.AuditEvent{
		Action:    action,
		UserID:    userID,
		Username:  username,
		Issuer:    issuer,
		Subject:   subject,
		Detail:    detail,
		RequestID: observability.RequestIDFromContext(ctx),
	}
	if err := m.audit.Log(ctx, event); err != nil {
		m.log.WarnContext(ctx, "audit log failed", "action", action, "error", err)
	}
}

// redirect issues a 302 to path with params appended to its query.
func redirect(w http.ResponseWriter, r *http.Request, path string, params url.Values) {
	target := path
	if len(params) > 0 {
		target += "?" + params.Encode()
	}
	http.Redirect(w, r, target, http.StatusFound)
}

// isProtocolResponse reports whether r carries a provider callback.
func isProtocolResponse(r *http.Request) bool {
	q := r.URL.Query()
	if q.Get("error") != "" && q.Get("state") != "" {
		return true
	}
	return q.Get("code") != "" && (q.Get("state") != "" || q.Get("status") != "")
}

func isTruthy(v string) bool {
	b, err := strconv.ParseBool(v)
	return err == nil && b
}
