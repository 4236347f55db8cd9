// Package http exposes the federated login flow over HTTP: the login and
// callback endpoints, issuer selection, logout and the current account.
package http

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/getsentry/sentry-go"

	"fedauth/internal/audit"
	"fedauth/internal/auth"
	"fedauth/internal/federation"
	"fedauth/internal/observability"
)

const keyReturnTo = "login.returnto"

type apiError struct {
	Error  string `json:"error"`
	Detail string `json:"detail,omitempty"`
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

// Config holds the Server dependencies. Audit and Metrics are optional.
type Config struct {
	Machine   *federation.Machine
	Users     auth.UserStore
	Groups    auth.GroupStore
	GroupSync *federation.GroupSync
	Sessions  auth.AttributeStore
	Cookie    CookieConfig
	RateLimit RateLimitConfig
	Audit     audit.AuditLogger
	Metrics   *observability.Metrics
	Logger    observability.Logger
}

// Server serves the federation endpoints.
type Server struct {
	mux         *http.ServeMux
	machine     *federation.Machine
	users       auth.UserStore
	groups      auth.GroupStore
	provisioner *Provisioner
	sessions    auth.AttributeStore
	cookie      CookieConfig
	rateLimit   RateLimitConfig
	audit       audit.AuditLogger
	metrics     *observability.Metrics
	logger      observability.Logger
	log         observability.Logger
}

// NewServer creates a Server and registers its routes.
func NewServer(cfg Config) *Server {
	logger := cfg.Logger
	if logger == nil {
		logger = observability.NewLogger(observability.DefaultConfig())
	}
	if cfg.Cookie.Name == "" {
		cfg.Cookie.Name = "fedauth_sid"
	}
	if cfg.Cookie.TTL <= 0 {
		cfg.Cookie.TTL = auth.DefaultSessionDuration
	}
	s := &Server{
		mux:         http.NewServeMux(),
		machine:     cfg.Machine,
		users:       cfg.Users,
		groups:      cfg.Groups,
		provisioner: NewProvisioner(cfg.Users, cfg.Machine.Resolver(), cfg.GroupSync, cfg.Audit, logger),
		sessions:    cfg.Sessions,
		cookie:      cfg.Cookie,
		rateLimit:   cfg.RateLimit,
		audit:       cfg.Audit,
		metrics:     cfg.Metrics,
		logger:      logger,
		log:         logger.WithComponent("server"),
	}
	s.routes()
	return s
}

func (s *Server) routes() {
	session := SessionMiddleware(s.sessions, s.cookie, s.logger)
	limited := RateLimitMiddleware(s.rateLimit, s.logger, s.metrics)

	login := ApplyMiddlewares(http.HandlerFunc(s.handleLogin), limited, session)
	s.mux.Handle("GET "+federation.DefaultLoginPath, login)
	s.mux.Handle("GET /callback", login)
	s.mux.Handle("GET "+federation.DefaultSelectionPath, session(http.HandlerFunc(s.handleSelectionList)))
	s.mux.Handle("POST "+federation.DefaultSelectionPath, ApplyMiddlewares(http.HandlerFunc(s.handleSelectionChoose), limited, session))
	s.mux.Handle("POST /logout", session(http.HandlerFunc(s.handleLogout)))
	s.mux.Handle("GET /me", session(http.HandlerFunc(s.handleMe)))
	s.mux.HandleFunc("GET /healthz", s.handleHealth)
	s.mux.Handle("GET /metrics", s.metrics.Handler())
}

// Handler returns the mux wrapped in the request-scoped middleware.
// Order: metrics (outermost) -> requestID -> logging.
func (s *Server) Handler() http.Handler {
	return ApplyMiddlewares(
		s.mux,
		observability.MetricsMiddleware(s.metrics),
		RequestIDMiddleware(),
		LoggingMiddleware(s.logger),
	)
}

func (s *Server) writeErr(ctx context.Context, w http.ResponseWriter, code int, msg string, err error) {
	if err != nil {
		s.log.WarnContext(ctx, "request failed", "status", code, "error", err)
		if code >= 500 {
			if hub := sentry.GetHubFromContext(ctx); hub != nil {
				hub.CaptureException(err)
			}
		}
	}
	writeJSON(w, code, apiError{Error: msg})
}

type loginResponse struct {
	User       *auth.User `json:"user"`
	Groups     []string   `json:"groups"`
	NewAccount bool       `json:"new_account"`
	MatchedBy  string     `json:"matched_by,omitempty"`
}

// handleLogin serves both the login entry point and the provider callback.
// GET /login?returnto=/path&forcelogin=1
// GET /callback?code=...&state=...
func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	sess := auth.SessionFromContext(ctx)

	if rt := r.URL.Query().Get("returnto"); rt != "" && localPath(rt) {
		if err := sess.Set(ctx, keyReturnTo, rt); err != nil {
			s.writeErr(ctx, w, http.StatusInternalServerError, "session unavailable", err)
			return
		}
	}

	res, ok := s.machine.Authenticate(ctx, w, r, sess)
	if !ok {
		switch res.Phase {
		case federation.PhaseRedirectedToProvider, federation.PhaseAwaitingProviderSelection:
		case federation.PhaseNoAttempt:
			s.writeErr(ctx, w, http.StatusServiceUnavailable, "no identity providers configured", nil)
		default:
			s.writeErr(ctx, w, http.StatusUnauthorized, res.ErrorMessage, nil)
		}
		return
	}

	user, err := s.provisioner.Complete(ctx, sess, res)
	if err != nil {
		_ = sess.Clear(ctx)
		s.logAudit(ctx, r, audit.ActionLoginFailed, nil, res.Issuer, err.Error())
		if errors.Is(err, ErrAccountDisabled) {
			s.writeErr(ctx, w, http.StatusForbidden, "account disabled", err)
			return
		}
		s.writeErr(ctx, w, http.StatusInternalServerError, "login failed", err)
		return
	}
	// The authenticated account never stays on the id the browser arrived with.
	if _, err := sess.Rotate(ctx); err != nil {
		_ = sess.Clear(ctx)
		s.writeErr(ctx, w, http.StatusInternalServerError, "login failed", err)
		return
	}
	setSessionCookie(w, r, s.cookie, sess.ID(), int(s.cookie.TTL.Seconds()))
	s.logAudit(ctx, r, audit.ActionLogin, user, res.Issuer, res.MatchedBy)

	if rt, _ := sess.Get(ctx, keyReturnTo); rt != "" {
		_ = sess.Remove(ctx, keyReturnTo)
		http.Redirect(w, r, rt, http.StatusFound)
		return
	}
	groups, err := s.groups.ListGroups(ctx, user.ID)
	if err != nil {
		s.writeErr(ctx, w, http.StatusInternalServerError, "failed to list groups", err)
		return
	}
	writeJSON(w, http.StatusOK, loginResponse{
		User:       user,
		Groups:     groups,
		NewAccount: res.NewAccount,
		MatchedBy:  res.MatchedBy,
	})
}

type issuerEntry struct {
	Issuer string `json:"issuer"`
	Name   string `json:"name"`
	Usable bool   `json:"usable"`
}

type selectionResponse struct {
	Issuers []issuerEntry `json:"issuers"`
	URI     string        `json:"uri,omitempty"`
	Query   string        `json:"query,omitempty"`
}

// handleSelectionList lists the configured issuers together with the
// round-trip parameters the choice must be posted back with.
// GET /select-issuer?uri=/login&query=...
func (s *Server) handleSelectionList(w http.ResponseWriter, r *http.Request) {
	issuers := s.machine.Issuers()
	resp := selectionResponse{
		Issuers: make([]issuerEntry, 0, len(issuers)),
		URI:     r.URL.Query().Get("uri"),
		Query:   r.URL.Query().Get("query"),
	}
	for _, key := range issuers.Keys() {
		cfg := issuers[key]
		resp.Issuers = append(resp.Issuers, issuerEntry{
			Issuer: key,
			Name:   cfg.DisplayName(key),
			Usable: cfg.Usable(),
		})
	}
	writeJSON(w, http.StatusOK, resp)
}

// handleSelectionChoose stores the chosen issuer as pending and re-enters
// the login flow at the original location.
// POST /select-issuer (form: issuer, uri, query)
func (s *Server) handleSelectionChoose(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if err := r.ParseForm(); err != nil {
		s.writeErr(ctx, w, http.StatusBadRequest, "invalid form", err)
		return
	}
	issuer := r.PostForm.Get("issuer")
	if _, ok := s.machine.Issuers()[issuer]; !ok {
		s.writeErr(ctx, w, http.StatusBadRequest, "unknown issuer", nil)
		return
	}
	sess := auth.SessionFromContext(ctx)
	if err := sess.SetPendingIssuer(ctx, issuer); err != nil {
		s.writeErr(ctx, w, http.StatusInternalServerError, "session unavailable", err)
		return
	}

	target := r.PostForm.Get("uri")
	if !localPath(target) {
		target = federation.DefaultLoginPath
	}
	if q := r.PostForm.Get("query"); q != "" {
		target += "?" + q
	}
	http.Redirect(w, r, target, http.StatusFound)
}

// handleLogout clears the session. With force logout enabled the browser is
// sent back through a forced re-authentication.
// POST /logout
func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	sess := auth.SessionFromContext(ctx)

	userID, err := sess.UserID(ctx)
	if err != nil {
		s.writeErr(ctx, w, http.StatusInternalServerError, "session unavailable", err)
		return
	}
	if err := sess.Clear(ctx); err != nil {
		s.writeErr(ctx, w, http.StatusInternalServerError, "session unavailable", err)
		return
	}
	if userID != "" {
		user, _ := s.users.GetByID(ctx, userID)
		s.logAudit(ctx, r, audit.ActionLogout, user, "", "")
	}

	if s.machine.Deauthenticate(w, r) {
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "logged out"})
}

// recentActivityLimit caps the audit events returned by /me.
const recentActivityLimit = 10

type meResponse struct {
	User           *auth.User          `json:"user"`
	Groups         []string            `json:"groups"`
	RecentActivity []*audit.AuditEvent `json:"recent_activity,omitempty"`
}

// handleMe returns the account bound to the session.
// GET /me
func (s *Server) handleMe(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	sess := auth.SessionFromContext(ctx)

	userID, err := sess.UserID(ctx)
	if err != nil {
		s.writeErr(ctx, w, http.StatusInternalServerError, "session unavailable", err)
		return
	}
	if userID == "" {
		s.writeErr(ctx, w, http.StatusUnauthorized, "not logged in", nil)
		return
	}
	user, err := s.users.GetByID(ctx, userID)
	if err != nil {
		s.writeErr(ctx, w, http.StatusInternalServerError, "failed to load account", err)
		return
	}
	if user == nil || !user.IsActive {
		_ = sess.Clear(ctx)
		s.writeErr(ctx, w, http.StatusUnauthorized, "not logged in", nil)
		return
	}
	groups, err := s.groups.ListGroups(ctx, user.ID)
	if err != nil {
		s.writeErr(ctx, w, http.StatusInternalServerError, "failed to list groups", err)
		return
	}
	resp := meResponse{User: user, Groups: groups}
	if s.audit != nil {
		events, _, err := s.audit.List(ctx, audit.ListOptions{UserID: user.ID, Limit: recentActivityLimit})
		if err != nil {
			s.log.WarnContext(ctx, "list recent activity", "user_id", user.ID, "error", err)
		}
		resp.RecentActivity = events
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) logAudit(ctx context.Context, r *http.Request, action string, user *auth.User, issuer, detail string) {
	if s.audit == nil {
		return
	}
	event := &audit.AuditEvent{
		Action:    action,
		Issuer:    issuer,
		Detail:    detail,
		RequestID: observability.RequestIDFromContext(ctx),
		IPAddress: clientKey(r),
	}
	if user != nil {
		event.UserID = user.ID
		event.Username = user.Username
		event.Subject = user.Subject
		if event.Issuer == "" {
			event.Issuer = user.Issuer
		}
	}
	if err := s.audit.Log(ctx, event); err != nil {
		s.log.WarnContext(ctx, "audit log failed", "action", action, "error", err)
	}
}

// localPath reports whether p is a same-origin absolute path.
func localPath(p string) bool {
	return strings.HasPrefix(p, "/") && !strings.HasPrefix(p, "//") && !strings.Contains(p, "\\")
}
