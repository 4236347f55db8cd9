package http

import (
	"context"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/google/uuid"
	"github.com/hashicorp/golang-lru/v2/expirable"
	"golang.org/x/time/rate"

	"fedauth/internal/auth"
	"fedauth/internal/observability"
)

const (
	requestIDHeader      = "X-Request-ID"
	maxRequestIDLength   = 64
	rateLimiterClientTTL = 5 * time.Minute
)

// Middleware represents an HTTP middleware that wraps a handler.
type Middleware func(http.Handler) http.Handler

// ApplyMiddlewares applies the provided middleware in order, where the first middleware
// in the list is the outermost handler.
func ApplyMiddlewares(h http.Handler, middlewares ...Middleware) http.Handler {
	for i := len(middlewares) - 1; i >= 0; i-- {
		h = middlewares[i](h)
	}
	return h
}

// RateLimitConfig configures the token bucket rate limiter.
type RateLimitConfig struct {
	RequestsPerSecond float64
	Burst             int
}

// Enabled reports whether rate limiting should be enforced.
func (c RateLimitConfig) Enabled() bool {
	return c.RequestsPerSecond > 0 && c.Burst > 0
}

// RequestIDMiddleware ensures every request carries a stable request ID.
func RequestIDMiddleware() Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			requestID := sanitizeRequestID(r.Header.Get(requestIDHeader))
			if requestID == "" {
				requestID = uuid.New().String()
			}
			r = r.WithContext(observability.WithRequestID(r.Context(), requestID))
			w.Header().Set(requestIDHeader, requestID)
			next.ServeHTTP(w, r)
		})
	}
}

func sanitizeRequestID(raw string) string {
	id := strings.TrimSpace(raw)
	if id == "" || len(id) > maxRequestIDLength {
		return ""
	}
	for _, r := range id {
		switch {
		case r >= 'a' && r <= 'z':
		case r >= 'A' && r <= 'Z':
		case r >= '0' && r <= '9':
		case r == '-', r == '_', r == '.':
		default:
			return ""
		}
	}
	return id
}

// LoggingMiddleware writes one access log entry per request. Each request runs
// inside a Sentry transaction; handler panics become a 500.
func LoggingMiddleware(logger observability.Logger) Middleware {
	if logger == nil {
		logger = observability.NewLogger(observability.DefaultConfig())
	}
	logger = logger.WithComponent("http")
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			r, hub, tx := beginTransaction(r)
			defer tx.Finish()

			rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
			start := time.Now()
			if p := serveRecovering(next, rec, r); p != nil {
				tx.Status = sentry.SpanStatusInternalError
				hub.RecoverWithContext(r.Context(), p)
				logger.ErrorContext(r.Context(), "panic recovered", "method", r.Method, "path", r.URL.Path, "panic", p)
				if !rec.wrote {
					writeJSON(rec, http.StatusInternalServerError, apiError{Error: "internal server error"})
				}
				return
			}
			tx.Status = sentry.HTTPtoSpanStatus(rec.status)

			logAtStatus(logger, rec.status)(r.Context(), "request completed",
				"method", r.Method,
				"path", r.URL.Path,
				"status", rec.status,
				"duration_ms", time.Since(start).Milliseconds(),
			)
		})
	}
}

// beginTransaction makes sure r carries a Sentry hub and starts an
// http.server transaction continuing any incoming trace.
func beginTransaction(r *http.Request) (*http.Request, *sentry.Hub, *sentry.Span) {
	ctx := r.Context()
	hub := sentry.GetHubFromContext(ctx)
	if hub == nil {
		hub = sentry.CurrentHub().Clone()
		ctx = sentry.SetHubOnContext(ctx, hub)
	}
	tx := sentry.StartTransaction(ctx, r.Method+" "+r.URL.Path,
		sentry.WithOpName("http.server"),
		sentry.ContinueFromRequest(r),
		sentry.WithTransactionSource(sentry.SourceURL),
	)
	r = r.WithContext(tx.Context())
	hub.Scope().SetRequest(r)
	return r, hub, tx
}

func serveRecovering(next http.Handler, w http.ResponseWriter, r *http.Request) (recovered any) {
	defer func() { recovered = recover() }()
	next.ServeHTTP(w, r)
	return nil
}

func logAtStatus(logger observability.Logger, status int) func(context.Context, string, ...any) {
	switch {
	case status >= 500:
		return logger.ErrorContext
	case status >= 400:
		return logger.WarnContext
	default:
		return logger.InfoContext
	}
}

type statusRecorder struct {
	http.ResponseWriter
	status int
	wrote  bool
}

func (s *statusRecorder) WriteHeader(code int) {
	s.status, s.wrote = code, true
	s.ResponseWriter.WriteHeader(code)
}

func (s *statusRecorder) Write(b []byte) (int, error) {
	s.wrote = true
	return s.ResponseWriter.Write(b)
}

func (s *statusRecorder) Unwrap() http.ResponseWriter { return s.ResponseWriter }

// maxRateLimitClients bounds the limiter table; the least recently seen
// client is evicted first.
const maxRateLimitClients = 10000

// RateLimitMiddleware enforces per-client rate limiting using a token bucket.
// Decisions are counted in metrics when m is non-nil.
func RateLimitMiddleware(cfg RateLimitConfig, logger observability.Logger, m *observability.Metrics) Middleware {
	if !cfg.Enabled() {
		return func(next http.Handler) http.Handler { return next }
	}
	if logger == nil {
		logger = observability.NewLogger(observability.DefaultConfig())
	}
	logger = logger.WithComponent("ratelimit")

	var mu sync.Mutex
	clients := expirable.NewLRU[string, *rate.Limiter](maxRateLimitClients, nil, rateLimiterClientTTL)
	limiterFor := func(key string) *rate.Limiter {
		mu.Lock()
		defer mu.Unlock()
		if l, ok := clients.Get(key); ok {
			return l
		}
		l := rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), cfg.Burst)
		clients.Add(key, l)
		return l
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !limiterFor(clientKey(r)).Allow() {
				m.RecordRateLimitRejected()
				logger.WarnContext(r.Context(), "rate limit exceeded",
					"method", r.Method,
					"path", r.URL.Path,
					"status", http.StatusTooManyRequests,
				)
				w.Header().Set("Retry-After", "1")
				writeJSON(w, http.StatusTooManyRequests, apiError{Error: "too many requests"})
				return
			}
			m.RecordRateLimitAllowed()
			next.ServeHTTP(w, r)
		})
	}
}

func clientKey(r *http.Request) string {
	if xff := strings.TrimSpace(r.Header.Get("X-Forwarded-For")); xff != "" {
		if idx := strings.Index(xff, ","); idx != -1 {
			xff = xff[:idx]
		}
		if ip := strings.TrimSpace(xff); ip != "" {
			return ip
		}
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err == nil && host != "" {
		return host
	}
	return r.RemoteAddr
}

// CookieConfig describes the session cookie.
type CookieConfig struct {
	Name   string
	Secure bool
	TTL    time.Duration
}

// SessionMiddleware binds every request to a session in store. A cookie is
// honoured only when it names a session the store already holds; otherwise
// a new id is issued.
func SessionMiddleware(store auth.AttributeStore, cookie CookieConfig, logger observability.Logger) Middleware {
	if logger == nil {
		logger = observability.NewLogger(observability.DefaultConfig())
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			sid := ""
			if c, err := r.Cookie(cookie.Name); err == nil && validSessionID(c.Value) {
				known, err := store.Exists(r.Context(), c.Value)
				if err != nil {
					logger.ErrorContext(r.Context(), "look up session", "error", err)
					writeJSON(w, http.StatusInternalServerError, apiError{Error: "session unavailable"})
					return
				}
				if known {
					sid = c.Value
				}
			}
			if sid == "" {
				var err error
				if sid, err = auth.GenerateSessionID(); err != nil {
					logger.ErrorContext(r.Context(), "generate session id", "error", err)
					writeJSON(w, http.StatusInternalServerError, apiError{Error: "internal server error"})
					return
				}
				setSessionCookie(w, r, cookie, sid, int(cookie.TTL.Seconds()))
			}
			sess := auth.NewSession(sid, store)
			ctx := observability.WithSession(auth.ContextWithSession(r.Context(), sess), sid)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func setSessionCookie(w http.ResponseWriter, r *http.Request, cookie CookieConfig, value string, maxAge int) {
	secure := cookie.Secure || r.TLS != nil || r.Header.Get("X-Forwarded-Proto") == "https"
	http.SetCookie(w, &http.Cookie{
		Name:     cookie.Name,
		Value:    value,
		Path:     "/",
		HttpOnly: true,
		Secure:   secure,
		// Lax so the cookie survives the top-level redirect back from the provider.
		SameSite: http.SameSiteLaxMode,
		MaxAge:   maxAge,
	})
}

func validSessionID(id string) bool {
	if len(id) != auth.SessionIDLength*2 {
		return false
	}
	for _, r := range id {
		if !(r >= '0' && r <= '9' || r >= 'a' && r <= 'f') {
			return false
		}
	}
	return true
}
