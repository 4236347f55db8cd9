// Package observability provides structured logging and Prometheus metrics.
package observability

import (
	"context"
	"io"
	"log/slog"
	"os"
	"strings"
)

type contextKey string

const (
	requestIDKey contextKey = "requestID"
	issuerKey    contextKey = "issuer"
	sessionKey   contextKey = "session"
)

// sessionFingerprintLen is how much of a session id appears in logs.
const sessionFingerprintLen = 8

// redactedKeys are attribute keys whose values never reach the log output.
var redactedKeys = map[string]bool{
	"client_secret": true,
	"access_token":  true,
	"id_token":      true,
	"code":          true,
	"secret":        true,
}

// Logger is the structured logger used across fedauth. The *Context
// variants add the request id, issuer and session fingerprint carried by
// ctx.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)

	DebugContext(ctx context.Context, msg string, args ...any)
	InfoContext(ctx context.Context, msg string, args ...any)
	WarnContext(ctx context.Context, msg string, args ...any)
	ErrorContext(ctx context.Context, msg string, args ...any)

	With(args ...any) Logger
	// WithComponent tags every entry with component=name.
	WithComponent(name string) Logger
}

// Config holds configuration for the logger.
type Config struct {
	// Level is the minimum log level (debug, info, warn, error).
	Level string
	// Format is the output format (json, text).
	Format string
	// Output is the destination for logs (defaults to os.Stdout).
	Output io.Writer
	// AddSource adds source file and line to log entries.
	AddSource bool
}

// DefaultConfig returns the default logger configuration.
func DefaultConfig() Config {
	return Config{
		Level:  "info",
		Format: "json",
		Output: os.Stdout,
	}
}

// ConfigFromEnv creates a Config from environment variables.
// FEDAUTH_LOG_LEVEL: debug, info, warn, error (default: info)
// FEDAUTH_LOG_FORMAT: json, text (default: json)
// FEDAUTH_LOG_SOURCE: true to include source locations
func ConfigFromEnv() Config {
	cfg := DefaultConfig()
	if level := os.Getenv("FEDAUTH_LOG_LEVEL"); level != "" {
		cfg.Level = level
	}
	if format := os.Getenv("FEDAUTH_LOG_FORMAT"); format != "" {
		cfg.Format = format
	}
	if v := os.Getenv("FEDAUTH_LOG_SOURCE"); v == "true" || v == "1" {
		cfg.AddSource = true
	}
	return cfg
}

type slogLogger struct {
	slogger *slog.Logger
}

// NewLogger creates a new Logger with the given configuration.
func NewLogger(cfg Config) Logger {
	if cfg.Output == nil {
		cfg.Output = os.Stdout
	}
	opts := &slog.HandlerOptions{
		Level:       parseLevel(cfg.Level),
		AddSource:   cfg.AddSource,
		ReplaceAttr: redact,
	}

	var handler slog.Handler
	switch strings.ToLower(cfg.Format) {
	case "text":
		handler = slog.NewTextHandler(cfg.Output, opts)
	default:
		handler = slog.NewJSONHandler(cfg.Output, opts)
	}
	return &slogLogger{slogger: slog.New(handler)}
}

func redact(_ []string, a slog.Attr) slog.Attr {
	if redactedKeys[strings.ToLower(a.Key)] {
		return slog.String(a.Key, "[REDACTED]")
	}
	return a
}

func parseLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func (l *slogLogger) Debug(msg string, args ...any) { l.slogger.Debug(msg, args...) }
func (l *slogLogger) Info(msg string, args ...any)  { l.slogger.Info(msg, args...) }
func (l *slogLogger) Warn(msg string, args ...any)  { l.slogger.Warn(msg, args...) }
func (l *slogLogger) Error(msg string, args ...any) { l.slogger.Error(msg, args...) }

func (l *slogLogger) DebugContext(ctx context.Context, msg string, args ...any) {
	l.slogger.DebugContext(ctx, msg, appendContextFields(ctx, args)...)
}

func (l *slogLogger) InfoContext(ctx context.Context, msg string, args ...any) {
	l.slogger.InfoContext(ctx, msg, appendContextFields(ctx, args)...)
}

func (l *slogLogger) WarnContext(ctx context.Context, msg string, args ...any) {
	l.slogger.WarnContext(ctx, msg, appendContextFields(ctx, args)...)
}

func (l *slogLogger) ErrorContext(ctx context.Context, msg string, args ...any) {
	l.slogger.ErrorContext(ctx, msg, appendContextFields(ctx, args)...)
}

func (l *slogLogger) With(args ...any) Logger {
	return &slogLogger{slogger: l.slogger.With(args...)}
}

func (l *slogLogger) WithComponent(name string) Logger {
	return l.With("component", name)
}

func appendContextFields(ctx context.Context, args []any) []any {
	if ctx == nil {
		return args
	}
	if v := RequestIDFromContext(ctx); v != "" {
		args = append(args, "request_id", v)
	}
	if v := IssuerFromContext(ctx); v != "" && !hasKey(args, "issuer") {
		args = append(args, "issuer", v)
	}
	if v, ok := ctx.Value(sessionKey).(string); ok {
		args = append(args, "session", v)
	}
	return args
}

func hasKey(args []any, key string) bool {
	for i := 0; i < len(args)-1; i += 2 {
		if k, ok := args[i].(string); ok && k == key {
			return true
		}
	}
	return false
}

// WithRequestID stores the request ID in the context.
func WithRequestID(ctx context.Context, requestID string) context.Context {
	if requestID == "" {
		return ctx
	}
	return context.WithValue(ctx, requestIDKey, requestID)
}

// RequestIDFromContext retrieves the request ID from context.
func RequestIDFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	v, _ := ctx.Value(requestIDKey).(string)
	return v
}

// WithIssuer records the issuer a login attempt runs against.
func WithIssuer(ctx context.Context, issuer string) context.Context {
	if issuer == "" {
		return ctx
	}
	return context.WithValue(ctx, issuerKey, issuer)
}

// IssuerFromContext returns the issuer stored by WithIssuer.
func IssuerFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	v, _ := ctx.Value(issuerKey).(string)
	return v
}

// WithSession stores a short prefix of the session id, enough to correlate
// the log entries of one browser without exposing the bearer value.
func WithSession(ctx context.Context, sessionID string) context.Context {
	if sessionID == "" {
		return ctx
	}
	if len(sessionID) > sessionFingerprintLen {
		sessionID = sessionID[:sessionFingerprintLen]
	}
	return context.WithValue(ctx, sessionKey, sessionID)
}
