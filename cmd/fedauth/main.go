package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/getsentry/sentry-go"

	"fedauth/internal/audit"
	"fedauth/internal/auth"
	"fedauth/internal/auth/oidc"
	"fedauth/internal/config"
	"fedauth/internal/federation"
	httpserver "fedauth/internal/http"
	"fedauth/internal/observability"
)

// accountStore is the account backend: users plus their group memberships.
type accountStore interface {
	auth.UserStore
	auth.GroupStore
}

// stores bundles the persistence chosen by build tags and configuration.
type stores struct {
	backend  string
	accounts accountStore
	audit    audit.AuditLogger
	close    func() error
}

func memoryStores() *stores {
	return &stores{
		backend:  "memory",
		accounts: auth.NewMemoryUserStore(),
		audit:    audit.NewMemoryAuditLogger(),
		close:    func() error { return nil },
	}
}

func main() {
	logger := observability.NewLogger(observability.ConfigFromEnv())

	configPath := flag.String("config", envOr("FEDAUTH_CONFIG", ""), "path to the YAML configuration file")
	addr := flag.String("addr", "", "listen address (host:port), overrides the configuration")
	migrate := flag.String("migrate", "", "run migrations: 'up' to apply, 'status' to show status")
	encrypt := flag.Bool("encrypt-secret", false, "read a client secret from stdin and print it sealed for -issuer")
	issuer := flag.String("issuer", "", "issuer URL the sealed secret belongs to (with -encrypt-secret)")
	genKey := flag.Bool("generate-key", false, "print a new random FEDAUTH_ENCRYPTION_KEY")
	flag.Parse()

	if *genKey {
		key, err := oidc.GenerateSecretKey()
		if err != nil {
			logger.Error("generate key", "error", err)
			os.Exit(1)
		}
		fmt.Println(key)
		return
	}
	if *encrypt {
		if err := encryptSecret(os.Stdin, os.Stdout, os.Getenv("FEDAUTH_ENCRYPTION_KEY"), *issuer); err != nil {
			logger.Error("encrypt secret", "error", err)
			os.Exit(1)
		}
		return
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Error("load configuration", "path", *configPath, "error", err)
		os.Exit(1)
	}
	if *addr != "" {
		cfg.ListenAddr = *addr
	}

	ctx := context.Background()

	if *migrate != "" {
		runMigrationsCLI(ctx, cfg, logger, *migrate)
		return
	}

	sentryEnabled := false
	if cfg.Sentry.DSN != "" {
		err := sentry.Init(sentry.ClientOptions{
			Dsn:              cfg.Sentry.DSN,
			Environment:      cfg.Sentry.Environment,
			Release:          cfg.Sentry.Release,
			TracesSampleRate: 1.0,
			AttachStacktrace: true,
		})
		if err != nil {
			logger.Warn("sentry initialization failed", "error", err)
		} else {
			logger.Info("sentry initialized", "environment", cfg.Sentry.Environment, "release", cfg.Sentry.Release)
			sentryEnabled = true
		}
	}

	metricsCfg := observability.MetricsConfigFromEnv()
	var metrics *observability.Metrics
	if metricsCfg.Enabled {
		metrics = observability.NewMetrics(metricsCfg)
		logger.Info("metrics enabled", "namespace", metricsCfg.Namespace, "version", metricsCfg.Version)
	} else {
		logger.Info("metrics disabled")
	}

	st := selectStores(ctx, cfg, logger)
	sessions, closeSessions := selectSessionStore(ctx, cfg, logger)

	for _, iss := range cfg.Incomplete() {
		logger.Warn("issuer lacks client credentials; logins through it will fail", "issuer", iss)
	}
	if len(cfg.Issuers) == 0 {
		logger.Warn("no issuers configured; login is unavailable")
	}

	cache := oidc.NewDiscoveryCache(cfg.Discovery.CacheSize, cfg.Discovery.CacheTTL)
	machine := federation.NewMachine(federation.MachineConfig{
		Issuers:   cfg.Issuers,
		Settings:  cfg.Federation,
		Users:     st.accounts,
		NewClient: federation.NewClientFactory(cfg.RedirectURL(), cache),
		Audit:     st.audit,
		Metrics:   metrics,
		Logger:    logger,
	})
	groupSync := federation.NewGroupSync(federation.GroupSyncConfig{
		Users:   st.accounts,
		Groups:  st.accounts,
		Issuers: cfg.Issuers,
		Audit:   st.audit,
		Metrics: metrics,
		Logger:  logger,
	})
	srv := httpserver.NewServer(httpserver.Config{
		Machine:   machine,
		Users:     st.accounts,
		Groups:    st.accounts,
		GroupSync: groupSync,
		Sessions:  sessions,
		Cookie: httpserver.CookieConfig{
			Name:   cfg.Session.CookieName,
			Secure: cfg.Session.Secure,
			TTL:    cfg.Session.TTL,
		},
		RateLimit: httpserver.RateLimitConfig{
			RequestsPerSecond: cfg.RateLimit.RequestsPerSecond,
			Burst:             cfg.RateLimit.Burst,
		},
		Audit:   st.audit,
		Metrics: metrics,
		Logger:  logger,
	})
	logger.Info("federation configured",
		"issuers", len(cfg.Issuers),
		"redirect_url", cfg.RedirectURL(),
		"store", st.backend,
	)

	server := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	serverErrors := make(chan error, 1)
	go func() {
		logger.Info("fedauth listening", "addr", cfg.ListenAddr)
		serverErrors <- server.ListenAndServe()
	}()

	select {
	case err := <-serverErrors:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("server error", "error", err)
		}
	case sig := <-sigChan:
		logger.Info("received shutdown signal", "signal", sig)
	}

	logger.Info("shutting down server", "timeout", "15s")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown error", "error", err)
	} else {
		logger.Info("server stopped gracefully")
	}

	closeSessions()
	if err := st.close(); err != nil {
		logger.Error("error closing store", "error", err)
	}

	if sentryEnabled {
		sentry.Flush(2 * time.Second)
	}
	logger.Info("shutdown complete")
}

// selectSessionStore returns the Redis attribute store when a Redis URL is
// configured, otherwise an in-memory store swept by a background ticker.
// The returned func releases the store.
func selectSessionStore(ctx context.Context, cfg *config.Config, logger observability.Logger) (auth.AttributeStore, func()) {
	if cfg.Session.RedisURL != "" {
		rs, err := auth.NewRedisAttributeStore(ctx, auth.RedisOptions{
			URL:    cfg.Session.RedisURL,
			TTL:    cfg.Session.TTL,
			Prefix: cfg.Session.RedisPrefix,
		})
		if err == nil {
			logger.Info("using redis session store", "prefix", cfg.Session.RedisPrefix)
			return rs, func() {
				if err := rs.Close(); err != nil {
					logger.Warn("closing redis session store", "error", err)
				}
			}
		}
		logger.Error("redis session store init failed; falling back to memory", "error", err)
	}

	ms := auth.NewMemoryAttributeStore(cfg.Session.TTL)
	done := make(chan struct{})
	go func() {
		ticker := time.NewTicker(15 * time.Minute)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				n, err := ms.Cleanup(context.Background())
				if err != nil {
					logger.Warn("session cleanup error", "error", err)
				} else if n > 0 {
					logger.Info("cleaned up expired sessions", "count", n)
				}
			}
		}
	}()
	logger.Info("using in-memory session store")
	return ms, func() { close(done) }
}

// encryptSecret reads a client secret from r and writes it sealed for issuer
// with the base64 key in encodedKey.
func encryptSecret(r io.Reader, w io.Writer, encodedKey, issuer string) error {
	if encodedKey == "" {
		return errors.New("FEDAUTH_ENCRYPTION_KEY is not set (use -generate-key to create one)")
	}
	if issuer == "" {
		return errors.New("-issuer is required")
	}
	key, err := oidc.ParseSecretKey(encodedKey)
	if err != nil {
		return err
	}
	line, err := bufio.NewReader(r).ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("read secret: %w", err)
	}
	secret := strings.TrimRight(line, "\r\n")
	if secret == "" {
		return errors.New("empty secret")
	}
	sealed, err := key.Seal(issuer, secret)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(w, sealed)
	return err
}

// runMigrationsCLI executes migration commands.
func runMigrationsCLI(ctx context.Context, cfg *config.Config, logger observability.Logger, cmd string) {
	switch cmd {
	case "up":
		// Opening the stores applies pending migrations.
		st := selectStores(ctx, cfg, logger)
		_ = st.close()
		runMigrationsCLI(ctx, cfg, logger, "status")
	case "status":
		logger.Info("migrations status", "status", migrationStatus(ctx, cfg))
	default:
		logger.Warn("unknown migrate command", "command", cmd)
	}
}

func envOr(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}
