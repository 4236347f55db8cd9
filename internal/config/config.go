// Package config loads the fedauth server configuration from a YAML file,
// an optional .env file and the process environment, in that order of
// increasing precedence.
package config

import (
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"fedauth/internal/auth/oidc"
	"fedauth/internal/domain"
)

// CallbackPath is where providers redirect the browser after authentication.
const CallbackPath = "/callback"

// Config holds the server configuration.
type Config struct {
	ListenAddr string `yaml:"listen_addr" env:"FEDAUTH_LISTEN_ADDR"`
	// PublicURL is the externally visible base URL; the provider redirect
	// URI is PublicURL + CallbackPath.
	PublicURL string `yaml:"public_url" env:"FEDAUTH_PUBLIC_URL"`

	Federation domain.FederationSettings `yaml:"federation"`
	Issuers    domain.Issuers            `yaml:"issuers"`

	// EncryptionKey opens client_secret_encrypted values. Never read from YAML.
	EncryptionKey string `yaml:"-" env:"FEDAUTH_ENCRYPTION_KEY"`

	Session   SessionConfig   `yaml:"session"`
	Storage   StorageConfig   `yaml:"storage"`
	RateLimit RateLimitConfig `yaml:"rate_limit"`
	Discovery DiscoveryConfig `yaml:"discovery"`
	Sentry    SentryConfig    `yaml:"sentry"`
}

// SessionConfig configures the session cookie and attribute store.
type SessionConfig struct {
	CookieName string        `yaml:"cookie_name" env:"FEDAUTH_SESSION_COOKIE"`
	Secure     bool          `yaml:"secure" env:"FEDAUTH_SESSION_SECURE"`
	TTL        time.Duration `yaml:"ttl" env:"FEDAUTH_SESSION_TTL"`
	// RedisURL selects the Redis attribute store when set.
	RedisURL    string `yaml:"redis_url" env:"FEDAUTH_REDIS_URL"`
	RedisPrefix string `yaml:"redis_prefix" env:"FEDAUTH_REDIS_PREFIX"`
}

// StorageConfig configures the account store. Which backends are available
// depends on build tags.
type StorageConfig struct {
	SQLiteDSN   string `yaml:"sqlite_dsn" env:"FEDAUTH_SQLITE_DSN"`
	DatabaseURL string `yaml:"database_url" env:"FEDAUTH_DATABASE_URL"`
}

// RateLimitConfig configures the per-client limiter on the login endpoints.
// A zero rate disables limiting.
type RateLimitConfig struct {
	RequestsPerSecond float64 `yaml:"requests_per_second" env:"FEDAUTH_RATE_LIMIT_RPS"`
	Burst             int     `yaml:"burst" env:"FEDAUTH_RATE_LIMIT_BURST"`
}

// DiscoveryConfig sizes the provider metadata cache.
type DiscoveryConfig struct {
	CacheSize int           `yaml:"cache_size" env:"FEDAUTH_DISCOVERY_CACHE_SIZE"`
	CacheTTL  time.Duration `yaml:"cache_ttl" env:"FEDAUTH_DISCOVERY_CACHE_TTL"`
}

// SentryConfig enables error reporting when DSN is set.
type SentryConfig struct {
	DSN         string `yaml:"dsn" env:"SENTRY_DSN"`
	Environment string `yaml:"environment" env:"SENTRY_ENVIRONMENT"`
	Release     string `yaml:"release" env:"APP_VERSION"`
}

// Default returns the configuration used before the file and environment
// are applied.
func Default() *Config {
	return &Config{
		ListenAddr: ":8080",
		PublicURL:  "http://localhost:8080",
		Issuers:    domain.Issuers{},
		Session: SessionConfig{
			CookieName:  "fedauth_sid",
			TTL:         time.Hour,
			RedisPrefix: "sess:",
		},
		RateLimit: RateLimitConfig{RequestsPerSecond: 5, Burst: 10},
		Discovery: DiscoveryConfig{CacheSize: 32, CacheTTL: oidc.DefaultDiscoveryTTL},
		Sentry:    SentryConfig{Environment: "production", Release: "dev"},
	}
}

// Load reads path (optional), then .env, then the environment, decrypts any
// encrypted client secrets and validates the result.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		if err := cfg.readFile(path); err != nil {
			return nil, err
		}
	}

	_ = godotenv.Load()

	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parsing environment: %w", err)
	}
	if err := cfg.decryptSecrets(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}
	return cfg, nil
}

func (c *Config) readFile(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}
	defer f.Close()

	dec := yaml.NewDecoder(f)
	dec.KnownFields(true)
	if err := dec.Decode(c); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("parse config file: %w", err)
	}
	if c.Issuers == nil {
		c.Issuers = domain.Issuers{}
	}
	return nil
}

// decryptSecrets replaces client_secret_encrypted with the plaintext secret.
// A plaintext client_secret takes precedence.
func (c *Config) decryptSecrets() error {
	var key *oidc.SecretKey
	for _, issuer := range c.Issuers.Keys() {
		ic := c.Issuers[issuer]
		if ic == nil || ic.ClientSecretEncrypted == "" || ic.ClientSecret != "" {
			continue
		}
		if key == nil {
			if c.EncryptionKey == "" {
				return fmt.Errorf("issuer %s: client_secret_encrypted requires FEDAUTH_ENCRYPTION_KEY", issuer)
			}
			k, err := oidc.ParseSecretKey(c.EncryptionKey)
			if err != nil {
				return fmt.Errorf("encryption key: %w", err)
			}
			key = k
		}
		secret, err := key.Open(issuer, ic.ClientSecretEncrypted)
		if err != nil {
			return fmt.Errorf("issuer %s: decrypt client secret: %w", issuer, err)
		}
		ic.ClientSecret = secret
	}
	return nil
}

// Validate checks the fields the server cannot start without. Issuers with
// missing credentials are allowed here; the login flow reports them.
func (c *Config) Validate() error {
	if c.ListenAddr == "" {
		return errors.New("listen_addr is required (set FEDAUTH_LISTEN_ADDR or yaml)")
	}
	u, err := url.Parse(c.PublicURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("public_url must be an absolute URL, got %q", c.PublicURL)
	}
	if c.Session.CookieName == "" {
		return errors.New("session.cookie_name must not be empty")
	}
	if c.Session.TTL <= 0 {
		return errors.New("session.ttl must be positive")
	}
	if c.RateLimit.RequestsPerSecond < 0 || c.RateLimit.Burst < 0 {
		return errors.New("rate_limit values must not be negative")
	}
	for issuer, ic := range c.Issuers {
		iu, err := url.Parse(issuer)
		if err != nil || iu.Scheme == "" || iu.Host == "" {
			return fmt.Errorf("issuer %q is not an absolute URL", issuer)
		}
		if ic == nil {
			return fmt.Errorf("issuer %s has no configuration", issuer)
		}
		if ic.Proxy != "" {
			if pu, err := url.Parse(ic.Proxy); err != nil || pu.Host == "" {
				return fmt.Errorf("issuer %s: invalid proxy %q", issuer, ic.Proxy)
			}
		}
	}
	return nil
}

// RedirectURL returns the provider callback URL.
func (c *Config) RedirectURL() string {
	return strings.TrimSuffix(c.PublicURL, "/") + CallbackPath
}

// Incomplete lists issuers lacking a client id or secret, in sorted order.
func (c *Config) Incomplete() []string {
	var out []string
	for _, issuer := range c.Issuers.Keys() {
		if !c.Issuers[issuer].Usable() {
			out = append(out, issuer)
		}
	}
	return out
}
