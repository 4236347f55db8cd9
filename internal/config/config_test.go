package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fedauth/internal/auth/oidc"
)

// clearConfigEnv unsets all config env vars so tests start clean.
func clearConfigEnv(t *testing.T) {
	t.Helper()

	for _, key := range []string{
		"FEDAUTH_LISTEN_ADDR",
		"FEDAUTH_PUBLIC_URL",
		"FEDAUTH_ENCRYPTION_KEY",
		"FEDAUTH_SESSION_TTL",
		"FEDAUTH_REDIS_URL",
		"FEDAUTH_MIGRATE_USERS_BY_EMAIL",
		"FEDAUTH_MIGRATE_USERS_BY_USERNAME",
		"FEDAUTH_FORCE_LOGOUT",
		"FEDAUTH_RATE_LIMIT_RPS",
		"SENTRY_DSN",
	} {
		t.Setenv(key, "")
		os.Unsetenv(key)
	}
}

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "fedauth.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

const sampleYAML = `
public_url: https://wiki.example.org/
federation:
  migrate_users_by_email: true
  use_real_name_as_username: true
issuers:
  https://idp.example.com/realms/main:
    client_id: wiki
    client_secret: s3cret
    name: Corporate SSO
    scope: [profile, email]
    auth_params:
      kc_idp_hint: corp
    preferred_username_claim: nickname
    global_roles:
      property: [realm_access, roles]
    scoped_roles:
      property: [resource_access, wiki, roles]
      prefix: wiki_
  https://accounts.example.net:
    client_id: other
    scope: openid
session:
  ttl: 30m
`

func TestLoad_Defaults(t *testing.T) {
	clearConfigEnv(t)

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, ":8080", cfg.ListenAddr)
	assert.Equal(t, "fedauth_sid", cfg.Session.CookieName)
	assert.Equal(t, time.Hour, cfg.Session.TTL)
	assert.Empty(t, cfg.Issuers)
	assert.Equal(t, "http://localhost:8080/callback", cfg.RedirectURL())
}

func TestLoad_YAML(t *testing.T) {
	clearConfigEnv(t)

	cfg, err := Load(writeConfig(t, sampleYAML))
	require.NoError(t, err)

	assert.True(t, cfg.Federation.MigrateUsersByEmail)
	assert.True(t, cfg.Federation.UseRealNameAsUserName)
	assert.False(t, cfg.Federation.ForceLogout)
	assert.Equal(t, 30*time.Minute, cfg.Session.TTL)
	assert.Equal(t, "https://wiki.example.org/callback", cfg.RedirectURL())

	ic, ok := cfg.Issuers.Lookup("https://idp.example.com/realms/main")
	require.True(t, ok)
	assert.Equal(t, "Corporate SSO", ic.DisplayName(""))
	assert.Equal(t, []string{"profile", "email"}, []string(ic.Scope))
	assert.Equal(t, "corp", ic.AuthParams["kc_idp_hint"])
	assert.Equal(t, "nickname", ic.PreferredUsernameClaim())
	assert.Equal(t, []string{"realm_access", "roles"}, []string(ic.GlobalRoles.Property))
	assert.Equal(t, []string{"wiki_"}, ic.ScopedRoles.Prefixes())

	other := cfg.Issuers["https://accounts.example.net"]
	require.NotNil(t, other)
	assert.Equal(t, []string{"openid"}, []string(other.Scope))
	assert.Equal(t, []string{"https://accounts.example.net"}, cfg.Incomplete())
}

func TestLoad_EnvOverridesYAML(t *testing.T) {
	clearConfigEnv(t)
	t.Setenv("FEDAUTH_FORCE_LOGOUT", "true")
	t.Setenv("FEDAUTH_MIGRATE_USERS_BY_EMAIL", "false")
	t.Setenv("FEDAUTH_SESSION_TTL", "2h")
	t.Setenv("FEDAUTH_LISTEN_ADDR", ":9999")

	cfg, err := Load(writeConfig(t, sampleYAML))
	require.NoError(t, err)
	assert.True(t, cfg.Federation.ForceLogout)
	assert.False(t, cfg.Federation.MigrateUsersByEmail)
	assert.Equal(t, 2*time.Hour, cfg.Session.TTL)
	assert.Equal(t, ":9999", cfg.ListenAddr)
}

func TestLoad_EncryptedSecret(t *testing.T) {
	clearConfigEnv(t)
	keyHex, err := oidc.GenerateSecretKey()
	require.NoError(t, err)
	key, err := oidc.ParseSecretKey(keyHex)
	require.NoError(t, err)
	sealed, err := key.Seal("https://idp.example.com", "top-secret")
	require.NoError(t, err)

	body := "issuers:\n  https://idp.example.com:\n    client_id: wiki\n    client_secret_encrypted: " + sealed + "\n"
	path := writeConfig(t, body)

	t.Run("missing key", func(t *testing.T) {
		_, err := Load(path)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "FEDAUTH_ENCRYPTION_KEY")
	})

	t.Run("decrypted", func(t *testing.T) {
		t.Setenv("FEDAUTH_ENCRYPTION_KEY", keyHex)
		cfg, err := Load(path)
		require.NoError(t, err)
		assert.Equal(t, "top-secret", cfg.Issuers["https://idp.example.com"].ClientSecret)
		assert.True(t, cfg.Issuers["https://idp.example.com"].Usable())
	})

	t.Run("moved to another issuer", func(t *testing.T) {
		t.Setenv("FEDAUTH_ENCRYPTION_KEY", keyHex)
		moved := "issuers:\n  https://evil.example.com:\n    client_id: wiki\n    client_secret_encrypted: " + sealed + "\n"
		_, err := Load(writeConfig(t, moved))
		require.Error(t, err)
		assert.ErrorIs(t, err, oidc.ErrSecretCorrupt)
	})
}

func TestLoad_Errors(t *testing.T) {
	tests := []struct {
		name    string
		body    string
		wantErr string
	}{
		{"unknown field", "listen_adr: :1\n", "parse config file"},
		{"relative issuer", "issuers:\n  idp.example.com:\n    client_id: x\n", "not an absolute URL"},
		{"empty issuer entry", "issuers:\n  https://idp.example.com:\n", "has no configuration"},
		{"bad proxy", "issuers:\n  https://idp.example.com:\n    proxy: '::nope'\n", "invalid proxy"},
		{"relative public url", "public_url: /wiki\n", "public_url"},
		{"negative rate", "rate_limit:\n  burst: -1\n", "rate_limit"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			clearConfigEnv(t)
			_, err := Load(writeConfig(t, tt.body))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestLoad_MissingFile(t *testing.T) {
	clearConfigEnv(t)
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "read config file")
}
