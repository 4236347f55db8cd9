package domain

import (
	"sort"
	"strings"
)

// FederationSettings holds the global federation switches.
type FederationSettings struct {
	MigrateUsersByEmail    bool `yaml:"migrate_users_by_email" env:"FEDAUTH_MIGRATE_USERS_BY_EMAIL"`
	MigrateUsersByUserName bool `yaml:"migrate_users_by_username" env:"FEDAUTH_MIGRATE_USERS_BY_USERNAME"`
	UseRealNameAsUserName  bool `yaml:"use_real_name_as_username" env:"FEDAUTH_USE_REAL_NAME_AS_USERNAME"`
	UseEmailNameAsUserName bool `yaml:"use_email_name_as_username" env:"FEDAUTH_USE_EMAIL_NAME_AS_USERNAME"`
	ForceLogout            bool `yaml:"force_logout" env:"FEDAUTH_FORCE_LOGOUT"`
}

// Issuers maps an issuer identifier to its configuration.
type Issuers map[string]*IssuerConfig

// Keys returns the configured issuer identifiers in sorted order.
func (m Issuers) Keys() []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Only returns the single configured issuer. ok is false unless exactly one
// issuer is configured.
func (m Issuers) Only() (string, *IssuerConfig, bool) {
	if len(m) != 1 {
		return "", nil, false
	}
	for k, v := range m {
		return k, v, true
	}
	return "", nil, false
}

// Lookup finds the config for an issuer. The canonical issuer URL reported
// by a provider may differ from the configured key by a trailing slash.
func (m Issuers) Lookup(issuer string) (*IssuerConfig, bool) {
	if cfg, ok := m[issuer]; ok {
		return cfg, true
	}
	trimmed := strings.TrimSuffix(issuer, "/")
	for _, k := range m.Keys() {
		if strings.TrimSuffix(k, "/") == trimmed {
			return m[k], true
		}
	}
	return nil, false
}
