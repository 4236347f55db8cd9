package domain

import (
	"encoding/json"
	"fmt"

	"gopkg.in/yaml.v3"
)

// DefaultPreferredUsernameClaim is the userinfo claim read for the username
// candidate when an issuer does not override it.
const DefaultPreferredUsernameClaim = "preferred_username"

// RoleCategory names one of the fixed role-mapping categories.
type RoleCategory string

const (
	// RoleCategoryGlobal maps roles that apply across every tenant.
	RoleCategoryGlobal RoleCategory = "global_roles"
	// RoleCategoryScoped maps roles that apply to this tenant only.
	RoleCategoryScoped RoleCategory = "scoped_roles"
)

// RoleCategories lists the mapping categories in evaluation order.
var RoleCategories = []RoleCategory{RoleCategoryGlobal, RoleCategoryScoped}

// StringList is a list of strings that also accepts a single scalar in
// configuration, so `scope: openid` and `scope: [openid, email]` both work.
type StringList []string

// UnmarshalYAML accepts either a scalar or a sequence node.
func (l *StringList) UnmarshalYAML(node *yaml.Node) error {
	switch node.Kind {
	case yaml.ScalarNode:
		var s string
		if err := node.Decode(&s); err != nil {
			return err
		}
		if s == "" {
			*l = nil
			return nil
		}
		*l = StringList{s}
		return nil
	case yaml.SequenceNode:
		var items []string
		if err := node.Decode(&items); err != nil {
			return err
		}
		*l = items
		return nil
	default:
		return fmt.Errorf("expected string or list of strings at line %d", node.Line)
	}
}

// UnmarshalJSON accepts either a JSON string or an array of strings.
func (l *StringList) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		if s == "" {
			*l = nil
		} else {
			*l = StringList{s}
		}
		return nil
	}
	var items []string
	if err := json.Unmarshal(data, &items); err != nil {
		return fmt.Errorf("expected string or list of strings: %w", err)
	}
	*l = items
	return nil
}

// RoleMappingRule configures how one role category is read from the access
// token. An empty Property disables the category.
type RoleMappingRule struct {
	// Property is the claim path, one property name per element.
	Property StringList `yaml:"property" json:"property"`
	// Prefix lists the intermediate prefixes applied to each role value.
	// No prefixes means a single empty prefix.
	Prefix StringList `yaml:"prefix" json:"prefix"`
}

// Enabled reports whether the rule has a claim path to resolve.
func (r RoleMappingRule) Enabled() bool {
	return len(r.Property) > 0
}

// Prefixes returns the configured prefixes, defaulting to a single empty one.
func (r RoleMappingRule) Prefixes() []string {
	if len(r.Prefix) == 0 {
		return []string{""}
	}
	return r.Prefix
}

// IssuerConfig is the configuration of one identity provider, keyed by its
// issuer identifier in the process-wide issuer map.
type IssuerConfig struct {
	ClientID              string            `yaml:"client_id" json:"client_id"`
	ClientSecret          string            `yaml:"client_secret" json:"-"`
	ClientSecretEncrypted string            `yaml:"client_secret_encrypted" json:"-"`
	Name                  string            `yaml:"name" json:"name,omitempty"`
	Scope                 StringList        `yaml:"scope" json:"scope,omitempty"`
	AuthParams            map[string]string `yaml:"auth_params" json:"auth_params,omitempty"`
	Proxy                 string            `yaml:"proxy" json:"proxy,omitempty"`
	PreferredUsername     string            `yaml:"preferred_username_claim" json:"preferred_username_claim,omitempty"`
	GlobalRoles           RoleMappingRule   `yaml:"global_roles" json:"global_roles"`
	ScopedRoles           RoleMappingRule   `yaml:"scoped_roles" json:"scoped_roles"`
}

// Usable reports whether both client credentials are present. An unusable
// config is a configuration error, never a crash.
func (c *IssuerConfig) Usable() bool {
	return c != nil && c.ClientID != "" && c.ClientSecret != ""
}

// PreferredUsernameClaim returns the claim name holding the username candidate.
func (c *IssuerConfig) PreferredUsernameClaim() string {
	if c == nil || c.PreferredUsername == "" {
		return DefaultPreferredUsernameClaim
	}
	return c.PreferredUsername
}

// RoleRule returns the mapping rule for a category.
func (c *IssuerConfig) RoleRule(cat RoleCategory) RoleMappingRule {
	if c == nil {
		return RoleMappingRule{}
	}
	switch cat {
	case RoleCategoryGlobal:
		return c.GlobalRoles
	case RoleCategoryScoped:
		return c.ScopedRoles
	default:
		return RoleMappingRule{}
	}
}

// DisplayName returns the label shown in the issuer selection list.
func (c *IssuerConfig) DisplayName(issuer string) string {
	if c != nil && c.Name != "" {
		return c.Name
	}
	return issuer
}
