package domain

import (
	"encoding/json"
	"reflect"
	"testing"

	"gopkg.in/yaml.v3"
)

func TestStringList_UnmarshalYAML(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want StringList
	}{
		{"scalar", "scope: openid", StringList{"openid"}},
		{"sequence", "scope: [openid, email]", StringList{"openid", "email"}},
		{"empty scalar", `scope: ""`, nil},
		{"absent", "other: x", nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var v struct {
				Scope StringList `yaml:"scope"`
			}
			if err := yaml.Unmarshal([]byte(tt.in), &v); err != nil {
				t.Fatalf("unmarshal: %v", err)
			}
			if !reflect.DeepEqual(v.Scope, tt.want) {
				t.Errorf("Scope = %#v, want %#v", v.Scope, tt.want)
			}
		})
	}
}

func TestStringList_UnmarshalYAML_RejectsMapping(t *testing.T) {
	var v struct {
		Scope StringList `yaml:"scope"`
	}
	if err := yaml.Unmarshal([]byte("scope: {a: b}"), &v); err == nil {
		t.Fatal("expected error for mapping node")
	}
}

func TestStringList_UnmarshalJSON(t *testing.T) {
	var one, many StringList
	if err := json.Unmarshal([]byte(`"roles"`), &one); err != nil {
		t.Fatalf("unmarshal string: %v", err)
	}
	if err := json.Unmarshal([]byte(`["realm_access","roles"]`), &many); err != nil {
		t.Fatalf("unmarshal list: %v", err)
	}
	if !reflect.DeepEqual(one, StringList{"roles"}) {
		t.Errorf("one = %#v", one)
	}
	if !reflect.DeepEqual(many, StringList{"realm_access", "roles"}) {
		t.Errorf("many = %#v", many)
	}
	var bad StringList
	if err := json.Unmarshal([]byte(`42`), &bad); err == nil {
		t.Error("expected error for number")
	}
}

func TestIssuerConfig_Usable(t *testing.T) {
	tests := []struct {
		name string
		cfg  *IssuerConfig
		want bool
	}{
		{"nil", nil, false},
		{"both", &IssuerConfig{ClientID: "id", ClientSecret: "s"}, true},
		{"no secret", &IssuerConfig{ClientID: "id"}, false},
		{"no id", &IssuerConfig{ClientSecret: "s"}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.cfg.Usable(); got != tt.want {
				t.Errorf("Usable() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestIssuerConfig_PreferredUsernameClaim(t *testing.T) {
	if got := (&IssuerConfig{}).PreferredUsernameClaim(); got != "preferred_username" {
		t.Errorf("default claim = %q", got)
	}
	if got := (&IssuerConfig{PreferredUsername: "upn"}).PreferredUsernameClaim(); got != "upn" {
		t.Errorf("override claim = %q", got)
	}
}

func TestRoleMappingRule_Prefixes(t *testing.T) {
	if got := (RoleMappingRule{}).Prefixes(); !reflect.DeepEqual(got, []string{""}) {
		t.Errorf("default prefixes = %#v", got)
	}
	r := RoleMappingRule{Prefix: StringList{"a_", "b_"}}
	if got := r.Prefixes(); !reflect.DeepEqual(got, []string{"a_", "b_"}) {
		t.Errorf("prefixes = %#v", got)
	}
	if (RoleMappingRule{}).Enabled() {
		t.Error("empty property should disable the rule")
	}
}

func TestIssuers_Lookup(t *testing.T) {
	cfg := &IssuerConfig{ClientID: "id", ClientSecret: "s"}
	issuers := Issuers{"https://idp.example.com/": cfg}

	if got, ok := issuers.Lookup("https://idp.example.com/"); !ok || got != cfg {
		t.Error("exact lookup failed")
	}
	if got, ok := issuers.Lookup("https://idp.example.com"); !ok || got != cfg {
		t.Error("trailing slash lookup failed")
	}
	if _, ok := issuers.Lookup("https://other.example.com"); ok {
		t.Error("unexpected match")
	}
}

func TestIssuers_LookupPrefersExactKey(t *testing.T) {
	bare := &IssuerConfig{ClientID: "bare", ClientSecret: "s"}
	slashed := &IssuerConfig{ClientID: "slashed", ClientSecret: "s"}
	issuers := Issuers{"https://idp.example.com": bare, "https://idp.example.com/": slashed}

	for i := 0; i < 50; i++ {
		if got, ok := issuers.Lookup("https://idp.example.com"); !ok || got != bare {
			t.Fatalf("lookup %d without slash returned %v", i, got)
		}
		if got, ok := issuers.Lookup("https://idp.example.com/"); !ok || got != slashed {
			t.Fatalf("lookup %d with slash returned %v", i, got)
		}
	}
	if keys := issuers.Keys(); len(keys) != 2 || keys[0] != "https://idp.example.com" {
		t.Errorf("Keys = %v", keys)
	}
}

func TestIssuers_Only(t *testing.T) {
	if _, _, ok := (Issuers{}).Only(); ok {
		t.Error("empty map has no single issuer")
	}
	iss, _, ok := Issuers{"a": {}}.Only()
	if !ok || iss != "a" {
		t.Errorf("Only() = %q, %v", iss, ok)
	}
	if _, _, ok := (Issuers{"a": {}, "b": {}}).Only(); ok {
		t.Error("two issuers have no single issuer")
	}
	if got := (Issuers{"b": {}, "a": {}}).Keys(); !reflect.DeepEqual(got, []string{"a", "b"}) {
		t.Errorf("Keys() = %v", got)
	}
}
