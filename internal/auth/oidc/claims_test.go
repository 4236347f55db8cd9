package oidc

import (
	"reflect"
	"testing"
)

type realmAccess struct {
	Roles []string `json:"roles"`
}

type tokenShape struct {
	RealmAccess *realmAccess `json:"realm_access"`
	Tenant      string
	hidden      string
}

type memberBag map[string]any

func (m memberBag) ClaimMember(name string) (any, bool) {
	v, ok := m[name]
	return v, ok
}

func TestResolvePath(t *testing.T) {
	root := Claims{
		"sub": "user-1",
		"realm_access": map[string]any{
			"roles": []any{"admin", "editor"},
		},
		"resource_access": map[string]any{
			"wiki": map[string]any{"roles": "reader"},
		},
		"nothing": nil,
		"flag":    true,
	}

	tests := []struct {
		name string
		root any
		path []string
		want []any
	}{
		{"sequence returned verbatim", root, []string{"realm_access", "roles"}, []any{"admin", "editor"}},
		{"scalar wrapped", root, []string{"resource_access", "wiki", "roles"}, []any{"reader"}},
		{"top-level scalar", root, []string{"sub"}, []any{"user-1"}},
		{"bool scalar", root, []string{"flag"}, []any{true}},
		{"missing intermediate key", root, []string{"resource_access", "mail", "roles"}, nil},
		{"missing leaf key", root, []string{"realm_access", "groups"}, nil},
		{"null intermediate", root, []string{"nothing", "roles"}, nil},
		{"null leaf", root, []string{"nothing"}, nil},
		{"descend into scalar", root, []string{"sub", "x"}, nil},
		{"nil root", nil, []string{"a"}, nil},
		{"index into sequence", root, []string{"realm_access", "roles", "1"}, []any{"editor"}},
		{"index out of range", root, []string{"realm_access", "roles", "5"}, nil},
		{"empty path", map[string]any{"a": 1.0}, nil, []any{map[string]any{"a": 1.0}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := ResolvePath(tt.root, tt.path)
			if !reflect.DeepEqual(got, tt.want) {
				t.Errorf("ResolvePath() = %#v, want %#v", got, tt.want)
			}
		})
	}
}

func TestResolvePath_ObjectNodes(t *testing.T) {
	shape := &tokenShape{
		RealmAccess: &realmAccess{Roles: []string{"ops"}},
		Tenant:      "blue",
		hidden:      "x",
	}

	tests := []struct {
		name string
		root any
		path []string
		want []any
	}{
		{"struct by json tag", shape, []string{"realm_access", "roles"}, []any{"ops"}},
		{"struct by field name", shape, []string{"Tenant"}, []any{"blue"}},
		{"unexported field", shape, []string{"hidden"}, nil},
		{"missing property", shape, []string{"resource_access", "roles"}, nil},
		{"nil pointer property", &tokenShape{}, []string{"realm_access", "roles"}, nil},
		{"member interface", memberBag{"groups": []any{"a"}}, []string{"groups"}, []any{"a"}},
		{"member missing", memberBag{}, []string{"groups"}, nil},
		{"map inside member", memberBag{"m": map[string]string{"k": "v"}}, []string{"m", "k"}, []any{"v"}},
		{"mixed nesting", map[string]any{"obj": shape}, []string{"obj", "realm_access", "roles"}, []any{"ops"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := ResolvePath(tt.root, tt.path)
			if !reflect.DeepEqual(got, tt.want) {
				t.Errorf("ResolvePath() = %#v, want %#v", got, tt.want)
			}
		})
	}
}

func TestScalarString(t *testing.T) {
	tests := []struct {
		in   any
		want string
		ok   bool
	}{
		{"admin", "admin", true},
		{float64(42), "42", true},
		{1.5, "1.5", true},
		{true, "true", true},
		{nil, "", false},
		{[]any{"a"}, "", false},
		{map[string]any{}, "", false},
	}
	for _, tt := range tests {
		got, ok := ScalarString(tt.in)
		if got != tt.want || ok != tt.ok {
			t.Errorf("ScalarString(%#v) = %q, %v; want %q, %v", tt.in, got, ok, tt.want, tt.ok)
		}
	}
}

func TestClaimsAccessors(t *testing.T) {
	c, err := ParseClaims([]byte(`{"sub":"s-1","iss":"https://idp","n":3}`))
	if err != nil {
		t.Fatalf("ParseClaims: %v", err)
	}
	if c.Subject() != "s-1" || c.Issuer() != "https://idp" {
		t.Errorf("Subject/Issuer = %q/%q", c.Subject(), c.Issuer())
	}
	if c.String("n") != "" {
		t.Error("non-string claim should read as empty")
	}
	clone := c.Clone()
	clone["sub"] = "changed"
	if c.Subject() != "s-1" {
		t.Error("Clone shares storage with original")
	}
	if _, err := ParseClaims([]byte(`[1]`)); err == nil {
		t.Error("expected error for non-object payload")
	}
}
