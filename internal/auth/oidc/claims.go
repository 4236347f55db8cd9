package oidc

import (
	"encoding/json"
	"reflect"
	"strconv"
	"strings"
)

// Claims is a decoded claim set. JSON objects decode to map[string]any,
// arrays to []any, and scalars to string, float64, bool or nil.
type Claims map[string]any

// String returns a top-level claim as a string, or "" if it is absent or
// not a string.
func (c Claims) String(name string) string {
	s, _ := c[name].(string)
	return s
}

// Subject returns the "sub" claim.
func (c Claims) Subject() string { return c.String("sub") }

// Issuer returns the "iss" claim.
func (c Claims) Issuer() string { return c.String("iss") }

// Clone returns a deep copy made through a JSON round trip. Values that
// cannot be encoded are dropped.
func (c Claims) Clone() Claims {
	if c == nil {
		return nil
	}
	data, err := json.Marshal(c)
	if err != nil {
		return Claims{}
	}
	var out Claims
	_ = json.Unmarshal(data, &out)
	return out
}

// ParseClaims decodes a JSON object into Claims.
func ParseClaims(data []byte) (Claims, error) {
	var c Claims
	if err := json.Unmarshal(data, &c); err != nil {
		return nil, err
	}
	return c, nil
}

// Member is implemented by object-like claim containers that expose named
// properties without being maps.
type Member interface {
	ClaimMember(name string) (any, bool)
}

// ResolvePath walks root along path, one property name per element, and
// returns the value found as a sequence. A missing key or property at any
// depth, or a nil node, yields an empty result. A final value that is
// already a sequence is returned as is; any other value is wrapped in a
// one-element sequence.
//
// Keyed nodes may be maps with string keys; object-like nodes may be
// structs (matched by json tag, then field name) or implement Member.
// Sequences can be indexed with a decimal path element.
func ResolvePath(root any, path []string) []any {
	node := root
	for _, name := range path {
		if isNil(node) {
			return nil
		}
		next, ok := member(node, name)
		if !ok {
			return nil
		}
		node = next
	}
	return asSequence(node)
}

func member(node any, name string) (any, bool) {
	switch v := node.(type) {
	case Claims:
		val, ok := v[name]
		return val, ok
	case map[string]any:
		val, ok := v[name]
		return val, ok
	case map[string]string:
		val, ok := v[name]
		return val, ok
	case []any:
		i, ok := index(name, len(v))
		if !ok {
			return nil, false
		}
		return v[i], true
	case Member:
		return v.ClaimMember(name)
	}

	rv := reflect.ValueOf(node)
	for rv.Kind() == reflect.Pointer || rv.Kind() == reflect.Interface {
		if rv.IsNil() {
			return nil, false
		}
		rv = rv.Elem()
	}
	switch rv.Kind() {
	case reflect.Map:
		if rv.Type().Key().Kind() != reflect.String {
			return nil, false
		}
		val := rv.MapIndex(reflect.ValueOf(name).Convert(rv.Type().Key()))
		if !val.IsValid() {
			return nil, false
		}
		return val.Interface(), true
	case reflect.Struct:
		return structField(rv, name)
	case reflect.Slice, reflect.Array:
		i, ok := index(name, rv.Len())
		if !ok {
			return nil, false
		}
		return rv.Index(i).Interface(), true
	}
	return nil, false
}

func structField(rv reflect.Value, name string) (any, bool) {
	t := rv.Type()
	for i := 0; i < t.NumField(); i++ {
		f := t.Field(i)
		if !f.IsExported() {
			continue
		}
		tag, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		if tag == "-" {
			continue
		}
		if tag == name || (tag == "" && f.Name == name) {
			return rv.Field(i).Interface(), true
		}
	}
	return nil, false
}

func index(name string, n int) (int, bool) {
	i, err := strconv.Atoi(name)
	if err != nil || i < 0 || i >= n {
		return 0, false
	}
	return i, true
}

func asSequence(v any) []any {
	if isNil(v) {
		return nil
	}
	switch s := v.(type) {
	case []any:
		return s
	case []string:
		out := make([]any, len(s))
		for i, e := range s {
			out[i] = e
		}
		return out
	}
	rv := reflect.ValueOf(v)
	if (rv.Kind() == reflect.Slice && rv.Type().Elem().Kind() != reflect.Uint8) || rv.Kind() == reflect.Array {
		out := make([]any, rv.Len())
		for i := range out {
			out[i] = rv.Index(i).Interface()
		}
		return out
	}
	return []any{v}
}

func isNil(v any) bool {
	if v == nil {
		return true
	}
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Pointer, reflect.Interface:
		return rv.IsNil()
	}
	return false
}

// ScalarString renders a scalar claim value as a string. Maps, sequences
// and nil are not scalars.
func ScalarString(v any) (string, bool) {
	switch s := v.(type) {
	case string:
		return s, true
	case float64:
		return strconv.FormatFloat(s, 'f', -1, 64), true
	case float32:
		return strconv.FormatFloat(float64(s), 'f', -1, 32), true
	case int:
		return strconv.Itoa(s), true
	case int64:
		return strconv.FormatInt(s, 10), true
	case json.Number:
		return s.String(), true
	case bool:
		return strconv.FormatBool(s), true
	}
	return "", false
}
