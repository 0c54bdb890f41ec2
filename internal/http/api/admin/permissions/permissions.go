package permissions

import (
	"fmt"
	"net/http"
	"slices"
	"strings"
)

// Definition describes one admin route that a token may be granted.
type Definition struct {
	Key      string `json:"key"`
	Method   string `json:"method"`
	Path     string `json:"path"`
	Label    string `json:"label"`
	Scope    string `json:"scope"`
	ReadOnly bool   `json:"read_only"`
}

// Key builds a permission key from method and route path.
func Key(method, path string) string {
	return strings.ToUpper(method) + " " + path
}

// Expand replaces scope shorthands such as "policies:read" or "policies:*" with the
// route keys they cover. Other entries pass through unchanged.
func Expand(perms []string) []string {
	out := make([]string, 0, len(perms))
	for _, perm := range perms {
		scope, access, ok := strings.Cut(strings.TrimSpace(perm), ":")
		if !ok {
			out = append(out, perm)
			continue
		}
		matched := false
		for _, def := range definitions {
			if def.Scope != scope {
				continue
			}
			if access == "*" || (access == "read" && def.ReadOnly) || (access == "write" && !def.ReadOnly) {
				out = append(out, def.Key)
				matched = true
			}
		}
		if !matched {
			out = append(out, perm)
		}
	}
	return out
}

// NormalizePermissions trims, de-duplicates and sorts permissions.
func NormalizePermissions(perms []string) []string {
	normalized := make([]string, 0, len(perms))
	for _, perm := range perms {
		if trimmed := strings.TrimSpace(perm); trimmed != "" {
			normalized = append(normalized, trimmed)
		}
	}
	slices.Sort(normalized)
	return slices.Compact(normalized)
}

// ValidatePermissions reports every permission that names no admin route.
func ValidatePermissions(perms []string) error {
	var unknown []string
	for _, perm := range perms {
		trimmed := strings.TrimSpace(perm)
		if trimmed == "" {
			continue
		}
		if _, ok := byKey[trimmed]; !ok {
			unknown = append(unknown, trimmed)
		}
	}
	if len(unknown) > 0 {
		return fmt.Errorf("invalid permission: %s", strings.Join(unknown, ", "))
	}
	return nil
}

// HasPermission reports whether key is among the granted permissions.
func HasPermission(perms []string, key string) bool {
	return key != "" && slices.Contains(perms, key)
}

// Definitions returns a copy of all permission definitions.
func Definitions() []Definition {
	return slices.Clone(definitions)
}

func define(method, path, label, scope string) Definition {
	method = strings.ToUpper(method)
	return Definition{
		Key:      Key(method, path),
		Method:   method,
		Path:     path,
		Label:    label,
		Scope:    scope,
		ReadOnly: method == http.MethodGet,
	}
}

var definitions = []Definition{
	define(http.MethodGet, "/v0/admin/policies", "List policies", "policies"),
	define(http.MethodGet, "/v0/admin/policies/*name", "Get policy", "policies"),
	define(http.MethodPut, "/v0/admin/policies/*name", "Save policy", "policies"),
	define(http.MethodDelete, "/v0/admin/policies/*name", "Delete policy", "policies"),
	define(http.MethodGet, "/v0/admin/permissions", "List permissions", "permissions"),
}

var byKey = func() map[string]Definition {
	out := make(map[string]Definition, len(definitions))
	for _, def := range definitions {
		out[def.Key] = def
	}
	return out
}()
