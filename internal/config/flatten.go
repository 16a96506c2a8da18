package config

import (
	"slices"
	"strings"
)

// secretKeys are masked by list and get.
var secretKeys = map[string]bool{
	"backend.api_key": true,
}

// IsSecretKey reports whether key holds a credential.
func IsSecretKey(key string) bool {
	return secretKeys[key]
}

// IsKnownKey reports whether key names a setting the client reads.
func IsKnownKey(key string) bool {
	known, err := ListValues(Default(), false)
	if err != nil {
		return false
	}
	_, ok := known[key]
	return ok
}

// Flatten turns the nested config map into dot keys, so
// {"stream": {"stall_timeout": "60s"}} becomes {"stream.stall_timeout": "60s"}.
func Flatten(m map[string]any) map[string]any {
	out := make(map[string]any)
	flattenInto(out, "", m)
	return out
}

func flattenInto(out map[string]any, prefix string, m map[string]any) {
	for k, v := range m {
		if prefix != "" {
			k = prefix + "." + k
		}
		if child, ok := v.(map[string]any); ok {
			flattenInto(out, k, child)
			continue
		}
		out[k] = v
	}
}

// Unflatten is the inverse of Flatten. A dot key whose parent holds a
// plain value replaces that value with a section.
func Unflatten(flat map[string]any) map[string]any {
	out := make(map[string]any)
	for key, v := range flat {
		section := out
		parts := strings.Split(key, ".")
		for _, part := range parts[:len(parts)-1] {
			child, ok := section[part].(map[string]any)
			if !ok {
				child = make(map[string]any)
				section[part] = child
			}
			section = child
		}
		section[parts[len(parts)-1]] = v
	}
	return out
}

// SortedKeys returns the keys of flat in lexical order.
func SortedKeys(flat map[string]any) []string {
	keys := make([]string, 0, len(flat))
	for k := range flat {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}

// MaskSecrets returns a copy of flat where non-empty secrets keep only
// their last four characters, as "***abcd".
func MaskSecrets(flat map[string]any) map[string]any {
	out := make(map[string]any, len(flat))
	for k, v := range flat {
		s, ok := v.(string)
		if secretKeys[k] && ok && s != "" {
			v = mask(s)
		}
		out[k] = v
	}
	return out
}

func mask(s string) string {
	if len(s) <= 4 {
		return "***" + s
	}
	return "***" + s[len(s)-4:]
}
