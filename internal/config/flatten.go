package config

import "strings"

// secretKeys lists the dot-separated keys whose values should be masked.
var secretKeys = map[string]bool{
	"providers.openai.api_key":    true,
	"providers.azure.api_key":     true,
	"providers.anthropic.api_key": true,
	"providers.local.api_key":     true,
	"tools.brave.api_key":         true,
	"tools.weather.api_key":       true,
}

// IsSecretKey returns true if the given dot-separated key is a secret.
func IsSecretKey(key string) bool {
	return secretKeys[key]
}

// Flatten converts a nested map into a flat map with dot-separated keys.
// For example, {"defaults": {"model": "gpt-4"}} becomes {"defaults.model": "gpt-4"}.
func Flatten(m map[string]any) map[string]any {
	out := make(map[string]any)
	flatten("", m, out)
	return out
}

func flatten(prefix string, m map[string]any, out map[string]any) {
	for k, v := range m {
		key := k
		if prefix != "" {
			key = prefix + "." + k
		}
		switch child := v.(type) {
		case map[string]any:
			flatten(key, child, out)
		default:
			out[key] = v
		}
	}
}

// Unflatten converts a flat map with dot-separated keys back into a nested map.
// Intermediate values that are not maps are replaced.
func Unflatten(flat map[string]any) map[string]any {
	out := make(map[string]any)
	for k, v := range flat {
		setPath(out, strings.Split(k, "."), v)
	}
	return out
}

func setPath(m map[string]any, path []string, v any) {
	for _, part := range path[:len(path)-1] {
		child, ok := m[part].(map[string]any)
		if !ok {
			child = make(map[string]any)
			m[part] = child
		}
		m = child
	}
	m[path[len(path)-1]] = v
}

// MaskSecrets returns a copy of the flat map with secret values masked.
// Non-empty secrets become "***" plus their last four characters.
func MaskSecrets(flat map[string]any) map[string]any {
	out := make(map[string]any, len(flat))
	for k, v := range flat {
		out[k] = v
		if s, ok := v.(string); ok && s != "" && secretKeys[k] {
			out[k] = "***" + s[max(0, len(s)-4):]
		}
	}
	return out
}
