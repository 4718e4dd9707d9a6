// Package utils reads values out of loosely typed maps decoded from JSON or
// YAML, where numbers may arrive as float64, int or int64.
package utils

// GetString returns m[key] when it is a string, otherwise defaultVal.
func GetString(m map[string]any, key, defaultVal string) string {
	if v, ok := m[key].(string); ok {
		return v
	}
	return defaultVal
}

// GetStringSlice returns m[key] as a string slice. A lone string becomes a
// one-element slice; non-string elements are skipped.
func GetStringSlice(m map[string]any, key string) []string {
	switch v := m[key].(type) {
	case []string:
		return v
	case string:
		return []string{v}
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}

// GetFloat64 returns m[key] as a float64, accepting any numeric type.
func GetFloat64(m map[string]any, key string, defaultVal float64) float64 {
	switch v := m[key].(type) {
	case float64:
		return v
	case float32:
		return float64(v)
	case int:
		return float64(v)
	case int64:
		return float64(v)
	}
	return defaultVal
}

// GetInt returns m[key] as an int. Floats are truncated.
func GetInt(m map[string]any, key string, defaultVal int) int {
	switch v := m[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	}
	return defaultVal
}
