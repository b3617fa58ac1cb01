package workflow

import (
	"fmt"
	"strings"
	"time"
)

// ConfigString reads a string entry from a block or guard config map.
func ConfigString(cfg map[string]any, key string) (string, bool) {
	v, ok := cfg[key]
	if !ok || v == nil {
		return "", false
	}
	switch t := v.(type) {
	case string:
		return t, true
	case fmt.Stringer:
		return t.String(), true
	default:
		return fmt.Sprint(t), true
	}
}

// ConfigStrings reads a list of strings. A single string is split on commas.
func ConfigStrings(cfg map[string]any, key string) []string {
	v, ok := cfg[key]
	if !ok || v == nil {
		return nil
	}
	var out []string
	add := func(s string) {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	switch t := v.(type) {
	case string:
		for _, part := range strings.Split(t, ",") {
			add(part)
		}
	case []string:
		for _, s := range t {
			add(s)
		}
	case []any:
		for _, item := range t {
			if item != nil {
				add(fmt.Sprint(item))
			}
		}
	default:
		add(fmt.Sprint(t))
	}
	return out
}

// ConfigMap reads a nested map entry.
func ConfigMap(cfg map[string]any, key string) map[string]any {
	switch t := cfg[key].(type) {
	case map[string]any:
		return t
	case map[any]any:
		out := make(map[string]any, len(t))
		for k, v := range t {
			out[fmt.Sprint(k)] = v
		}
		return out
	default:
		return nil
	}
}

// ConfigDuration reads a duration given as a Go duration string or as a
// number of milliseconds.
func ConfigDuration(cfg map[string]any, key string) (time.Duration, error) {
	v, ok := cfg[key]
	if !ok || v == nil {
		return 0, nil
	}
	switch t := v.(type) {
	case time.Duration:
		return t, nil
	case string:
		d, err := time.ParseDuration(strings.TrimSpace(t))
		if err != nil {
			return 0, fmt.Errorf("%s: %w", key, err)
		}
		return d, nil
	case int:
		return time.Duration(t) * time.Millisecond, nil
	case int64:
		return time.Duration(t) * time.Millisecond, nil
	case float64:
		return time.Duration(t * float64(time.Millisecond)), nil
	default:
		return 0, fmt.Errorf("%s: unsupported duration value %T", key, v)
	}
}

// SameValue compares two loosely typed values, treating values from
// different decoders (yaml ints, json float64s) as equal when they print
// the same.
func SameValue(a, b any) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return fmt.Sprint(a) == fmt.Sprint(b)
}
