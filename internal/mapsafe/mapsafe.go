package mapsafe

import "time"

// Get retrieves a typed value from backend parameters.
// Numbers decoded from JSON arrive as float64 and numbers set in Go code as int,
// so both are accepted for int and float64 targets. Durations accept a
// time.Duration, a string understood by time.ParseDuration or a number of
// milliseconds. A missing key or an unconvertible value yields defaultValue.
func Get[T any](params map[string]any, key string, defaultValue T) T {
	raw, ok := params[key]
	if !ok || raw == nil {
		return defaultValue
	}

	var out any
	switch any(defaultValue).(type) {
	case int:
		switch x := raw.(type) {
		case int:
			out = x
		case int64:
			out = int(x)
		case float64:
			out = int(x)
		}
	case float64:
		switch x := raw.(type) {
		case float64:
			out = x
		case float32:
			out = float64(x)
		case int:
			out = float64(x)
		}
	case time.Duration:
		switch x := raw.(type) {
		case time.Duration:
			out = x
		case string:
			if d, err := time.ParseDuration(x); err == nil {
				out = d
			}
		case int:
			out = time.Duration(x) * time.Millisecond
		case float64:
			out = time.Duration(x * float64(time.Millisecond))
		}
	default:
		out = raw
	}

	if v, ok := out.(T); ok {
		return v
	}

	return defaultValue
}

// Has reports whether key is present with a non-nil value.
func Has(params map[string]any, key string) bool {
	v, ok := params[key]
	return ok && v != nil
}
