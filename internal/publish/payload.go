// Package publish implements result fan-out: a set of destinations with
// independent rate/failure/pause state behind a shared non-blocking
// publisher.
package publish

import "strconv"

// Payload is one structured result document on its way to destinations.
type Payload map[string]any

// Clone returns a shallow copy so per-destination additions (image data)
// never leak between destinations.
func (p Payload) Clone() Payload {
	c := make(Payload, len(p)+2)
	for k, v := range p {
		c[k] = v
	}
	return c
}

// Settings is the transport-specific configuration blob of a destination.
type Settings map[string]any

// String returns the setting as a string, or def when absent.
func (s Settings) String(key, def string) string {
	v, ok := s[key]
	if !ok {
		return def
	}
	str, ok := v.(string)
	if !ok {
		return def
	}
	return str
}

// Int returns the setting as an int, tolerating the numeric types JSON and
// YAML decoders produce.
func (s Settings) Int(key string, def int) int {
	switch v := s[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	case string:
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

// Float returns the setting as a float64, or def when absent.
func (s Settings) Float(key string, def float64) float64 {
	switch v := s[key].(type) {
	case float64:
		return v
	case int:
		return float64(v)
	case int64:
		return float64(v)
	case string:
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}

// Bool returns the setting as a bool, or def when absent.
func (s Settings) Bool(key string, def bool) bool {
	v, ok := s[key].(bool)
	if !ok {
		return def
	}
	return v
}

// StringMap returns a nested map of string settings (webhook headers).
func (s Settings) StringMap(key string) map[string]string {
	out := map[string]string{}
	switch m := s[key].(type) {
	case map[string]string:
		for k, v := range m {
			out[k] = v
		}
	case map[string]any:
		for k, v := range m {
			if str, ok := v.(string); ok {
				out[k] = str
			}
		}
	}
	return out
}
