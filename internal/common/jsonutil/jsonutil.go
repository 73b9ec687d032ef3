// Package jsonutil provides JSON helpers for database columns that store
// JSON-encoded values. Parsing is always best-effort: malformed or empty
// input yields the caller's fallback instead of an error.
package jsonutil

import "encoding/json"

// ParseMap decodes raw into a map, returning fallback when raw is empty or
// malformed. It never fails.
func ParseMap(raw []byte, fallback map[string]interface{}) map[string]interface{} {
	if len(raw) == 0 {
		return fallback
	}
	var out map[string]interface{}
	if err := json.Unmarshal(raw, &out); err != nil || out == nil {
		return fallback
	}
	return out
}

// ParseStrings decodes raw into a string slice, returning fallback when raw
// is empty or malformed.
func ParseStrings(raw []byte, fallback []string) []string {
	if len(raw) == 0 {
		return fallback
	}
	var out []string
	if err := json.Unmarshal(raw, &out); err != nil {
		return fallback
	}
	return out
}

// ParseInto decodes raw into dst. Returns false (leaving dst untouched on
// failure paths json.Unmarshal guarantees) when raw is empty or malformed.
func ParseInto(raw []byte, dst interface{}) bool {
	if len(raw) == 0 {
		return false
	}
	return json.Unmarshal(raw, dst) == nil
}

// MarshalOrEmpty encodes v, returning "{}" when encoding fails or v is nil.
// Intended for JSON object columns that must never hold invalid JSON.
func MarshalOrEmpty(v interface{}) []byte {
	if v == nil {
		return []byte("{}")
	}
	data, err := json.Marshal(v)
	if err != nil {
		return []byte("{}")
	}
	return data
}

// MarshalOrList encodes v, returning "[]" when encoding fails or v is nil.
// Intended for JSON array columns that must never hold invalid JSON.
func MarshalOrList(v interface{}) []byte {
	if v == nil {
		return []byte("[]")
	}
	data, err := json.Marshal(v)
	if err != nil || string(data) == "null" {
		return []byte("[]")
	}
	return data
}

// MarshalOrNull encodes v, returning "null" when encoding fails.
func MarshalOrNull(v interface{}) []byte {
	data, err := json.Marshal(v)
	if err != nil {
		return []byte("null")
	}
	return data
}
