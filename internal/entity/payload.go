package entity

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
)

// Payloads are loosely typed JSON objects (map[string]any) the way clients
// send them. Validation happens on ingress; storage keeps the raw object.

// GetString safely extracts a string value from a payload.
func GetString(m map[string]any, k string) (string, bool) {
	if v, ok := m[k]; ok {
		if s, ok2 := v.(string); ok2 {
			return s, true
		}
	}
	return "", false
}

// GetBool safely extracts a bool value from a payload.
func GetBool(m map[string]any, k string) (bool, bool) {
	if v, ok := m[k]; ok {
		if b, ok2 := v.(bool); ok2 {
			return b, true
		}
	}
	return false, false
}

// GetInt64 safely extracts an integer value from a payload.
// JSON decoding yields float64; both representations are accepted.
func GetInt64(m map[string]any, k string) (int64, bool) {
	switch v := m[k].(type) {
	case float64:
		return int64(v), true
	case int64:
		return v, true
	case int:
		return int64(v), true
	}
	return 0, false
}

// GetStringSlice safely extracts a list of strings from a payload.
func GetStringSlice(m map[string]any, k string) ([]string, bool) {
	v, ok := m[k]
	if !ok {
		return nil, false
	}
	raw, ok := v.([]any)
	if !ok {
		return nil, false
	}
	out := make([]string, 0, len(raw))
	for _, e := range raw {
		s, ok := e.(string)
		if !ok {
			return nil, false
		}
		out = append(out, s)
	}
	return out, true
}

// ContentHash returns the hex SHA-256 of a note's content.
func ContentHash(content string) string {
	sum := sha256.Sum256([]byte(content))
	return hex.EncodeToString(sum[:])
}

// knownFields maps each kind to the payload keys the server understands.
// Unknown fields are allowed and passed through untouched.
var knownFields = map[Kind][]string{
	KindNote:   {"title", "content", "folderId", "pinned"},
	KindFolder: {"name", "parentId"},
	KindReview: {"date", "content", "mood", "achievements", "improvements", "plans"},
}

// ValidatePayload checks the types of known fields for a kind.
func ValidatePayload(kind Kind, payload map[string]any) error {
	if payload == nil {
		return fmt.Errorf("missing payload")
	}
	for _, key := range knownFields[kind] {
		v, present := payload[key]
		if !present || v == nil {
			continue
		}
		if !validValue(key, v) {
			return fmt.Errorf("field %q has invalid type", key)
		}
	}
	return nil
}

func validValue(key string, v any) bool {
	switch key {
	case "title", "content", "name", "date", "mood":
		_, ok := v.(string)
		return ok
	case "pinned":
		_, ok := v.(bool)
		return ok
	case "folderId", "parentId":
		switch v.(type) {
		case float64, int64, int:
			return true
		}
		return false
	case "achievements", "improvements", "plans":
		raw, ok := v.([]any)
		if !ok {
			return false
		}
		for _, e := range raw {
			if _, ok := e.(string); !ok {
				return false
			}
		}
		return true
	}
	return true
}
