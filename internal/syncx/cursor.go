package syncx

import (
	"encoding/base64"
	"fmt"
	"strconv"
	"strings"
)

// Cursor represents a position in the sync stream.
// Format: base64("<updated_at_ms>|<id>")
// Ordering by (updated_at_ms, id) keeps pagination deterministic when many
// rows share a timestamp.
type Cursor struct {
	Ms int64 // Unix milliseconds timestamp
	ID int64 // entity id (tie-breaker within the same timestamp)
}

// EncodeCursor creates a base64-encoded cursor string.
// Returns empty string for a zero-value cursor.
func EncodeCursor(c Cursor) string {
	if c.Ms == 0 && c.ID == 0 {
		return ""
	}
	raw := fmt.Sprintf("%d|%d", c.Ms, c.ID)
	return base64.RawURLEncoding.EncodeToString([]byte(raw))
}

// DecodeCursor parses a cursor string.
// Returns zero-value cursor and false if invalid or empty.
func DecodeCursor(s string) (Cursor, bool) {
	if s == "" {
		return Cursor{}, false
	}

	b, err := base64.RawURLEncoding.DecodeString(s)
	if err != nil {
		return Cursor{}, false
	}

	parts := strings.Split(string(b), "|")
	if len(parts) != 2 {
		return Cursor{}, false
	}

	ms, err := strconv.ParseInt(parts[0], 10, 64)
	if err != nil {
		return Cursor{}, false
	}

	id, err := strconv.ParseInt(parts[1], 10, 64)
	if err != nil {
		return Cursor{}, false
	}

	return Cursor{Ms: ms, ID: id}, true
}
