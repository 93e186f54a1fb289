package syncx

import (
	"strconv"
	"time"
)

// RFC3339 converts Unix milliseconds to an RFC3339 timestamp string.
func RFC3339(ms int64) string {
	return time.UnixMilli(ms).UTC().Format(time.RFC3339Nano)
}

// NowMs returns the current Unix milliseconds timestamp (UTC).
func NowMs() int64 {
	return time.Now().UTC().UnixMilli()
}

// ParseTimeToMs converts various time formats to Unix milliseconds.
// Accepts: RFC3339, numeric milliseconds (as string), empty (returns 0).
func ParseTimeToMs(s string) (int64, bool) {
	if s == "" {
		return 0, false
	}

	if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
		return t.UTC().UnixMilli(), true
	}
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t.UTC().UnixMilli(), true
	}

	if ms, err := strconv.ParseInt(s, 10, 64); err == nil {
		return ms, true
	}

	return 0, false
}

// EnsureMonotonicTimestamp returns the current time in milliseconds,
// bumped past prevMs when the wall clock has not advanced. Keeps the
// updated_at_ms change cursor strictly increasing per entity.
func EnsureMonotonicTimestamp(prevMs int64) int64 {
	now := NowMs()
	if now <= prevMs {
		return prevMs + 1
	}
	return now
}
