package store

import (
	"bytes"
	"time"
)

// Predicate maps field names to match conditions. A value is either an
// equality target or a Range for half-open timestamp comparison.
type Predicate map[string]any

// Range is a half-open timestamp window [Gte, Lt) applied to a field holding
// a textual timestamp. Records whose stored value does not parse are
// excluded from the match.
type Range struct {
	Gte time.Time
	Lt  time.Time
}

// Timestamp layouts accepted on records and in queries: RFC 3339 (with or
// without sub-second precision) and the space-separated form some clients
// send.
var timestampLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05",
}

// ParseTimestamp parses a stored or client-supplied timestamp string.
func ParseTimestamp(s string) (time.Time, bool) {
	for _, layout := range timestampLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}

// FormatTimestamp renders t in the canonical stored form.
func FormatTimestamp(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func (p Predicate) matches(rec Record) bool {
	for field, cond := range p {
		stored, ok := rec[field]
		if !ok {
			return false
		}
		switch c := cond.(type) {
		case Range:
			s, ok := stored.(string)
			if !ok {
				return false
			}
			t, ok := ParseTimestamp(s)
			if !ok {
				return false
			}
			if t.Before(c.Gte) || !t.Before(c.Lt) {
				return false
			}
		default:
			if !valueEqual(stored, cond) {
				return false
			}
		}
	}
	return true
}

// valueEqual compares a stored value against a query value. Numbers are
// compared numerically because JSON decoding turns every number into float64,
// and byte slices byte-wise.
func valueEqual(stored, query any) bool {
	if sb, ok := stored.([]byte); ok {
		qb, ok := query.([]byte)
		return ok && bytes.Equal(sb, qb)
	}
	if sn, ok := asFloat(stored); ok {
		qn, ok := asFloat(query)
		return ok && sn == qn
	}
	return stored == query
}

func asFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	}
	return 0, false
}

// AsInt reads a numeric record field as an int, tolerating the float64 that
// JSON decoding produces.
func AsInt(v any) (int, bool) {
	f, ok := asFloat(v)
	return int(f), ok
}
