package record

import (
	"encoding/json"
	"fmt"
	"math"
	"strings"
	"time"
)

// Kind identifies what happened to a row.
type Kind string

const (
	KindInsert Kind = "INSERT"
	KindUpdate Kind = "UPDATE"
	KindDelete Kind = "DELETE"
)

// ParseKind normalizes a transport-supplied event type.
// Accepts any casing ("insert", "INSERT"). Unknown kinds are an error.
func ParseKind(s string) (Kind, error) {
	switch k := Kind(strings.ToUpper(strings.TrimSpace(s))); k {
	case KindInsert, KindUpdate, KindDelete:
		return k, nil
	default:
		return "", fmt.Errorf("unknown event kind %q", s)
	}
}

// Record is one row as pushed by the backend.
// For KindDelete it holds the old row.
type Record map[string]any

// Change is a single server-pushed event on a topic.
type Change struct {
	Topic  string `json:"topic"`
	Kind   Kind   `json:"kind"`
	Record Record `json:"record"`
}

// String returns the value of field as a string.
// Numbers are formatted without exponent so numeric IDs compare equal to
// their string form. Returns ("", false) when the field is absent or null.
func (r Record) String(field string) (string, bool) {
	v, ok := r[field]
	if !ok || v == nil {
		return "", false
	}
	switch val := v.(type) {
	case string:
		return val, true
	case json.Number:
		return val.String(), true
	case float64:
		if val == math.Trunc(val) && math.Abs(val) < 1e18 {
			return fmt.Sprintf("%d", int64(val)), true
		}
		return fmt.Sprintf("%v", val), true
	case int, int64, int32:
		return fmt.Sprintf("%d", val), true
	case fmt.Stringer:
		return val.String(), true
	default:
		return fmt.Sprintf("%v", val), true
	}
}

// timestampLayouts are tried in order when a timestamp field holds a string.
// The space-separated forms are what Postgres emits for timestamptz columns.
var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999Z07",
	"2006-01-02 15:04:05.999999999Z07:00",
	"2006-01-02 15:04:05.999999999Z07",
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05.999999999",
}

// Time reads field as an instant.
//
// Supported encodings:
//   - time.Time
//   - RFC 3339 / Postgres timestamp strings
//   - integral numbers, interpreted as unix milliseconds
//
// Returns (zero, false, nil) when the field is absent or null, and a non-nil
// error when it is present but unparsable.
func (r Record) Time(field string) (time.Time, bool, error) {
	v, ok := r[field]
	if !ok || v == nil {
		return time.Time{}, false, nil
	}
	t, err := ParseTime(v)
	if err != nil {
		return time.Time{}, true, fmt.Errorf("field %q: %w", field, err)
	}
	return t, true, nil
}

// ParseTime converts a decoded JSON value to an instant.
func ParseTime(v any) (time.Time, error) {
	switch val := v.(type) {
	case time.Time:
		return val, nil
	case string:
		for _, layout := range timestampLayouts {
			if t, err := time.Parse(layout, val); err == nil {
				return t, nil
			}
		}
		return time.Time{}, fmt.Errorf("unparsable timestamp %q", val)
	case json.Number:
		ms, err := val.Int64()
		if err != nil {
			return time.Time{}, fmt.Errorf("non-integral timestamp %q", val.String())
		}
		return time.UnixMilli(ms), nil
	case float64:
		if val != math.Trunc(val) {
			return time.Time{}, fmt.Errorf("non-integral timestamp %v", val)
		}
		return time.UnixMilli(int64(val)), nil
	case int64:
		return time.UnixMilli(val), nil
	case int:
		return time.UnixMilli(int64(val)), nil
	default:
		return time.Time{}, fmt.Errorf("unsupported timestamp type %T", v)
	}
}

// Clone returns a shallow copy so a fan-out callback cannot mutate the
// record seen by its siblings at the top level.
func (r Record) Clone() Record {
	if r == nil {
		return nil
	}
	out := make(Record, len(r))
	for k, v := range r {
		out[k] = v
	}
	return out
}
