package store

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"

	"github.com/roach88/livesync/internal/record"
)

// marshalValue converts an entity value or record to canonical JSON TEXT.
//
// Values of arbitrary Go types are first encoded with encoding/json (so
// struct tags apply) and then re-encoded canonically, which keeps journal
// contents byte-stable for golden traces.
func marshalValue(v any) (string, error) {
	if v == nil {
		return "null", nil
	}

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return "", fmt.Errorf("marshal value: %w", err)
	}

	var generic any
	dec := json.NewDecoder(&buf)
	dec.UseNumber()
	if err := dec.Decode(&generic); err != nil {
		return "", fmt.Errorf("marshal value: %w", err)
	}

	data, err := record.MarshalCanonical(generic)
	if err != nil {
		return "", fmt.Errorf("marshal value: %w", err)
	}
	return string(data), nil
}

// formatTime stores instants as RFC 3339 in UTC. The zero instant is "".
func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339Nano)
}

// parseTime is the inverse of formatTime.
func parseTime(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse stored time %q: %w", s, err)
	}
	return t, nil
}
