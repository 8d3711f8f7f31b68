package record

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
)

// DomainChange separates change IDs from any other hash in the system.
const DomainChange = "livesync/change/v1"

// ChangeID computes a content-addressed ID for a change.
// The same (topic, kind, record) always yields the same ID, which lets the
// journal record redelivered events idempotently.
func ChangeID(c Change) (string, error) {
	canonical, err := MarshalCanonical(map[string]any{
		"topic":  c.Topic,
		"kind":   string(c.Kind),
		"record": map[string]any(c.Record),
	})
	if err != nil {
		return "", fmt.Errorf("ChangeID: %w", err)
	}

	h := sha256.New()
	h.Write([]byte(DomainChange))
	h.Write([]byte{0x00})
	h.Write(canonical)
	return hex.EncodeToString(h.Sum(nil)), nil
}
