// Package record provides the change-event value types shared by every
// livesync package.
//
// This package contains type definitions and pure helpers only. All other
// internal packages import record; record imports nothing internal.
//
// Key design constraints:
//   - Records are schemaless maps as decoded from the backend's JSON
//   - Timestamps are read lazily from a caller-named field, never assumed
//   - Canonical JSON is the ONLY serialization used for content-addressed IDs
package record
