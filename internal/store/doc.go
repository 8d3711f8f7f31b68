// Package store provides the SQLite-backed debug journal.
//
// The journal is append-only and holds two kinds of entries:
//   - Mutations: one row per terminal optimistic mutation outcome
//     (implements optimistic.Journal)
//   - Deliveries: one row per (change, reconciler decision)
//     (implements realtime.Tracer)
//
// # Critical Patterns
//
// Idempotent writes
//   - mutations are keyed by mutation ID; rewriting one is a no-op
//   - deliveries are keyed by (content-addressed change ID, decision); a
//     redelivered change bumps count instead of adding a row
//
// Logical ordering
//   - every entry gets a seq from the store's logical clock, NEVER a
//     timestamp; the clock resumes from the highest stored seq on Open
//
// Deterministic query results
//   - all queries ORDER BY seq ASC, then id ASC COLLATE BINARY
//
// # Database Configuration
//
//   - WAL mode: Concurrent reads during writes
//   - synchronous=NORMAL: Balance durability/performance
//   - busy_timeout=5000: Wait for locks up to 5 seconds
//   - foreign_keys=ON: Enforce referential integrity
//
// Change IDs are computed by record.ChangeID (RFC 8785 canonical JSON and
// SHA-256 with domain separation).
package store
