// Package optimistic implements the optimistic mutation controller.
//
// A Controller owns client-local state for many entities of one value type.
// Each entity moves through a small state machine:
//
//	Idle --Mutate--> MutationInFlight --write ok--> Reconciling --> Idle
//	                                  \--write failed/timeout--> Idle (rolled back)
//
// Mutate applies the caller's delta immediately, stamps the entity with a
// fresh local instant and notifies observers before any network round trip.
// The remote write then either confirms (and the entity is reconciled
// against the freshest server state with last-writer-wins) or fails (and the
// exact pre-mutation snapshot is restored).
//
// INVARIANTS:
//   - At most one mutation per entity is in flight; overlapping attempts are
//     dropped with ErrMutationInFlight, never queued.
//   - Inbound updates (ApplyRemote) are applied only when their timestamp is
//     strictly newer than the entity's LastSyncedAt, including mid-flight.
//   - The remote write and refresh read are bounded by a timeout so a hung
//     call cannot wedge an entity in MutationInFlight.
//
// Entities are independent: there is no cross-entity ordering and no lock is
// held across I/O.
package optimistic
