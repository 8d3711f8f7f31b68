// Package harness provides conformance testing for realtime delivery and
// optimistic follow mutations.
//
// The harness opens a real session and multiplexer over an in-memory
// source, binds a follow controller to it, runs a scenario's steps and
// validates the resulting trace, entity state and journal.
//
// # Scenario Format
//
// Scenarios are defined in YAML files with the following structure:
//
//	name: scenario_name
//	description: "What this scenario validates"
//	actor: user-7
//	topics:
//	  - name: follows
//	    bind: true
//	    actor_field: follower_id
//	    timestamp_field: updated_at
//	seed:
//	  - { entity: venue-42, following: false, followers: 10, at: 0 }
//	steps:
//	  - mutate:
//	      entity: venue-42
//	      action: follow
//	      confirm: { following: true, followers: 11, at: 2 }
//	      expect: confirmed
//	  - publish:
//	      topic: follows
//	      kind: INSERT
//	      record: { entity: venue-42, follower_id: user-7, updated_at: "2024-01-01T00:00:03Z" }
//	assertions:
//	  - type: trace_contains
//	    event: delivery:self_echo
//	  - type: final_state
//	    entity: venue-42
//	    expect: { following: true, followers: 11, phase: idle }
//
// A mutate step may carry "during" steps, which run while the write is in
// flight. That is how scenarios interleave remote updates and concurrent
// taps with a mutation.
//
// # Assertion Types
//
// The following assertion types are supported:
//
//   - trace_contains: an event with the label exists, fields matching
//   - trace_order: labels occur in the given order
//   - trace_count: exactly N events with the label, fields matching
//   - final_state: the entity's state matches
//   - journal: the journal holds N deliveries by decision or mutations by
//     outcome
//
// Event labels are "delivery:<decision>", "state:<phase>" and
// "mutation:<outcome>".
//
// # Deterministic Testing
//
// Every scenario runs with a StepClock (tick n is testutil.Epoch plus n
// seconds, and each mutation consumes one tick), sequential mutation IDs
// and an in-memory SQLite journal. Each step settles before the next, so
// traces are identical across runs and can be compared against golden files.
package harness
