// Package realtime implements the channel multiplexer.
//
// Many independent listeners share a small number of physical change-event
// streams. The multiplexer keeps, per topic, one TopicRegistration holding
// the open stream and the set of live subscriptions.
//
// INVARIANTS:
//   - At most one physical stream is open per topic at any instant.
//   - A registration with zero subscriptions never persists: removing the
//     last subscription closes the stream and discards the registration.
//   - A released subscription receives no change fanned out after its
//     release. At most one delivery already in flight on the pump may
//     complete after a concurrent Unsubscribe returns.
//
// Stream opens run outside the multiplexer lock. A slow handshake on one
// topic does not stall delivery or teardown on the others.
//
// Delivery model:
// One pump goroutine per open stream reads changes in order and fans each
// one out to a snapshot of the topic's subscriptions. Every subscription
// runs the change through its reconcile.FilterConfig first. Callbacks run
// outside the multiplexer lock, one at a time per topic, and are isolated:
// a panicking callback is recovered and logged and its siblings still
// receive the change.
//
// Lifecycle:
// A Multiplexer is owned by one session (created at login, torn down with
// UnsubscribeAll at logout). There is no package-level state.
package realtime
