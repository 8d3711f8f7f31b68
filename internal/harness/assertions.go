package harness

import (
	"context"
	"fmt"
	"reflect"
	"sort"
	"strings"

	"github.com/roach88/livesync/internal/optimistic"
	"github.com/roach88/livesync/internal/store"
)

// AssertionError is returned when an assertion fails.
// It includes detailed context to help debug the failure.
type AssertionError struct {
	Type     string       // Assertion type for categorization
	Expected string       // Human-readable expected outcome
	Actual   string       // Human-readable actual outcome
	Trace    []TraceEvent // Full trace for debugging context
}

// Error implements the error interface.
func (e *AssertionError) Error() string {
	var buf strings.Builder

	fmt.Fprintf(&buf, "Assertion failed: %s\n", e.Type)
	fmt.Fprintf(&buf, "  Expected: %s\n", e.Expected)
	fmt.Fprintf(&buf, "  Actual: %s\n", e.Actual)

	if len(e.Trace) > 0 {
		fmt.Fprintf(&buf, "\nFull trace:\n")
		for _, event := range e.Trace {
			fmt.Fprintf(&buf, "  [%d] %s\n", event.Seq, event)
		}
	}

	return buf.String()
}

// assertTraceContains checks that an event with the label exists whose
// fields include assertion.Match.
func assertTraceContains(trace []TraceEvent, assertion Assertion) error {
	for _, event := range trace {
		if event.Label() == assertion.Event && matchFields(event.Fields(), assertion.Match) {
			return nil
		}
	}

	return &AssertionError{
		Type:     AssertTraceContains,
		Expected: fmt.Sprintf("%s matching %s", assertion.Event, formatFields(assertion.Match)),
		Actual:   "not found in trace",
		Trace:    trace,
	}
}

// assertTraceOrder checks that the labels occur in order.
// Labels don't need to be consecutive (intervening events are allowed).
func assertTraceOrder(trace []TraceEvent, assertion Assertion) error {
	next := 0
	for _, event := range trace {
		if next < len(assertion.Events) && event.Label() == assertion.Events[next] {
			next++
		}
	}
	if next == len(assertion.Events) {
		return nil
	}

	return &AssertionError{
		Type:     AssertTraceOrder,
		Expected: fmt.Sprintf("events in order: %v", assertion.Events),
		Actual:   fmt.Sprintf("%s not found after %v", assertion.Events[next], assertion.Events[:next]),
		Trace:    trace,
	}
}

// assertTraceCount checks the number of matching events.
func assertTraceCount(trace []TraceEvent, assertion Assertion) error {
	count := 0
	for _, event := range trace {
		if event.Label() == assertion.Event && matchFields(event.Fields(), assertion.Match) {
			count++
		}
	}

	if count != assertion.Count {
		return &AssertionError{
			Type: AssertTraceCount,
			Expected: fmt.Sprintf("%d occurrences of %s matching %s",
				assertion.Count, assertion.Event, formatFields(assertion.Match)),
			Actual: fmt.Sprintf("%d occurrences", count),
			Trace:  trace,
		}
	}

	return nil
}

// assertFinalState checks the entity's current state (subset semantics).
func assertFinalState(follows *optimistic.Controller[optimistic.Follow], assertion Assertion) error {
	st, ok := follows.State(assertion.Entity)
	if !ok {
		return &AssertionError{
			Type:     AssertFinalState,
			Expected: fmt.Sprintf("entity %s to exist", assertion.Entity),
			Actual:   "entity unknown to the controller",
		}
	}

	actual := map[string]any{
		"following": st.Value.Following,
		"followers": st.Value.Followers,
		"phase":     st.Phase.String(),
		"at":        tickOf(st.LastSyncedAt),
	}

	keys := make([]string, 0, len(assertion.Expect))
	for k := range assertion.Expect {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, key := range keys {
		expected := assertion.Expect[key]
		got, exists := actual[key]
		if !exists {
			return &AssertionError{
				Type:     AssertFinalState,
				Expected: fmt.Sprintf("field %q to exist", key),
				Actual:   fmt.Sprintf("state has fields %s", formatFields(actual)),
			}
		}
		if !valuesEqual(got, expected) {
			return &AssertionError{
				Type:     AssertFinalState,
				Expected: fmt.Sprintf("%s.%s = %v", assertion.Entity, key, expected),
				Actual:   fmt.Sprintf("%s.%s = %v", assertion.Entity, key, got),
			}
		}
	}

	return nil
}

// assertJournal checks journal row counts by decision or outcome.
func assertJournal(ctx context.Context, st *store.Store, assertion Assertion) error {
	var count int
	var what string

	if assertion.Decision != "" {
		counts, err := st.DecisionCounts(ctx)
		if err != nil {
			return fmt.Errorf("journal: %w", err)
		}
		count = counts[assertion.Decision]
		what = "deliveries with decision " + assertion.Decision
	} else {
		muts, err := st.ReadMutations(ctx, assertion.Entity)
		if err != nil {
			return fmt.Errorf("journal: %w", err)
		}
		for _, m := range muts {
			if m.Outcome == assertion.Outcome {
				count++
			}
		}
		what = "mutations with outcome " + assertion.Outcome
		if assertion.Entity != "" {
			what += " on " + assertion.Entity
		}
	}

	if count != assertion.Count {
		return &AssertionError{
			Type:     AssertJournal,
			Expected: fmt.Sprintf("%d %s", assertion.Count, what),
			Actual:   fmt.Sprintf("%d", count),
		}
	}
	return nil
}

// matchFields checks if actual contains all expected fields (subset match).
func matchFields(actual, expected map[string]any) bool {
	for key, want := range expected {
		got, ok := actual[key]
		if !ok || !valuesEqual(got, want) {
			return false
		}
	}
	return true
}

// valuesEqual compares two values for equality.
// Integers compare by value whatever their Go type, since YAML decodes
// them as int and trace fields hold int64.
func valuesEqual(actual, expected any) bool {
	if actual == nil || expected == nil {
		return actual == nil && expected == nil
	}
	a, aok := asInt64(actual)
	e, eok := asInt64(expected)
	if aok && eok {
		return a == e
	}
	return reflect.DeepEqual(actual, expected)
}

func asInt64(v any) (int64, bool) {
	switch n := v.(type) {
	case int:
		return int64(n), true
	case int64:
		return n, true
	case int32:
		return int64(n), true
	case uint64:
		return int64(n), true
	default:
		return 0, false
	}
}

// formatFields creates a deterministic description of a field map.
func formatFields(fields map[string]any) string {
	if len(fields) == 0 {
		return "(any)"
	}
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s=%v", k, fields[k]))
	}
	return "{" + strings.Join(parts, " ") + "}"
}

// AssertionContext provides context for evaluating assertions.
type AssertionContext struct {
	Ctx     context.Context
	Store   *store.Store
	Follows *optimistic.Controller[optimistic.Follow]
}

// EvaluateAssertions evaluates all assertions against the result.
// Returns a slice of error messages for failed assertions.
// The actx parameter provides state and journal access.
func EvaluateAssertions(result *Result, assertions []Assertion, actx *AssertionContext) []string {
	var errors []string

	for i, assertion := range assertions {
		var err error

		switch assertion.Type {
		case AssertTraceContains:
			err = assertTraceContains(result.Trace, assertion)
		case AssertTraceOrder:
			err = assertTraceOrder(result.Trace, assertion)
		case AssertTraceCount:
			err = assertTraceCount(result.Trace, assertion)
		case AssertFinalState:
			if actx == nil || actx.Follows == nil {
				err = fmt.Errorf("assertion[%d]: final_state requires controller context", i)
			} else {
				err = assertFinalState(actx.Follows, assertion)
			}
		case AssertJournal:
			if actx == nil || actx.Store == nil {
				err = fmt.Errorf("assertion[%d]: journal requires database context", i)
			} else {
				err = assertJournal(actx.Ctx, actx.Store, assertion)
			}
		default:
			err = fmt.Errorf("assertion[%d]: unknown assertion type %q", i, assertion.Type)
		}

		if err != nil {
			errors = append(errors, err.Error())
		}
	}

	return errors
}
