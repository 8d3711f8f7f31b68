package harness

import "fmt"

// Trace event types.
const (
	EventDelivery = "delivery"
	EventState    = "state"
	EventMutation = "mutation"
)

// TraceEvent is one observable effect of a scenario: a reconciler decision,
// a controller state transition, or a settled mutation.
//
// Only the fields for Type are set.
type TraceEvent struct {
	Seq  int64  `json:"seq"`
	Type string `json:"type"`

	// delivery
	Topic    string `json:"topic,omitempty"`
	Kind     string `json:"kind,omitempty"`
	Decision string `json:"decision,omitempty"`

	// state, mutation
	Entity string `json:"entity,omitempty"`

	// state
	Phase     string `json:"phase,omitempty"`
	Following bool   `json:"following"`
	Followers int    `json:"followers"`
	At        int64  `json:"at"`

	// mutation
	Outcome string `json:"outcome,omitempty"`
}

// Label names an event for trace assertions: "delivery:self_echo",
// "state:in_flight", "mutation:rolled_back".
func (e TraceEvent) Label() string {
	switch e.Type {
	case EventDelivery:
		return e.Type + ":" + e.Decision
	case EventState:
		return e.Type + ":" + e.Phase
	case EventMutation:
		return e.Type + ":" + e.Outcome
	default:
		return e.Type
	}
}

// Fields returns the event's set fields, keyed by their JSON names.
// Used for subset matching and golden serialization.
func (e TraceEvent) Fields() map[string]any {
	m := map[string]any{
		"seq":  e.Seq,
		"type": e.Type,
	}
	switch e.Type {
	case EventDelivery:
		m["topic"] = e.Topic
		m["kind"] = e.Kind
		m["decision"] = e.Decision
	case EventState:
		m["entity"] = e.Entity
		m["phase"] = e.Phase
		m["following"] = e.Following
		m["followers"] = e.Followers
		m["at"] = e.At
	case EventMutation:
		m["entity"] = e.Entity
		m["outcome"] = e.Outcome
	}
	return m
}

func (e TraceEvent) String() string {
	switch e.Type {
	case EventDelivery:
		return fmt.Sprintf("%s %s %s -> %s", e.Type, e.Topic, e.Kind, e.Decision)
	case EventState:
		return fmt.Sprintf("%s %s %s following=%t followers=%d at=%d",
			e.Type, e.Entity, e.Phase, e.Following, e.Followers, e.At)
	case EventMutation:
		return fmt.Sprintf("%s %s %s", e.Type, e.Entity, e.Outcome)
	default:
		return e.Type
	}
}

// Result is the outcome of a test scenario execution.
type Result struct {
	// Pass indicates overall test success.
	// True if every step expectation and assertion held.
	Pass bool `json:"pass"`

	// Trace contains every event in the order it was observed.
	Trace []TraceEvent `json:"trace"`

	// Errors contains validation error messages.
	// Empty if Pass is true.
	Errors []string `json:"errors,omitempty"`
}

// NewResult creates a new passing result.
func NewResult() *Result {
	return &Result{
		Pass:   true,
		Trace:  []TraceEvent{},
		Errors: []string{},
	}
}

// AddError adds a validation error and marks the result as failed.
func (r *Result) AddError(err string) {
	r.Errors = append(r.Errors, err)
	r.Pass = false
}
