package harness

import (
	"bytes"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/roach88/livesync/internal/optimistic"
	"github.com/roach88/livesync/internal/record"
)

// Scenario defines a conformance test scenario.
// A scenario drives a session and a follow controller through publishes,
// mutations and remote updates, then asserts on the resulting trace and
// final entity state.
type Scenario struct {
	// Name uniquely identifies this scenario. Also names the golden file.
	Name string `yaml:"name"`

	// Description explains what this scenario validates.
	Description string `yaml:"description"`

	// Actor is the signed-in user. Changes caused by Actor are self-echoes.
	Actor string `yaml:"actor,omitempty"`

	// Topics are subscribed before the first step.
	Topics []TopicSpec `yaml:"topics,omitempty"`

	// Seed sets initial entity state before the first step.
	Seed []EntityValue `yaml:"seed,omitempty"`

	// Steps run in order. Each step settles before the next begins.
	Steps []Step `yaml:"steps"`

	// Assertions validate the final trace, entity state and journal.
	Assertions []Assertion `yaml:"assertions"`
}

// TopicSpec is one subscription.
type TopicSpec struct {
	Name           string   `yaml:"name"`
	ActorField     string   `yaml:"actor_field,omitempty"`
	AlsoIgnore     []string `yaml:"also_ignore,omitempty"`
	TimestampField string   `yaml:"timestamp_field,omitempty"`
	MinTimestamp   string   `yaml:"min_timestamp,omitempty"`

	// Bind routes delivered changes into the follow controller.
	// The record's EntityField names the entity (default "entity").
	Bind        bool   `yaml:"bind,omitempty"`
	EntityField string `yaml:"entity_field,omitempty"`
}

// EntityValue is a follow state at a clock tick.
// Tick n is testutil.Epoch plus n seconds.
type EntityValue struct {
	Entity    string `yaml:"entity"`
	Following bool   `yaml:"following"`
	Followers int    `yaml:"followers"`
	At        int64  `yaml:"at"`
}

// Step is one scenario action. Exactly one field is set.
type Step struct {
	Publish     *PublishStep `yaml:"publish,omitempty"`
	Mutate      *MutateStep  `yaml:"mutate,omitempty"`
	Remote      *EntityValue `yaml:"remote,omitempty"`
	Unsubscribe string       `yaml:"unsubscribe,omitempty"`
}

// PublishStep pushes one change onto a topic.
type PublishStep struct {
	Topic  string         `yaml:"topic"`
	Kind   string         `yaml:"kind"`
	Record map[string]any `yaml:"record"`
}

// MutateStep runs one optimistic mutation.
type MutateStep struct {
	Entity string `yaml:"entity"`

	// Action is follow, unfollow or toggle.
	Action string `yaml:"action"`

	// Confirm is the server's answer to the write. Entity is ignored.
	// Omitted means the write succeeds without a confirmation.
	Confirm *EntityValue `yaml:"confirm,omitempty"`

	// Fail makes the write fail with this message.
	Fail string `yaml:"fail,omitempty"`

	// Refresh adds a refresh read returning this value.
	Refresh *EntityValue `yaml:"refresh,omitempty"`

	// RefreshFail makes the refresh read fail with this message.
	RefreshFail string `yaml:"refresh_fail,omitempty"`

	// During runs while the write is in flight.
	During []Step `yaml:"during,omitempty"`

	// Expect is the outcome the mutation must settle with.
	Expect string `yaml:"expect,omitempty"`
}

// Assertion validates trace, final entity state, or the journal.
type Assertion struct {
	// Type specifies the assertion type:
	// - "trace_contains": an event with Event's label matching Match exists
	// - "trace_order": the labels in Events occur in order
	// - "trace_count": exactly Count events with Event's label match Match
	// - "final_state": the entity's state matches Expect
	// - "journal": the journal holds Count rows for Decision or Outcome
	Type string `yaml:"type"`

	// Event is an event label (trace_contains, trace_count).
	Event string `yaml:"event,omitempty"`

	// Match is a subset of the event's fields (trace_contains, trace_count).
	Match map[string]any `yaml:"match,omitempty"`

	// Events is the expected label order (trace_order).
	Events []string `yaml:"events,omitempty"`

	// Count is the expected number of occurrences (trace_count, journal).
	Count int `yaml:"count,omitempty"`

	// Entity is the entity under test (final_state, journal with Outcome).
	Entity string `yaml:"entity,omitempty"`

	// Expect holds expected state fields: following, followers, phase, at
	// (final_state).
	Expect map[string]any `yaml:"expect,omitempty"`

	// Decision or Outcome selects journal rows (journal).
	Decision string `yaml:"decision,omitempty"`
	Outcome  string `yaml:"outcome,omitempty"`
}

// Assertion type constants.
const (
	AssertTraceContains = "trace_contains"
	AssertTraceOrder    = "trace_order"
	AssertTraceCount    = "trace_count"
	AssertFinalState    = "final_state"
	AssertJournal       = "journal"
)

// Mutation actions.
const (
	ActionFollow   = "follow"
	ActionUnfollow = "unfollow"
	ActionToggle   = "toggle"
)

var validOutcomes = map[string]bool{
	string(optimistic.OutcomeConfirmed):  true,
	string(optimistic.OutcomeKeptLocal):  true,
	string(optimistic.OutcomeRolledBack): true,
	string(optimistic.OutcomeReadFailed): true,
	string(optimistic.OutcomeDropped):    true,
}

// LoadScenario reads and parses a scenario YAML file.
// Returns an error if the file doesn't exist, is malformed,
// contains unknown fields (typos), or is missing required fields.
func LoadScenario(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read scenario file: %w", err)
	}
	return ParseScenario(data)
}

// ParseScenario parses scenario YAML.
func ParseScenario(data []byte) (*Scenario, error) {
	// Strict field validation catches typos like "assertion:" vs "assertions:".
	var scenario Scenario
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(&scenario); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}

	if err := validateScenario(&scenario); err != nil {
		return nil, fmt.Errorf("invalid scenario: %w", err)
	}

	return &scenario, nil
}

// validateScenario checks that required fields are present and valid.
func validateScenario(s *Scenario) error {
	if s.Name == "" {
		return fmt.Errorf("name is required")
	}

	if s.Description == "" {
		return fmt.Errorf("description is required")
	}

	if len(s.Steps) == 0 {
		return fmt.Errorf("steps list is required and must be non-empty")
	}

	if len(s.Assertions) == 0 {
		return fmt.Errorf("assertions list is required and must be non-empty")
	}

	topics := make(map[string]bool, len(s.Topics))
	for i, t := range s.Topics {
		if t.Name == "" {
			return fmt.Errorf("topics[%d]: name is required", i)
		}
		if topics[t.Name] {
			return fmt.Errorf("topics[%d]: duplicate topic %q", i, t.Name)
		}
		topics[t.Name] = true
		if t.MinTimestamp != "" {
			if _, err := record.ParseTime(t.MinTimestamp); err != nil {
				return fmt.Errorf("topics[%d].min_timestamp: %w", i, err)
			}
		}
	}

	for i, e := range s.Seed {
		if e.Entity == "" {
			return fmt.Errorf("seed[%d]: entity is required", i)
		}
	}

	if err := validateSteps("steps", s.Steps, topics); err != nil {
		return err
	}

	for i, assertion := range s.Assertions {
		if err := validateAssertion(i, &assertion); err != nil {
			return err
		}
	}

	return nil
}

func validateSteps(path string, steps []Step, topics map[string]bool) error {
	for i, step := range steps {
		at := fmt.Sprintf("%s[%d]", path, i)

		set := 0
		if step.Publish != nil {
			set++
		}
		if step.Mutate != nil {
			set++
		}
		if step.Remote != nil {
			set++
		}
		if step.Unsubscribe != "" {
			set++
		}
		if set != 1 {
			return fmt.Errorf("%s: exactly one of publish, mutate, remote, unsubscribe is required", at)
		}

		switch {
		case step.Publish != nil:
			p := step.Publish
			if !topics[p.Topic] {
				return fmt.Errorf("%s.publish: unknown topic %q", at, p.Topic)
			}
			if _, err := record.ParseKind(p.Kind); err != nil {
				return fmt.Errorf("%s.publish: %w", at, err)
			}
		case step.Mutate != nil:
			m := step.Mutate
			if m.Entity == "" {
				return fmt.Errorf("%s.mutate: entity is required", at)
			}
			switch m.Action {
			case ActionFollow, ActionUnfollow, ActionToggle:
			default:
				return fmt.Errorf("%s.mutate: unknown action %q", at, m.Action)
			}
			if m.Confirm != nil && m.Fail != "" {
				return fmt.Errorf("%s.mutate: confirm and fail are exclusive", at)
			}
			if m.Refresh != nil && m.RefreshFail != "" {
				return fmt.Errorf("%s.mutate: refresh and refresh_fail are exclusive", at)
			}
			if m.Expect != "" && !validOutcomes[m.Expect] {
				return fmt.Errorf("%s.mutate: unknown outcome %q", at, m.Expect)
			}
			if err := validateSteps(at+".mutate.during", m.During, topics); err != nil {
				return err
			}
		case step.Remote != nil:
			if step.Remote.Entity == "" {
				return fmt.Errorf("%s.remote: entity is required", at)
			}
		default:
			if !topics[step.Unsubscribe] {
				return fmt.Errorf("%s.unsubscribe: unknown topic %q", at, step.Unsubscribe)
			}
		}
	}
	return nil
}

// validateAssertion validates a single assertion based on its type.
func validateAssertion(index int, a *Assertion) error {
	if a.Type == "" {
		return fmt.Errorf("assertions[%d]: type is required", index)
	}

	switch a.Type {
	case AssertTraceContains:
		if a.Event == "" {
			return fmt.Errorf("assertions[%d]: event is required for trace_contains", index)
		}
	case AssertTraceOrder:
		if len(a.Events) == 0 {
			return fmt.Errorf("assertions[%d]: events list is required for trace_order", index)
		}
	case AssertTraceCount:
		if a.Event == "" {
			return fmt.Errorf("assertions[%d]: event is required for trace_count", index)
		}
		if a.Count < 0 {
			return fmt.Errorf("assertions[%d]: count must be non-negative for trace_count", index)
		}
	case AssertFinalState:
		if a.Entity == "" {
			return fmt.Errorf("assertions[%d]: entity is required for final_state", index)
		}
		if len(a.Expect) == 0 {
			return fmt.Errorf("assertions[%d]: expect is required for final_state", index)
		}
	case AssertJournal:
		if (a.Decision == "") == (a.Outcome == "") {
			return fmt.Errorf("assertions[%d]: exactly one of decision, outcome is required for journal", index)
		}
		if a.Count < 0 {
			return fmt.Errorf("assertions[%d]: count must be non-negative for journal", index)
		}
	default:
		return fmt.Errorf("assertions[%d]: unknown assertion type %q", index, a.Type)
	}

	return nil
}
