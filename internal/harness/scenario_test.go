package harness

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const validScenario = `
name: test_scenario
description: "Test scenario for validation"
actor: user-1
topics:
  - name: follows
    bind: true
    timestamp_field: updated_at
    min_timestamp: "2024-01-01T00:00:00Z"
seed:
  - { entity: v1, following: false, followers: 3, at: 0 }
steps:
  - mutate:
      entity: v1
      action: toggle
      confirm: { following: true, followers: 4, at: 2 }
      during:
        - publish: { topic: follows, kind: insert, record: { entity: v1 } }
  - remote: { entity: v1, following: true, followers: 5, at: 9 }
assertions:
  - type: trace_contains
    event: "state:in_flight"
`

func TestLoadScenario_ValidFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.yaml")
	require.NoError(t, os.WriteFile(path, []byte(validScenario), 0644))

	scenario, err := LoadScenario(path)
	require.NoError(t, err)

	assert.Equal(t, "test_scenario", scenario.Name)
	assert.Equal(t, "user-1", scenario.Actor)
	require.Len(t, scenario.Topics, 1)
	assert.True(t, scenario.Topics[0].Bind)
	assert.Equal(t, []EntityValue{{Entity: "v1", Followers: 3}}, scenario.Seed)

	require.Len(t, scenario.Steps, 2)
	m := scenario.Steps[0].Mutate
	require.NotNil(t, m)
	assert.Equal(t, ActionToggle, m.Action)
	assert.Equal(t, &EntityValue{Following: true, Followers: 4, At: 2}, m.Confirm)
	require.Len(t, m.During, 1)
	assert.Equal(t, "follows", m.During[0].Publish.Topic)
	assert.Equal(t, "v1", m.During[0].Publish.Record["entity"])

	assert.Equal(t, int64(9), scenario.Steps[1].Remote.At)
}

func TestLoadScenario_MissingFile(t *testing.T) {
	_, err := LoadScenario("/nonexistent/scenario.yaml")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to read scenario file")
}

func TestParseScenario_Invalid(t *testing.T) {
	tests := []struct {
		name    string
		src     string
		wantErr string
	}{
		{
			name:    "missing name",
			src:     "description: d\nsteps: [{remote: {entity: a}}]\nassertions: [{type: final_state, entity: a, expect: {at: 0}}]\n",
			wantErr: "name is required",
		},
		{
			name:    "missing description",
			src:     "name: n\nsteps: [{remote: {entity: a}}]\nassertions: [{type: final_state, entity: a, expect: {at: 0}}]\n",
			wantErr: "description is required",
		},
		{
			name:    "no steps",
			src:     "name: n\ndescription: d\nassertions: [{type: final_state, entity: a, expect: {at: 0}}]\n",
			wantErr: "steps list is required",
		},
		{
			name:    "no assertions",
			src:     "name: n\ndescription: d\nsteps: [{remote: {entity: a}}]\n",
			wantErr: "assertions list is required",
		},
		{
			name:    "unknown field",
			src:     "name: n\ndescription: d\nstep: []\n",
			wantErr: "failed to parse YAML",
		},
		{
			name:    "two actions in one step",
			src:     "name: n\ndescription: d\nsteps: [{remote: {entity: a}, unsubscribe: t}]\nassertions: [{type: final_state, entity: a, expect: {at: 0}}]\n",
			wantErr: "exactly one of publish, mutate, remote, unsubscribe",
		},
		{
			name:    "publish to unknown topic",
			src:     "name: n\ndescription: d\nsteps: [{publish: {topic: t, kind: INSERT}}]\nassertions: [{type: final_state, entity: a, expect: {at: 0}}]\n",
			wantErr: `unknown topic "t"`,
		},
		{
			name:    "bad kind",
			src:     "name: n\ndescription: d\ntopics: [{name: t}]\nsteps: [{publish: {topic: t, kind: TRUNCATE}}]\nassertions: [{type: final_state, entity: a, expect: {at: 0}}]\n",
			wantErr: "unknown event kind",
		},
		{
			name:    "duplicate topic",
			src:     "name: n\ndescription: d\ntopics: [{name: t}, {name: t}]\nsteps: [{unsubscribe: t}]\nassertions: [{type: final_state, entity: a, expect: {at: 0}}]\n",
			wantErr: "duplicate topic",
		},
		{
			name:    "bad watermark",
			src:     "name: n\ndescription: d\ntopics: [{name: t, min_timestamp: soon}]\nsteps: [{unsubscribe: t}]\nassertions: [{type: final_state, entity: a, expect: {at: 0}}]\n",
			wantErr: "min_timestamp",
		},
		{
			name:    "unknown action",
			src:     "name: n\ndescription: d\nsteps: [{mutate: {entity: a, action: like}}]\nassertions: [{type: final_state, entity: a, expect: {at: 0}}]\n",
			wantErr: `unknown action "like"`,
		},
		{
			name:    "confirm and fail",
			src:     "name: n\ndescription: d\nsteps: [{mutate: {entity: a, action: follow, fail: x, confirm: {at: 1}}}]\nassertions: [{type: final_state, entity: a, expect: {at: 0}}]\n",
			wantErr: "confirm and fail are exclusive",
		},
		{
			name:    "unknown outcome",
			src:     "name: n\ndescription: d\nsteps: [{mutate: {entity: a, action: follow, expect: done}}]\nassertions: [{type: final_state, entity: a, expect: {at: 0}}]\n",
			wantErr: `unknown outcome "done"`,
		},
		{
			name:    "invalid nested step",
			src:     "name: n\ndescription: d\nsteps: [{mutate: {entity: a, action: follow, during: [{remote: {}}]}}]\nassertions: [{type: final_state, entity: a, expect: {at: 0}}]\n",
			wantErr: "steps[0].mutate.during[0].remote: entity is required",
		},
		{
			name:    "unknown assertion",
			src:     "name: n\ndescription: d\nsteps: [{remote: {entity: a}}]\nassertions: [{type: eventually}]\n",
			wantErr: `unknown assertion type "eventually"`,
		},
		{
			name:    "journal without selector",
			src:     "name: n\ndescription: d\nsteps: [{remote: {entity: a}}]\nassertions: [{type: journal, count: 1}]\n",
			wantErr: "exactly one of decision, outcome",
		},
		{
			name:    "final_state without expect",
			src:     "name: n\ndescription: d\nsteps: [{remote: {entity: a}}]\nassertions: [{type: final_state, entity: a}]\n",
			wantErr: "expect is required for final_state",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseScenario([]byte(tt.src))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestScenarioFiles_Valid(t *testing.T) {
	files, err := filepath.Glob("testdata/scenarios/*.yaml")
	require.NoError(t, err)
	for _, file := range files {
		_, err := LoadScenario(file)
		assert.NoError(t, err, file)
	}
}
