// Package config loads the watch configuration from CUE.
//
// A configuration file is unified with the embedded #Config schema,
// validated to be concrete, then decoded into Config. Schema defaults
// (timeouts, topic prefixes, QoS) are filled in by CUE.
package config

import (
	_ "embed"
	"fmt"
	"os"
	"time"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	"cuelang.org/go/cue/errors"
	"cuelang.org/go/cue/token"

	"github.com/roach88/livesync/internal/reconcile"
)

//go:embed schema.cue
var schemaCUE string

// Source kinds.
const (
	SourceWebSocket = "websocket"
	SourceMQTT      = "mqtt"
	SourceMemory    = "memory"
)

// Config is a decoded watch configuration.
type Config struct {
	ActorID         string   `json:"actor_id"`
	AlsoIgnore      []string `json:"also_ignore"`
	Source          Source   `json:"source"`
	Journal         string   `json:"journal"`
	MetricsAddr     string   `json:"metrics_addr"`
	MutationTimeout string   `json:"mutation_timeout"`
	Topics          []Topic  `json:"topics"`
}

// Source selects and configures the change-event transport.
// Only the fields for Kind are set.
type Source struct {
	Kind string `json:"kind"`

	// websocket
	URL       string `json:"url"`
	Heartbeat string `json:"heartbeat"`

	// mqtt
	Broker   string `json:"broker"`
	ClientID string `json:"client_id"`
	Username string `json:"username"`
	Password string `json:"password"`
	QoS      int    `json:"qos"`

	TopicPrefix string `json:"topic_prefix"`
}

// Topic is one subscription.
type Topic struct {
	Name           string `json:"name"`
	Schema         string `json:"schema"`
	Table          string `json:"table"`
	Filter         string `json:"filter"`
	Event          string `json:"event"`
	ActorField     string `json:"actor_field"`
	TimestampField string `json:"timestamp_field"`
	MinTimestamp   string `json:"min_timestamp"`
}

// ConfigError represents a configuration error with source position.
type ConfigError struct {
	Field   string
	Message string
	Pos     token.Pos
}

func (e *ConfigError) Error() string {
	if e.Pos.IsValid() {
		return fmt.Sprintf("%s:%d:%d: %s: %s",
			e.Pos.Filename(), e.Pos.Line(), e.Pos.Column(),
			e.Field, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// Load reads and validates the configuration file at path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	return Parse(data, path)
}

// Parse validates CUE source against the schema and decodes it.
// filename is used in error positions.
func Parse(data []byte, filename string) (*Config, error) {
	ctx := cuecontext.New()

	schema := ctx.CompileString(schemaCUE, cue.Filename("schema.cue"))
	if err := schema.Err(); err != nil {
		return nil, fmt.Errorf("compile schema: %w", err)
	}

	v := ctx.CompileBytes(data, cue.Filename(filename))
	if err := v.Err(); err != nil {
		return nil, formatCUEError(err)
	}

	unified := schema.LookupPath(cue.ParsePath("#Config")).Unify(v)
	if err := unified.Validate(cue.Concrete(true)); err != nil {
		return nil, formatCUEError(err)
	}

	var cfg Config
	if err := unified.Decode(&cfg); err != nil {
		return nil, formatCUEError(err)
	}
	if err := cfg.check(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// check validates what the schema cannot express: durations, instants and
// topic uniqueness.
func (c *Config) check() error {
	if _, err := c.Timeout(); err != nil {
		return err
	}
	if c.Source.Kind == SourceWebSocket {
		if _, err := c.Source.HeartbeatInterval(); err != nil {
			return err
		}
	}
	seen := make(map[string]bool, len(c.Topics))
	for i, t := range c.Topics {
		if seen[t.Name] {
			return &ConfigError{
				Field:   fmt.Sprintf("topics[%d].name", i),
				Message: fmt.Sprintf("duplicate topic %q", t.Name),
			}
		}
		seen[t.Name] = true
		if _, err := t.minTimestamp(); err != nil {
			return &ConfigError{
				Field:   fmt.Sprintf("topics[%d].min_timestamp", i),
				Message: err.Error(),
			}
		}
	}
	return nil
}

// Timeout parses MutationTimeout.
func (c *Config) Timeout() (time.Duration, error) {
	d, err := time.ParseDuration(c.MutationTimeout)
	if err != nil {
		return 0, &ConfigError{Field: "mutation_timeout", Message: err.Error()}
	}
	return d, nil
}

// HeartbeatInterval parses Heartbeat.
func (s Source) HeartbeatInterval() (time.Duration, error) {
	d, err := time.ParseDuration(s.Heartbeat)
	if err != nil {
		return 0, &ConfigError{Field: "source.heartbeat", Message: err.Error()}
	}
	return d, nil
}

// TopicByName returns the topic named name.
func (c *Config) TopicByName(name string) (Topic, bool) {
	for _, t := range c.Topics {
		if t.Name == name {
			return t, true
		}
	}
	return Topic{}, false
}

// FilterFor builds the reconciler filter for t.
// Assumes the config passed Parse, so MinTimestamp is valid.
func (c *Config) FilterFor(t Topic) reconcile.FilterConfig {
	floor, _ := t.minTimestamp()
	return reconcile.FilterConfig{
		IgnoreActorID:  c.ActorID,
		AlsoIgnore:     c.AlsoIgnore,
		ActorField:     t.ActorField,
		TimestampField: t.TimestampField,
		MinTimestamp:   floor,
	}
}

func (t Topic) minTimestamp() (time.Time, error) {
	if t.MinTimestamp == "" {
		return time.Time{}, nil
	}
	return time.Parse(time.RFC3339Nano, t.MinTimestamp)
}

// formatCUEError extracts position info from CUE errors.
func formatCUEError(err error) error {
	if err == nil {
		return nil
	}

	errs := errors.Errors(err)
	if len(errs) == 0 {
		return err
	}

	// Return first error with position info
	firstErr := errs[0]
	positions := errors.Positions(firstErr)
	if len(positions) > 0 {
		return &ConfigError{
			Field:   "cue",
			Message: firstErr.Error(),
			Pos:     positions[0],
		}
	}

	return err
}
