package cli

import (
	"context"
	"fmt"
	"sort"

	"github.com/spf13/cobra"

	"github.com/roach88/livesync/internal/store"
)

// TraceOptions holds flags for the trace command.
type TraceOptions struct {
	*RootOptions
	Database string
	Entity   string // optional - restrict mutations to one entity
	Topic    string // optional - restrict deliveries to one topic
}

// TraceEntry is one journal row in the timeline.
type TraceEntry struct {
	Seq  int64  `json:"seq"`
	Type string `json:"type"` // "mutation" or "delivery"

	// mutation
	ID       string `json:"id,omitempty"`
	Entity   string `json:"entity,omitempty"`
	Outcome  string `json:"outcome,omitempty"`
	Before   string `json:"before,omitempty"`
	After    string `json:"after,omitempty"`
	BeforeAt string `json:"before_at,omitempty"`
	AfterAt  string `json:"after_at,omitempty"`
	Error    string `json:"error,omitempty"`

	// delivery
	ChangeID string `json:"change_id,omitempty"`
	Topic    string `json:"topic,omitempty"`
	Kind     string `json:"kind,omitempty"`
	Record   string `json:"record,omitempty"`
	Decision string `json:"decision,omitempty"`
	Count    int    `json:"count,omitempty"`
}

// TraceResult holds the complete trace output.
type TraceResult struct {
	Timeline []TraceEntry `json:"timeline"`
	Stats    TraceStats   `json:"stats"`
}

// TraceStats holds summary statistics for the journal.
type TraceStats struct {
	Mutations  int            `json:"mutations"`
	Deliveries int            `json:"deliveries"`
	Decisions  map[string]int `json:"decisions"`
	Outcomes   map[string]int `json:"outcomes"`
	Entities   []string       `json:"entities"`
}

// NewTraceCommand creates the trace command.
func NewTraceCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &TraceOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "trace",
		Short: "Inspect the mutation and delivery journal",
		Long: `Print the journal written by "livesync watch --db" or the harness.

The output includes:
- Timeline: mutations and deliveries in the order they were observed
- Stats: delivery counts per reconciler decision, mutation counts per
  outcome, and the entities that were mutated

Examples:
  livesync trace --db ./journal.db
  livesync trace --db ./journal.db --entity venue-42
  livesync trace --db ./journal.db --topic follows --format json`,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runTrace(cmd.Context(), opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Database, "db", "", "path to SQLite journal (required)")
	_ = cmd.MarkFlagRequired("db")
	cmd.Flags().StringVar(&opts.Entity, "entity", "", "only show mutations of this entity")
	cmd.Flags().StringVar(&opts.Topic, "topic", "", "only show deliveries on this topic")

	return cmd
}

func runTrace(ctx context.Context, opts *TraceOptions, cmd *cobra.Command) error {
	if ctx == nil {
		ctx = context.Background()
	}

	st, err := store.Open(opts.Database)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to open database", err)
	}
	defer st.Close()

	mutations, err := st.ReadMutations(ctx, opts.Entity)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to read mutations", err)
	}
	deliveries, err := st.ReadDeliveries(ctx, opts.Topic)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to read deliveries", err)
	}
	decisions, err := st.DecisionCounts(ctx)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to count decisions", err)
	}
	entities, err := st.ListEntities(ctx)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to list entities", err)
	}

	result := TraceResult{
		Timeline: buildTimeline(mutations, deliveries),
		Stats: TraceStats{
			Mutations:  len(mutations),
			Deliveries: len(deliveries),
			Decisions:  decisions,
			Outcomes:   countOutcomes(mutations),
			Entities:   entities,
		},
	}

	if opts.Format == "json" {
		return newFormatter(opts.RootOptions, cmd.OutOrStdout()).Success(result)
	}
	return outputTraceText(cmd, result)
}

// buildTimeline merges both journals in seq order.
func buildTimeline(mutations []store.Mutation, deliveries []store.Delivery) []TraceEntry {
	timeline := make([]TraceEntry, 0, len(mutations)+len(deliveries))
	for _, m := range mutations {
		timeline = append(timeline, TraceEntry{
			Seq:      m.Seq,
			Type:     "mutation",
			ID:       m.ID,
			Entity:   m.EntityID,
			Outcome:  m.Outcome,
			Before:   m.Before,
			After:    m.After,
			BeforeAt: m.BeforeAt,
			AfterAt:  m.AfterAt,
			Error:    m.Error,
		})
	}
	for _, d := range deliveries {
		timeline = append(timeline, TraceEntry{
			Seq:      d.Seq,
			Type:     "delivery",
			ChangeID: d.ChangeID,
			Topic:    d.Topic,
			Kind:     string(d.Kind),
			Record:   d.Record,
			Decision: d.Decision,
			Count:    d.Count,
		})
	}
	sort.SliceStable(timeline, func(i, j int) bool {
		return timeline[i].Seq < timeline[j].Seq
	})
	return timeline
}

func countOutcomes(mutations []store.Mutation) map[string]int {
	counts := make(map[string]int)
	for _, m := range mutations {
		counts[m.Outcome]++
	}
	return counts
}

// outputTraceText outputs the trace result as human-readable text.
func outputTraceText(cmd *cobra.Command, result TraceResult) error {
	w := cmd.OutOrStdout()

	if len(result.Timeline) == 0 {
		fmt.Fprintln(w, "Journal is empty.")
		return nil
	}

	fmt.Fprintln(w, "Timeline:")
	for _, e := range result.Timeline {
		switch e.Type {
		case "mutation":
			fmt.Fprintf(w, "  [%d] mutation %s %s %s", e.Seq, e.ID, e.Entity, e.Outcome)
			if e.Error != "" {
				fmt.Fprintf(w, " (%s)", e.Error)
			}
			fmt.Fprintln(w)
			fmt.Fprintf(w, "        %s -> %s\n", e.Before, e.After)
		case "delivery":
			fmt.Fprintf(w, "  [%d] delivery %s %s %s", e.Seq, e.Topic, e.Kind, e.Decision)
			if e.Count > 1 {
				fmt.Fprintf(w, " x%d", e.Count)
			}
			fmt.Fprintln(w)
			fmt.Fprintf(w, "        %s\n", e.Record)
		}
	}

	fmt.Fprintln(w)
	fmt.Fprintln(w, "Stats:")
	fmt.Fprintf(w, "  Mutations:  %d\n", result.Stats.Mutations)
	for _, outcome := range sortedKeys(result.Stats.Outcomes) {
		fmt.Fprintf(w, "    %s: %d\n", outcome, result.Stats.Outcomes[outcome])
	}
	fmt.Fprintf(w, "  Deliveries: %d\n", result.Stats.Deliveries)
	for _, decision := range sortedKeys(result.Stats.Decisions) {
		fmt.Fprintf(w, "    %s: %d\n", decision, result.Stats.Decisions[decision])
	}
	if len(result.Stats.Entities) > 0 {
		fmt.Fprintf(w, "  Entities:   %v\n", result.Stats.Entities)
	}

	return nil
}

func sortedKeys(m map[string]int) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
