package cli

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/roach88/livesync/internal/config"
)

// Validation error codes.
const (
	ErrCodeConfigNotFound = "E001"
	ErrCodeConfigInvalid  = "E002"
)

// ConfigIssue is one configuration problem, located when CUE knows where.
type ConfigIssue struct {
	Field   string `json:"field"`
	Message string `json:"message"`
	Line    int    `json:"line,omitempty"`
	Column  int    `json:"column,omitempty"`
}

// ValidationResult holds validation results.
type ValidationResult struct {
	Valid  bool          `json:"valid"`
	Source string        `json:"source,omitempty"`
	Topics []string      `json:"topics,omitempty"`
	Errors []ConfigIssue `json:"errors,omitempty"`
}

// NewValidateCommand creates the validate command.
func NewValidateCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate <config.cue>",
		Short: "Validate a watch configuration",
		Long: `Validate a CUE watch configuration against the livesync schema.

Checks the source block, durations, topic names and watermarks without
connecting to anything.

Examples:
  livesync validate ./livesync.cue
  livesync validate ./livesync.cue --format json`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runValidate(rootOpts, args[0], cmd)
		},
	}

	return cmd
}

func runValidate(opts *RootOptions, path string, cmd *cobra.Command) error {
	formatter := newFormatter(opts, cmd.OutOrStdout())
	logger := newLogger(cmd.ErrOrStderr(), opts.Verbose)

	if _, err := os.Stat(path); err != nil {
		_ = formatter.Error(ErrCodeConfigNotFound, fmt.Sprintf("config not found: %s", path), nil)
		return WrapExitError(ExitCommandError, "config not found", err)
	}

	logger.Debug("validating config", "path", path)

	cfg, err := config.Load(path)
	if err != nil {
		return outputValidationError(formatter, toIssue(err))
	}

	result := ValidationResult{Valid: true, Source: cfg.Source.Kind}
	for _, t := range cfg.Topics {
		result.Topics = append(result.Topics, t.Name)
	}

	if formatter.JSON() {
		return formatter.Success(result)
	}
	fmt.Fprintf(formatter.Writer, "✓ Config valid: %s source, %d topic(s)\n", result.Source, len(result.Topics))
	for _, name := range result.Topics {
		logger.Debug("topic", "name", name)
	}
	return nil
}

// toIssue flattens a load error, keeping the CUE position when present.
func toIssue(err error) ConfigIssue {
	var cfgErr *config.ConfigError
	if errors.As(err, &cfgErr) {
		issue := ConfigIssue{Field: cfgErr.Field, Message: cfgErr.Message}
		if cfgErr.Pos.IsValid() {
			issue.Line = cfgErr.Pos.Line()
			issue.Column = cfgErr.Pos.Column()
		}
		return issue
	}
	return ConfigIssue{Field: "config", Message: err.Error()}
}

// outputValidationError reports a validation failure.
func outputValidationError(formatter *OutputFormatter, issue ConfigIssue) error {
	if formatter.JSON() {
		data := ValidationResult{Valid: false, Errors: []ConfigIssue{issue}}
		if err := formatter.Failure(ErrCodeConfigInvalid, issue.Message, data); err != nil {
			return err
		}
		return NewExitError(ExitFailure, "validation failed")
	}

	fmt.Fprintln(formatter.Writer, "✗ Validation failed")
	fmt.Fprintln(formatter.Writer)
	if issue.Line > 0 {
		fmt.Fprintf(formatter.Writer, "line %d, column %d\n", issue.Line, issue.Column)
	}
	fmt.Fprintf(formatter.Writer, "  %s: %s\n", issue.Field, issue.Message)

	return NewExitError(ExitFailure, "validation failed")
}
