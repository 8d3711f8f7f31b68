package cli

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/roach88/livesync/internal/record"
)

// Exit codes for CLI commands.
const (
	ExitSuccess      = 0 // Successful execution
	ExitFailure      = 1 // Scenario or validation failure
	ExitCommandError = 2 // Command error (invalid paths, unreachable source, etc.)
)

// ExitError represents an error with a specific exit code.
// Use this to return errors with meaningful exit codes from CLI commands.
type ExitError struct {
	Code    int    // Exit code (use ExitFailure or ExitCommandError)
	Message string // Error message
	Err     error  // Underlying error (optional)
}

func (e *ExitError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *ExitError) Unwrap() error {
	return e.Err
}

// NewExitError creates a new ExitError with the given code and message.
func NewExitError(code int, message string) *ExitError {
	return &ExitError{Code: code, Message: message}
}

// WrapExitError wraps an existing error with an exit code.
func WrapExitError(code int, message string, err error) *ExitError {
	return &ExitError{Code: code, Message: message, Err: err}
}

// GetExitCode extracts the exit code from an error.
// Returns ExitFailure (1) if the error is not an ExitError.
func GetExitCode(err error) int {
	var exitErr *ExitError
	if errors.As(err, &exitErr) {
		return exitErr.Code
	}
	return ExitFailure
}

// CLIResponse is the JSON envelope for command results.
type CLIResponse struct {
	Status string    `json:"status"`          // "ok" or "error"
	Data   any       `json:"data,omitempty"`  // result payload, also set on failures that have one
	Error  *CLIError `json:"error,omitempty"` // error details
}

// CLIError is the error part of a CLIResponse.
type CLIError struct {
	Code    string `json:"code"` // "E001", "E_TEST_FAILED", etc.
	Message string `json:"message"`
	Details any    `json:"details,omitempty"`
}

// OutputFormatter writes command results and delivered changes in the
// selected format. Safe for concurrent use; watch callbacks for different
// topics share one formatter.
type OutputFormatter struct {
	Format  string
	Writer  io.Writer
	Verbose bool

	mu      sync.Mutex
	changes int
}

// newFormatter builds a formatter from the root flags.
func newFormatter(opts *RootOptions, w io.Writer) *OutputFormatter {
	return &OutputFormatter{Format: opts.Format, Writer: w, Verbose: opts.Verbose}
}

// JSON reports whether output is JSON.
func (f *OutputFormatter) JSON() bool {
	return f.Format == "json"
}

// Success writes a successful result. Text mode prints data as is; commands
// with a richer text rendering write it themselves.
func (f *OutputFormatter) Success(data any) error {
	if f.JSON() {
		return f.encode(CLIResponse{Status: "ok", Data: data})
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	_, err := fmt.Fprintln(f.Writer, data)
	return err
}

// Error writes a command error.
func (f *OutputFormatter) Error(code, message string, details any) error {
	if f.JSON() {
		return f.encode(CLIResponse{
			Status: "error",
			Error:  &CLIError{Code: code, Message: message, Details: details},
		})
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	fmt.Fprintf(f.Writer, "Error [%s]: %s\n", code, message)
	if f.Verbose && details != nil {
		fmt.Fprintf(f.Writer, "Details: %v\n", details)
	}
	return nil
}

// Failure writes the JSON envelope for a run that completed but failed,
// carrying both the result and the error. No-op in text mode.
func (f *OutputFormatter) Failure(code, message string, data any) error {
	if !f.JSON() {
		return nil
	}
	return f.encode(CLIResponse{
		Status: "error",
		Data:   data,
		Error:  &CLIError{Code: code, Message: message},
	})
}

// Change writes one delivered change: a JSON object per line, or
// "topic KIND {canonical record}" in text mode.
func (f *OutputFormatter) Change(c record.Change) error {
	var line []byte
	if f.JSON() {
		data, err := json.Marshal(c)
		if err != nil {
			return fmt.Errorf("encode change: %w", err)
		}
		line = append(data, '\n')
	} else {
		data, err := record.MarshalCanonical(map[string]any(c.Record))
		if err != nil {
			return fmt.Errorf("encode change: %w", err)
		}
		line = fmt.Appendf(nil, "%s %s %s\n", c.Topic, c.Kind, data)
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.changes++
	_, err := f.Writer.Write(line)
	return err
}

// Changes returns how many changes were written.
func (f *OutputFormatter) Changes() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.changes
}

func (f *OutputFormatter) encode(resp CLIResponse) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	encoder := json.NewEncoder(f.Writer)
	encoder.SetIndent("", "  ")
	return encoder.Encode(resp)
}
