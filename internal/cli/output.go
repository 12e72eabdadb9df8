package cli

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/roach88/conductor/internal/model"
)

// Exit codes for CLI commands.
const (
	ExitSuccess      = 0 // Successful execution
	ExitFailure      = 1 // Operation failed (conflict, failed scenarios, ...)
	ExitCommandError = 2 // Command error (bad config, unreachable database, invalid input)
)

// Error codes reported in JSON output.
const (
	ErrCodeGeneric    = "E001" // Generic/unknown error
	ErrCodeConfig     = "E002" // Configuration invalid or unreadable
	ErrCodeDatabase   = "E003" // Store could not be opened
	ErrCodeNotFound   = "E005" // Path not found
	ErrCodeValidation = "E101" // Invalid input
	ErrCodeConflict   = "E102" // Deployment conflict
)

// ExitError represents an error with a specific exit code.
// Use this to return errors with meaningful exit codes from CLI commands.
type ExitError struct {
	Code    int    // Exit code (use ExitFailure or ExitCommandError)
	ErrCode string // JSON error code (optional, defaults to E001)
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

// setupError wraps a failure to prepare a command with its JSON error code.
func setupError(errCode, message string, err error) *ExitError {
	return &ExitError{Code: ExitCommandError, ErrCode: errCode, Message: message, Err: err}
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

// operationError maps an engine error to an exit error. Invalid input is a
// command error; everything else is a failed operation.
func operationError(message string, err error) *ExitError {
	if model.KindOf(err) == model.ErrValidation {
		return WrapExitError(ExitCommandError, message, err)
	}
	return WrapExitError(ExitFailure, message, err)
}

// errorCode returns the JSON error code of an engine error.
func errorCode(err error) string {
	switch model.KindOf(err) {
	case model.ErrValidation:
		return ErrCodeValidation
	case model.ErrConflict:
		return ErrCodeConflict
	}
	return ErrCodeGeneric
}

// OutputFormatter handles JSON vs text output for CLI commands.
type OutputFormatter struct {
	Format    string
	Writer    io.Writer
	ErrWriter io.Writer // Separate writer for verbose/diagnostic output (defaults to Writer)
	Verbose   bool
}

// CLIResponse is the standard JSON response format for CLI output.
type CLIResponse struct {
	Status string    `json:"status"`          // "ok" or "error"
	Data   any       `json:"data,omitempty"`  // success payload
	Error  *CLIError `json:"error,omitempty"` // error details
}

// CLIError is the error structure for CLI responses.
type CLIError struct {
	Code    string `json:"code"`              // "E001", "E002", etc.
	Message string `json:"message"`           // human-readable message
	Details any    `json:"details,omitempty"` // additional context
}

// textRenderer is implemented by payloads with a dedicated text layout.
type textRenderer interface {
	renderText(w io.Writer)
}

// Success outputs a successful result in the configured format.
func (f *OutputFormatter) Success(data any) error {
	if f.Format == "json" {
		return json.NewEncoder(f.Writer).Encode(CLIResponse{
			Status: "ok",
			Data:   data,
		})
	}

	if r, ok := data.(textRenderer); ok {
		r.renderText(f.Writer)
		return nil
	}
	fmt.Fprintln(f.Writer, data)
	return nil
}

// Error outputs an error in the configured format.
func (f *OutputFormatter) Error(code, message string, details any) error {
	if f.Format == "json" {
		return json.NewEncoder(f.Writer).Encode(CLIResponse{
			Status: "error",
			Error: &CLIError{
				Code:    code,
				Message: message,
				Details: details,
			},
		})
	}

	fmt.Fprintf(f.Writer, "Error [%s]: %s\n", code, message)
	if f.Verbose && details != nil {
		fmt.Fprintf(f.Writer, "Details: %v\n", details)
	}
	return nil
}

// Fail reports err in the configured format and returns it as an exit
// error. Errors that already carry an exit code keep it.
func (f *OutputFormatter) Fail(message string, err error) error {
	var ee *ExitError
	if errors.As(err, &ee) {
		code := ee.ErrCode
		if code == "" {
			code = ErrCodeGeneric
		}
		if outErr := f.Error(code, ee.Error(), nil); outErr != nil {
			return outErr
		}
		return ee
	}

	details := any(nil)
	var me *model.Error
	if errors.As(err, &me) {
		details = map[string]string{"kind": string(me.Kind), "op": me.Op}
	}
	if outErr := f.Error(errorCode(err), fmt.Sprintf("%s: %v", message, err), details); outErr != nil {
		return outErr
	}
	return operationError(message, err)
}

// VerboseLog outputs a message only if verbose mode is enabled.
// Uses ErrWriter if set, otherwise falls back to Writer.
// When format is JSON, verbose logs go to ErrWriter to avoid corrupting JSON output.
func (f *OutputFormatter) VerboseLog(format string, args ...any) {
	if !f.Verbose {
		return
	}
	w := f.ErrWriter
	if w == nil {
		w = f.Writer
	}
	fmt.Fprintf(w, format+"\n", args...)
}
