// Package errors provides structured error types for rundown.
package errors

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Error codes for rundown operations.
const (
	// Config errors
	CodeConfigMissingField = "CONFIG_001" // Missing required field
	CodeConfigInvalidValue = "CONFIG_002" // Invalid value type

	// Parse errors (fatal, stop parsing immediately)
	CodeParseHeader        = "PARSE_001" // Malformed step or substep header
	CodeParseHeadingLevel  = "PARSE_002" // H1 used as a step, or H4+
	CodeParseDuplicate     = "PARSE_003" // Duplicate substep id
	CodeParseMixedSubsteps = "PARSE_004" // Static and dynamic substeps under one step
	CodeParseMultipleCode  = "PARSE_005" // Second code block in a step or substep
	CodeParsePromptOrder   = "PARSE_006" // Prompt text after code or nested runbooks
	CodeParseNestedRetry   = "PARSE_007" // RETRY inside RETRY
	CodeParseAction        = "PARSE_008" // Unparsable action grammar
	CodeParseTransition    = "PARSE_009" // Conflicting or duplicate transitions
	CodeParseFrontMatter   = "PARSE_010" // Invalid YAML front-matter
	CodeParseStepReference = "PARSE_011" // Substep outside a step or for another step

	// Validation errors
	CodeValidation = "VALID_001" // Semantic rule violation

	// Machine errors
	CodeMachineUnknownEvent = "MACHINE_001" // Unrecognised event type
	CodeMachineBadTarget    = "MACHINE_002" // GOTO target does not resolve
	CodeMachineFinal        = "MACHINE_003" // Event sent to a final state
	CodeMachineSnapshot     = "MACHINE_004" // Snapshot does not fit the definition
	CodeMachineVariable     = "MACHINE_005" // Non-scalar or unnamed context variable

	// Run errors
	CodeRunNotFound = "RUN_001" // Run not found
	CodeRunLocked   = "RUN_002" // Run is locked by another process

	// IO errors
	CodeIOFileNotFound = "IO_001" // File not found
	CodeIOReadError    = "IO_004" // Read error
	CodeIOWriteError   = "IO_005" // Write error
)

// RundownError is the structured error type for rundown operations.
type RundownError struct {
	Code    string         `json:"code"`              // Error code (e.g., "PARSE_001")
	Message string         `json:"message"`           // Human-readable message
	File    string         `json:"file,omitempty"`    // Source file, when known
	Line    int            `json:"line,omitempty"`    // 1-based source line, 0 if unknown
	Details map[string]any `json:"details,omitempty"` // Context (step, target, etc.)
	Cause   error          `json:"-"`                 // Wrapped error (not serialized)
}

// Error implements the error interface.
func (e *RundownError) Error() string {
	msg := e.Message
	if loc := e.location(); loc != "" {
		msg = loc + ": " + msg
	}
	if e.Cause != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, msg, e.Cause)
	}
	return fmt.Sprintf("[%s] %s", e.Code, msg)
}

func (e *RundownError) location() string {
	switch {
	case e.File != "" && e.Line > 0:
		return fmt.Sprintf("%s:%d", e.File, e.Line)
	case e.File != "":
		return e.File
	case e.Line > 0:
		return fmt.Sprintf("line %d", e.Line)
	}
	return ""
}

// Unwrap returns the underlying error.
func (e *RundownError) Unwrap() error {
	return e.Cause
}

// WithDetail adds a detail to the error.
func (e *RundownError) WithDetail(key string, value any) *RundownError {
	if e.Details == nil {
		e.Details = make(map[string]any)
	}
	e.Details[key] = value
	return e
}

// WithCause wraps an underlying error.
func (e *RundownError) WithCause(err error) *RundownError {
	e.Cause = err
	return e
}

// AtLine records the source line.
func (e *RundownError) AtLine(line int) *RundownError {
	e.Line = line
	return e
}

// InFile records the source file.
func (e *RundownError) InFile(file string) *RundownError {
	e.File = file
	return e
}

// MarshalJSON implements json.Marshaler with cause error message.
func (e *RundownError) MarshalJSON() ([]byte, error) {
	type alias RundownError
	aux := struct {
		*alias
		CauseMsg string `json:"cause,omitempty"`
	}{
		alias: (*alias)(e),
	}
	if e.Cause != nil {
		aux.CauseMsg = e.Cause.Error()
	}
	return json.Marshal(aux)
}

// New creates a new RundownError.
func New(code, message string) *RundownError {
	return &RundownError{
		Code:    code,
		Message: message,
	}
}

// Newf creates a new RundownError with formatted message.
func Newf(code, format string, args ...any) *RundownError {
	return &RundownError{
		Code:    code,
		Message: fmt.Sprintf(format, args...),
	}
}

// Wrap wraps an error with a RundownError.
func Wrap(code, message string, err error) *RundownError {
	return &RundownError{
		Code:    code,
		Message: message,
		Cause:   err,
	}
}

// Wrapf wraps an error with a formatted RundownError.
func Wrapf(code string, err error, format string, args ...any) *RundownError {
	return &RundownError{
		Code:    code,
		Message: fmt.Sprintf(format, args...),
		Cause:   err,
	}
}

// --- Config Errors ---

// ConfigMissingField creates an error for missing config field.
func ConfigMissingField(field string) *RundownError {
	return Newf(CodeConfigMissingField, "missing required config field: %s", field).
		WithDetail("field", field)
}

// ConfigInvalidValue creates an error for invalid config value.
func ConfigInvalidValue(field string, value any, reason string) *RundownError {
	return Newf(CodeConfigInvalidValue, "invalid config value for %s: %s", field, reason).
		WithDetail("field", field).
		WithDetail("value", value).
		WithDetail("reason", reason)
}

// --- Parse Errors ---

// Syntax creates a fatal parse error at a source line.
func Syntax(code string, line int, format string, args ...any) *RundownError {
	return Newf(code, format, args...).AtLine(line)
}

// Validation creates an error for a semantic validation failure.
func Validation(line int, message string) *RundownError {
	return New(CodeValidation, message).AtLine(line)
}

// --- Machine Errors ---

// MachineBadTarget creates an error for a GOTO target that does not resolve.
func MachineBadTarget(target, state, reason string) *RundownError {
	return Newf(CodeMachineBadTarget, "cannot GOTO %s from %s: %s", target, state, reason).
		WithDetail("target", target).
		WithDetail("state", state)
}

// MachineFinal creates an error for an event sent after the run ended.
func MachineFinal(state, event string) *RundownError {
	return Newf(CodeMachineFinal, "cannot send %s: run already ended in %s", event, state).
		WithDetail("state", state).
		WithDetail("event", event)
}

// --- Run Errors ---

// RunNotFound creates an error for a missing run.
func RunNotFound(runID string) *RundownError {
	return Newf(CodeRunNotFound, "run not found: %s", runID).
		WithDetail("run_id", runID)
}

// RunLocked creates an error for a run held by another process.
func RunLocked(runID string, err error) *RundownError {
	return Wrap(CodeRunLocked, "run is locked by another process", err).
		WithDetail("run_id", runID)
}

// --- IO Errors ---

// IOFileNotFound creates an error for missing file.
func IOFileNotFound(path string) *RundownError {
	return Newf(CodeIOFileNotFound, "file not found: %s", path).
		WithDetail("path", path)
}

// IOReadError creates an error for read failures.
func IOReadError(path string, err error) *RundownError {
	return Wrap(CodeIOReadError, "failed to read file", err).
		WithDetail("path", path)
}

// IOWriteError creates an error for write failures.
func IOWriteError(path string, err error) *RundownError {
	return Wrap(CodeIOWriteError, "failed to write file", err).
		WithDetail("path", path)
}

// HasCode checks if an error is a RundownError with the given code.
// It handles wrapped errors by unwrapping to find a RundownError.
func HasCode(err error, code string) bool {
	var rerr *RundownError
	if errors.As(err, &rerr) {
		return rerr.Code == code
	}
	return false
}

// Code returns the error code if err is a RundownError, empty string otherwise.
func Code(err error) string {
	var rerr *RundownError
	if errors.As(err, &rerr) {
		return rerr.Code
	}
	return ""
}

// LineOf returns the source line carried by err, or 0.
func LineOf(err error) int {
	var rerr *RundownError
	if errors.As(err, &rerr) {
		return rerr.Line
	}
	return 0
}
