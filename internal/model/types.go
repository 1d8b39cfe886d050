// Package model defines the domain types for the sessionrun CLI.
//
// All entities in this package are transient: a session run produces
// SessionResult values that live for the duration of the process and are
// optionally written to a JSON report. There is no persistent state.
package model

import (
	"fmt"
	"strings"
	"time"
)

// Outcome represents how a single session instance ended.
// The transitions are linear:
//
//	[Queued] → Running → Success | Failed | Skipped | Aborted
type Outcome string

const (
	// OutcomeSuccess indicates every install and run step exited with status 0.
	OutcomeSuccess Outcome = "success"

	// OutcomeFailed indicates an install or run step failed. The remaining
	// steps of that session were not executed.
	OutcomeFailed Outcome = "failed"

	// OutcomeSkipped indicates the session intentionally did not run because
	// a precondition was not met (for example missing credentials). A skip
	// is never counted as a failure.
	OutcomeSkipped Outcome = "skipped"

	// OutcomeAborted indicates the run was cancelled (SIGINT/SIGTERM) while
	// the session was executing.
	OutcomeAborted Outcome = "aborted"
)

// String returns the string representation of Outcome.
func (o Outcome) String() string {
	return string(o)
}

// IsValid checks whether the Outcome value is one of the predefined outcomes.
func (o Outcome) IsValid() bool {
	switch o {
	case OutcomeSuccess, OutcomeFailed, OutcomeSkipped, OutcomeAborted:
		return true
	default:
		return false
	}
}

// IsFailure reports whether the outcome should make the process exit non-zero.
func (o Outcome) IsFailure() bool {
	return o == OutcomeFailed || o == OutcomeAborted
}

// Backend selects where the commands of a session are executed.
type Backend string

const (
	// BackendVenv creates one Python virtual environment per session instance
	// under the env directory (default).
	BackendVenv Backend = "venv"

	// BackendNone runs every command directly on the current interpreter
	// found on PATH, without any isolation.
	BackendNone Backend = "none"

	// BackendDocker runs every command inside a disposable python:<version>
	// container with the project bind-mounted.
	BackendDocker Backend = "docker"
)

// String returns the string representation of Backend.
func (b Backend) String() string {
	return string(b)
}

// IsValid checks whether the Backend value is one of the supported backends.
func (b Backend) IsValid() bool {
	switch b {
	case BackendVenv, BackendNone, BackendDocker:
		return true
	default:
		return false
	}
}

// ParseBackend converts a string to a Backend.
func ParseBackend(s string) (Backend, error) {
	backend := Backend(strings.ToLower(s))
	if !backend.IsValid() {
		return "", fmt.Errorf("invalid backend: %q (valid: venv, none, docker)", s)
	}
	return backend, nil
}

// SessionResult records the outcome of one session instance (a session
// definition bound to one interpreter version, e.g. "unit-3.9").
type SessionResult struct {
	// Name is the instance name, e.g. "unit-3.9" or "lint-3.9".
	Name string `json:"name"`

	// Session is the definition name without the interpreter suffix.
	Session string `json:"session"`

	// Python is the interpreter version, empty for interpreter-less sessions.
	Python string `json:"python,omitempty"`

	// Outcome is how the session ended.
	Outcome Outcome `json:"result"`

	// Reason explains a skip or a failure. Empty on success.
	Reason string `json:"reason,omitempty"`

	// ExitCode is the exit status of the failing external command.
	// Zero unless Outcome is OutcomeFailed and a command reported a status.
	ExitCode int `json:"exitCode,omitempty"`

	// Duration is the wall-clock time spent in the session.
	Duration time.Duration `json:"duration"`
}

// ExitCode defines the CLI exit codes. A failing session does not use one of
// these: the process exits with the status of the last failing command.
type ExitCode int

const (
	// ExitSuccess indicates every selected session succeeded or was skipped.
	ExitSuccess ExitCode = 0

	// ExitGeneralError indicates an unspecified error occurred.
	ExitGeneralError ExitCode = 1

	// ExitUsage indicates invalid flags or arguments.
	ExitUsage ExitCode = 2

	// ExitDockerNotRunning indicates the Docker daemon is not accessible
	// while the docker backend was requested.
	ExitDockerNotRunning ExitCode = 3

	// ExitNoSuchSession indicates a requested session name is not registered.
	ExitNoSuchSession ExitCode = 4

	// ExitConfigError indicates the configuration file could not be loaded
	// or failed validation.
	ExitConfigError ExitCode = 5

	// ExitInterrupted indicates the run was cancelled by a signal.
	ExitInterrupted ExitCode = 130
)

// CLIError is a custom error type that carries an exit code.
// This allows the CLI layer to translate domain errors into
// appropriate process exit codes.
type CLIError struct {
	// Code is the exit code to return to the OS.
	Code ExitCode

	// Message is the human-readable error description.
	Message string

	// Err is the underlying error, if any.
	Err error
}

// Error satisfies the error interface. It returns the human-readable
// error message, optionally including the underlying error.
func (e *CLIError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

// Unwrap returns the underlying error for use with errors.Is/errors.As.
func (e *CLIError) Unwrap() error {
	return e.Err
}

// NewCLIError creates a new CLIError with the given exit code and message.
func NewCLIError(code ExitCode, message string) *CLIError {
	return &CLIError{Code: code, Message: message}
}

// WrapCLIError creates a new CLIError that wraps an existing error.
func WrapCLIError(code ExitCode, message string, err error) *CLIError {
	return &CLIError{Code: code, Message: message, Err: err}
}

// CommandError reports an external command that could not be started or
// exited with a non-zero status.
type CommandError struct {
	// Args is the full command line, program first.
	Args []string

	// ExitCode is the process exit status, or -1 if the process never ran.
	ExitCode int

	// Err is the underlying error from os/exec or the Docker API.
	Err error
}

// Error satisfies the error interface.
func (e *CommandError) Error() string {
	cmdline := strings.Join(e.Args, " ")
	if e.ExitCode >= 0 {
		return fmt.Sprintf("command %s failed with exit code %d", cmdline, e.ExitCode)
	}
	if e.Err != nil {
		return fmt.Sprintf("command %s could not be run: %v", cmdline, e.Err)
	}
	return fmt.Sprintf("command %s could not be run", cmdline)
}

// Unwrap returns the underlying error.
func (e *CommandError) Unwrap() error {
	return e.Err
}

// SkipError is returned by a session body to end the session with
// OutcomeSkipped instead of OutcomeFailed.
type SkipError struct {
	Reason string
}

// Error satisfies the error interface.
func (e *SkipError) Error() string {
	if e.Reason == "" {
		return "session skipped"
	}
	return "session skipped: " + e.Reason
}
