// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package supervisor

import (
	"fmt"
	"strings"
)

// ErrorCode represents a category of supervisor error.
type ErrorCode string

const (
	// ErrorCodeNotFound indicates a service was not found in the config.
	ErrorCodeNotFound ErrorCode = "NOT_FOUND"
	// ErrorCodeNotRunning indicates a service is not running.
	ErrorCodeNotRunning ErrorCode = "NOT_RUNNING"
	// ErrorCodeCommandNotFound indicates the service command was not found.
	ErrorCodeCommandNotFound ErrorCode = "COMMAND_NOT_FOUND"
	// ErrorCodeStartFailed indicates a service failed to start.
	ErrorCodeStartFailed ErrorCode = "START_FAILED"
	// ErrorCodeConfirmFailed indicates a spawned service never became ready.
	ErrorCodeConfirmFailed ErrorCode = "CONFIRM_FAILED"
	// ErrorCodeStopFailed indicates a service did not die when told to.
	ErrorCodeStopFailed ErrorCode = "STOP_FAILED"
	// ErrorCodePortExhausted indicates no listener port could be allocated.
	ErrorCodePortExhausted ErrorCode = "PORT_EXHAUSTED"
	// ErrorCodeSecret indicates a secret reference failed to resolve.
	ErrorCodeSecret ErrorCode = "SECRET"
	// ErrorCodeInternal indicates an internal error.
	ErrorCodeInternal ErrorCode = "INTERNAL"
)

// Error is a supervisor error that includes suggestions for resolution.
type Error struct {
	// Code is the error category.
	Code ErrorCode
	// Message is the primary error message.
	Message string
	// Detail provides additional context.
	Detail string
	// Suggestions are actionable steps to resolve the error.
	Suggestions []string
	// Cause is the underlying error, if any.
	Cause error
}

// Error implements the error interface.
func (e *Error) Error() string {
	var sb strings.Builder

	sb.WriteString("Error: ")
	sb.WriteString(e.Message)
	sb.WriteString("\n")

	if e.Detail != "" {
		sb.WriteString("  -> ")
		sb.WriteString(e.Detail)
		sb.WriteString("\n")
	}

	if len(e.Suggestions) > 0 {
		sb.WriteString("\n  Suggestions:\n")
		for _, s := range e.Suggestions {
			sb.WriteString("  - ")
			sb.WriteString(s)
			sb.WriteString("\n")
		}
	}

	return sb.String()
}

// Unwrap returns the underlying error.
func (e *Error) Unwrap() error {
	return e.Cause
}

// UserMessage returns a one-line message without the suggestion block.
func (e *Error) UserMessage() string {
	if e.Detail != "" {
		return fmt.Sprintf("%s: %s", e.Message, e.Detail)
	}
	return e.Message
}

// NewError creates a new Error.
func NewError(code ErrorCode, message string) *Error {
	return &Error{
		Code:    code,
		Message: message,
	}
}

// WithDetail adds detail to the error.
func (e *Error) WithDetail(detail string) *Error {
	e.Detail = detail
	return e
}

// WithSuggestions adds suggestions to the error.
func (e *Error) WithSuggestions(suggestions ...string) *Error {
	e.Suggestions = suggestions
	return e
}

// WithCause adds an underlying cause to the error.
func (e *Error) WithCause(cause error) *Error {
	e.Cause = cause
	return e
}

// ErrServiceNotFound creates an error for a name with no config entry.
func ErrServiceNotFound(name string) *Error {
	return NewError(ErrorCodeNotFound, fmt.Sprintf("service '%s' is not configured", name)).
		WithSuggestions(
			"List configured services: toolmesh status",
			fmt.Sprintf("Add it to config.yaml under services.%s", name),
		)
}

// ErrServiceNotRunning creates an error for a stop of a stopped service.
func ErrServiceNotRunning(name string) *Error {
	return NewError(ErrorCodeNotRunning, fmt.Sprintf("service '%s' is not running", name)).
		WithSuggestions(
			fmt.Sprintf("Start it: toolmesh start %s", name),
			"Check status: toolmesh status",
		)
}

// ErrCommandNotFound creates an error for a missing executable.
func ErrCommandNotFound(name, command string) *Error {
	return NewError(ErrorCodeCommandNotFound, fmt.Sprintf("command '%s' for service '%s' not found", command, name)).
		WithDetail(fmt.Sprintf("'%s' is not in PATH and is not an existing file", command)).
		WithSuggestions(
			"Verify the command is installed and in your PATH",
			fmt.Sprintf("Use an absolute path in services.%s.command", name),
		)
}

// ErrStartFailed creates an error for a spawn failure.
func ErrStartFailed(name string, cause error) *Error {
	return NewError(ErrorCodeStartFailed, fmt.Sprintf("failed to start service '%s'", name)).
		WithDetail(cause.Error()).
		WithCause(cause).
		WithSuggestions(
			fmt.Sprintf("Check service logs: toolmesh logs %s", name),
			"Verify the command and arguments are correct",
			"Ensure required environment variables are set",
		)
}

// ErrConfirmFailed creates an error for a service that spawned but never
// became ready inside the grace window.
func ErrConfirmFailed(name, logPath string, cause error) *Error {
	e := NewError(ErrorCodeConfirmFailed, fmt.Sprintf("service '%s' did not become ready", name)).
		WithSuggestions(
			fmt.Sprintf("Check service logs: %s", logPath),
			"Increase supervisor.start_grace if the service is just slow",
			"Verify the service registers itself once listening",
		)
	if cause != nil {
		e = e.WithDetail(cause.Error()).WithCause(cause)
	}
	return e
}

// ErrStopFailed creates an error for a service that survived SIGKILL.
func ErrStopFailed(name string, cause error) *Error {
	return NewError(ErrorCodeStopFailed, fmt.Sprintf("failed to stop service '%s'", name)).
		WithDetail(cause.Error()).
		WithCause(cause).
		WithSuggestions(
			"Check for processes in uninterruptible sleep (state D)",
			fmt.Sprintf("Inspect survivors: toolmesh status %s", name),
		)
}

// ErrPortExhausted creates an error for a failed port allocation.
func ErrPortExhausted(name string, cause error) *Error {
	return NewError(ErrorCodePortExhausted, fmt.Sprintf("no free port for service '%s'", name)).
		WithDetail(cause.Error()).
		WithCause(cause).
		WithSuggestions(
			"Free ports in the configured range or widen supervisor.port_max_attempts",
			"Run toolmesh cleanup to drop dead port claims",
		)
}

// ErrSecretResolution creates an error for an unresolvable secret reference.
func ErrSecretResolution(name string, cause error) *Error {
	return NewError(ErrorCodeSecret, fmt.Sprintf("cannot resolve secrets for service '%s'", name)).
		WithDetail(cause.Error()).
		WithCause(cause).
		WithSuggestions(
			"Store the secret: toolmesh secret set <name>",
			"Or export TOOLMESH_SECRET_<NAME> in the daemon's environment",
		)
}

// WrapError wraps a standard error in an Error if it isn't one already.
func WrapError(err error, code ErrorCode, message string) *Error {
	if supErr, ok := err.(*Error); ok {
		return supErr
	}
	return NewError(code, message).WithDetail(err.Error()).WithCause(err)
}
