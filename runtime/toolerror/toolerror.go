// Package toolerror provides the structured failure type tool invocations
// resolve to. A ToolError is an observation, not a control-flow exception:
// the dispatcher converts every terminal failure into one so the planner can
// reason about it on the next hop.
package toolerror

import (
	"errors"
	"fmt"
)

// Class categorizes a tool failure. The planner and retry policy branch on
// the class, never on the message text.
type Class string

const (
	// ClassTimeout marks an attempt that exceeded the tool's deadline.
	ClassTimeout Class = "timeout"
	// ClassRateLimited marks an upstream rate limit response.
	ClassRateLimited Class = "rate_limited"
	// ClassSchemaMismatch marks input or output schema validation failure.
	ClassSchemaMismatch Class = "schema_mismatch"
	// ClassArgsRejected marks arguments refused before invocation, such as
	// unresolved template placeholders.
	ClassArgsRejected Class = "args_rejected"
	// ClassAuthConfig marks a fatal connection/auth configuration problem,
	// such as a missing environment variable.
	ClassAuthConfig Class = "auth_config"
	// ClassNotActivatable marks a deferred tool whose activation was denied.
	ClassNotActivatable Class = "not_activatable"
	// ClassCancelled marks an attempt aborted by step or query cancellation.
	ClassCancelled Class = "cancelled"
	// ClassToolFailed marks an error returned by the tool itself.
	ClassToolFailed Class = "tool_failed"
)

// ToolError is a structured tool failure. It preserves causal context through
// Cause while implementing the standard error interface, so errors.Is/As work
// across retry and dispatch layers.
type ToolError struct {
	// Class categorizes the failure.
	Class Class `json:"class"`
	// Message is the human-readable summary.
	Message string `json:"message"`
	// Retries is how many retry attempts were consumed before giving up.
	Retries int `json:"retries"`
	// Status is the upstream status code when the tool reported one
	// (HTTP-style), zero otherwise. Retry policies match against it.
	Status int `json:"status,omitempty"`
	// Cause links the underlying error chain.
	Cause *ToolError `json:"cause,omitempty"`
}

// New constructs a ToolError of the given class.
func New(class Class, message string) *ToolError {
	if message == "" {
		message = "tool error"
	}
	return &ToolError{Class: class, Message: message}
}

// Newf constructs a ToolError with a formatted message.
func Newf(class Class, format string, args ...any) *ToolError {
	return New(class, fmt.Sprintf(format, args...))
}

// Wrap constructs a ToolError that records an underlying error as its cause.
func Wrap(class Class, message string, cause error) *ToolError {
	if message == "" && cause != nil {
		message = cause.Error()
	}
	return &ToolError{Class: class, Message: message, Cause: FromError(cause)}
}

// FromError converts an arbitrary error into a ToolError chain. Existing
// ToolErrors pass through unchanged.
func FromError(err error) *ToolError {
	if err == nil {
		return nil
	}
	var te *ToolError
	if errors.As(err, &te) {
		return te
	}
	return &ToolError{
		Class:   ClassToolFailed,
		Message: err.Error(),
		Cause:   FromError(errors.Unwrap(err)),
	}
}

// WithRetries returns a copy carrying the consumed retry count.
func (e *ToolError) WithRetries(n int) *ToolError {
	if e == nil {
		return nil
	}
	out := *e
	out.Retries = n
	return &out
}

// Error implements the error interface.
func (e *ToolError) Error() string {
	if e == nil {
		return ""
	}
	if e.Class == "" {
		return e.Message
	}
	return string(e.Class) + ": " + e.Message
}

// Unwrap returns the underlying tool error to support errors.Is/As.
func (e *ToolError) Unwrap() error {
	if e == nil || e.Cause == nil {
		return nil
	}
	return e.Cause
}
