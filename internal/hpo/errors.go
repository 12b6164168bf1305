package hpo

import (
	"errors"
	"fmt"
)

// Sentinel errors for lifecycle and lookup failures. Callers match them
// with errors.Is through the *Error wrapper.
var (
	// ErrUnboundTrial is returned when a sampling call arrives for a trial
	// identifier that has no bound delegate. This is a lifecycle violation
	// by the caller, never a recoverable runtime condition.
	ErrUnboundTrial = errors.New("no sampler bound for trial")
	// ErrUnknownTrial is returned for trial identifiers absent from storage.
	ErrUnknownTrial = errors.New("unknown trial")
	// ErrUnknownStudy is returned for study identifiers absent from storage.
	ErrUnknownStudy = errors.New("unknown study")
	// ErrTrialNotRunning is returned when finalizing or suggesting on a
	// trial that is not in the RUNNING state.
	ErrTrialNotRunning = errors.New("trial is not running")
	// ErrInvalidState is returned when a lifecycle hook receives a state
	// outside the set it accepts.
	ErrInvalidState = errors.New("invalid trial state")
	// ErrUnsupportedDistribution is returned when a parameter value or
	// distribution cannot be represented.
	ErrUnsupportedDistribution = errors.New("unsupported distribution")
)

// Error represents a sampling or study error with context
// that can be wrapped with additional information.
type Error struct {
	// Message describes the error that occurred.
	Message string
	// Op is the operation that caused the error.
	Op string
	// Component is the component where the error occurred.
	Component string
	// Err is the underlying error that triggered this one, if any.
	Err error
}

// Error returns the string representation of the error.
func (e *Error) Error() string {
	if e == nil {
		return "<nil>"
	}
	var prefix string
	if e.Component != "" && e.Op != "" {
		prefix = fmt.Sprintf("%s: %s", e.Component, e.Op)
	} else if e.Component != "" {
		prefix = e.Component
	} else if e.Op != "" {
		prefix = e.Op
	}

	if e.Err != nil {
		if prefix != "" {
			return fmt.Sprintf("%s: %s: %v", prefix, e.Message, e.Err)
		}
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}

	if prefix != "" {
		return fmt.Sprintf("%s: %s", prefix, e.Message)
	}
	return e.Message
}

// Unwrap returns the underlying error, if any.
func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// WithOperation adds operation context to the error.
func (e *Error) WithOperation(op string) *Error {
	e.Op = op
	return e
}

// WithComponent adds component context to the error.
func (e *Error) WithComponent(component string) *Error {
	e.Component = component
	return e
}

// NewError creates a new error with the given message.
func NewError(message string) *Error {
	return &Error{
		Message: message,
	}
}

// NewErrorf creates a new error with formatted message.
func NewErrorf(format string, args ...any) *Error {
	return &Error{
		Message: fmt.Sprintf(format, args...),
	}
}

// WrapError wraps an existing error with additional context.
// If err is nil, WrapError returns nil.
func WrapError(err error, message string) *Error {
	if err == nil {
		return nil
	}
	return &Error{
		Message: message,
		Err:     err,
	}
}

// WrapErrorf wraps an existing error with additional formatted context.
// If err is nil, WrapErrorf returns nil.
func WrapErrorf(err error, format string, args ...any) *Error {
	if err == nil {
		return nil
	}
	return &Error{
		Message: fmt.Sprintf(format, args...),
		Err:     err,
	}
}

// AsError checks if an error is of type *Error.
// If it is, it returns the error and true. Otherwise nil and false.
func AsError(err error) (*Error, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}
