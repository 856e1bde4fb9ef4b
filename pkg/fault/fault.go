// Package fault defines the error taxonomy shared across sage components.
//
// Errors are classified by kind, not by concrete type. Components wrap
// underlying errors with a kind and the component name; the tool server is
// the only place where kinds are translated into protocol-level errors.
package fault

import (
	"errors"
	"fmt"
)

type Kind string

const (
	// InputInvalid covers malformed requests, schema violations and
	// oversize content. Never retried.
	InputInvalid Kind = "input_invalid"

	// ConfigMissing covers absent required settings, dimension mismatches
	// and corrupt config files. Fatal at startup.
	ConfigMissing Kind = "config_missing"

	// Provider kinds for embedding/reranker HTTP failures.
	ProviderTimeout Kind = "timeout"
	Provider4xx     Kind = "provider_4xx"
	Provider5xx     Kind = "provider_5xx"
	ProviderSchema  Kind = "schema"

	// StorageTransient covers connection loss, serialization failures and
	// deadlocks. Retried up to 3 times.
	StorageTransient Kind = "storage_transient"

	// StorageFatal covers missing schema and non-transient constraint
	// violations. Not retried.
	StorageFatal Kind = "storage_fatal"

	// Cancelled marks wall-clock timeout breaches.
	Cancelled Kind = "cancelled"
)

// Error carries a kind, the originating component and the wrapped cause.
type Error struct {
	Kind      Kind
	Component string
	Message   string
	Err       error
}

func (e *Error) Error() string {
	switch {
	case e.Err != nil && e.Message != "":
		return fmt.Sprintf("%s: %s: %v", e.Component, e.Message, e.Err)
	case e.Err != nil:
		return fmt.Sprintf("%s: %v", e.Component, e.Err)
	default:
		return fmt.Sprintf("%s: %s", e.Component, e.Message)
	}
}

func (e *Error) Unwrap() error {
	return e.Err
}

// New creates an error with a kind and a message.
func New(kind Kind, component, message string) *Error {
	return &Error{Kind: kind, Component: component, Message: message}
}

// Newf creates an error with a formatted message.
func Newf(kind Kind, component, format string, args ...any) *Error {
	return &Error{Kind: kind, Component: component, Message: fmt.Sprintf(format, args...)}
}

// Wrap attaches a kind and component to an existing error.
func Wrap(kind Kind, component string, err error) *Error {
	return &Error{Kind: kind, Component: component, Err: err}
}

// Wrapf attaches a kind, component and message to an existing error.
func Wrapf(kind Kind, component string, err error, format string, args ...any) *Error {
	return &Error{Kind: kind, Component: component, Message: fmt.Sprintf(format, args...), Err: err}
}

// KindOf returns the kind of err, or "" when err carries none.
func KindOf(err error) Kind {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	return ""
}

// Is reports whether err carries the given kind.
func Is(err error, kind Kind) bool {
	return KindOf(err) == kind
}

// Retryable reports whether an operation that failed with err is worth
// retrying. Input validation and fatal storage errors are not.
func Retryable(err error) bool {
	switch KindOf(err) {
	case StorageTransient, Provider5xx, ProviderTimeout:
		return true
	default:
		return false
	}
}

// UserMessage renders err for the tool caller, truncated so internal
// detail never leaks wholesale into a protocol response.
func UserMessage(err error) string {
	const maxLen = 300
	msg := err.Error()
	if len(msg) > maxLen {
		msg = msg[:maxLen] + "..."
	}
	return msg
}
