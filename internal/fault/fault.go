// Package fault defines the error taxonomy shared across the orchestration
// core. Errors carry a Kind that boundaries (HTTP, dispatcher, engines) use
// to decide retries and status codes without string matching.
package fault

import (
	"context"
	"errors"
	"fmt"
)

// Kind classifies an error for boundary handling
type Kind int

const (
	// KindInternal is the default for unclassified failures
	KindInternal Kind = iota
	// KindInvalid marks rejected input (bad request fields, malformed definitions)
	KindInvalid
	// KindNotFound marks lookups of ids that do not exist
	KindNotFound
	// KindDuplicate marks registration of an id that already exists
	KindDuplicate
	// KindAgentUnavailable marks task dispatch with no eligible agent
	KindAgentUnavailable
	// KindAgentBusy marks task dispatch to an agent at its concurrency cap
	KindAgentBusy
	// KindTimeout marks deadline expiry of a step, workflow or upstream call
	KindTimeout
	// KindTransport marks upstream transport failures (LLM gateway, data service, NATS)
	KindTransport
)

// String returns the canonical name of the kind
func (k Kind) String() string {
	switch k {
	case KindInvalid:
		return "invalid"
	case KindNotFound:
		return "not_found"
	case KindDuplicate:
		return "duplicate"
	case KindAgentUnavailable:
		return "agent_unavailable"
	case KindAgentBusy:
		return "agent_busy"
	case KindTimeout:
		return "timeout"
	case KindTransport:
		return "transport"
	default:
		return "internal"
	}
}

// Error is a classified error with an optional wrapped cause
type Error struct {
	Kind    Kind
	Message string
	Err     error
}

// Error implements the error interface
func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

// Unwrap returns the wrapped cause
func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches errors of the same kind, so sentinel comparisons like
// errors.Is(err, &Error{Kind: KindAgentBusy}) work across wrapping.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Kind == t.Kind
}

// New creates a classified error
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Newf creates a classified error with a formatted message
func Newf(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap classifies an existing error with additional context
func Wrap(kind Kind, message string, err error) *Error {
	return &Error{Kind: kind, Message: message, Err: err}
}

// KindOf extracts the kind from an error chain. Unclassified errors
// report KindInternal; context deadline errors report KindTimeout.
func KindOf(err error) Kind {
	if err == nil {
		return KindInternal
	}
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindTimeout
	}
	return KindInternal
}

// IsKind reports whether the error chain carries the given kind
func IsKind(err error, kind Kind) bool {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind == kind
	}
	return kind == KindTimeout && errors.Is(err, context.DeadlineExceeded)
}
