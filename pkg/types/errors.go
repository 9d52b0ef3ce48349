package types

import (
	"errors"
	"fmt"
)

// Kind classifies an error by caller-visible behaviour rather than by the
// package that produced it. Kinds are stable: API layers map them to status
// codes and retry policies key off them.
type Kind string

const (
	KindValidation          Kind = "validation_error"
	KindAuthorisation       Kind = "authorisation_error"
	KindAlreadyRunning      Kind = "already_running"
	KindRetryLimitExceeded  Kind = "retry_limit_exceeded"
	KindTransport           Kind = "transport_error"
	KindBrokerReject        Kind = "broker_reject"
	KindComplianceViolation Kind = "compliance_violation"
	KindStrategy            Kind = "strategy_error"
	KindNotFound            Kind = "not_found"
	KindInternal            Kind = "internal_error"
)

// Error is the structured error returned by every failing operation.
// Suggestion, when set, tells an API caller how to proceed (e.g. use
// restart vs resume on a STOPPED task).
type Error struct {
	Kind       Kind
	Message    string
	Suggestion string
	Err        error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// E builds a structured error.
func E(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap attaches a kind to an underlying error.
func Wrap(kind Kind, err error, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), Err: err}
}

// WithSuggestion returns a copy carrying a caller-facing suggestion.
func (e *Error) WithSuggestion(s string) *Error {
	dup := *e
	dup.Suggestion = s
	return &dup
}

// KindOf extracts the Kind from an error chain, defaulting to internal.
func KindOf(err error) Kind {
	var te *Error
	if errors.As(err, &te) {
		return te.Kind
	}
	return KindInternal
}

// IsKind reports whether err carries the given kind.
func IsKind(err error, kind Kind) bool { return KindOf(err) == kind }
