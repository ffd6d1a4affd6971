// Package generr defines the error taxonomy for generation calls. Errors are
// classified exactly once, at the provider adapter boundary, and the kind is
// passed up verbatim; only the orchestrator is allowed to retry, and only
// retryable kinds.
package generr

import (
	"errors"
	"fmt"
)

// Kind classifies a generation failure.
type Kind string

const (
	// KindDisabled means the feature flag gate rejected the call. Never
	// retried; surfaced to callers as "temporarily unavailable".
	KindDisabled Kind = "disabled"

	// KindRateLimited means the provider asked us to back off. Retryable.
	KindRateLimited Kind = "rate_limited"

	// KindServiceUnavailable means a transient provider-side failure. Retryable.
	KindServiceUnavailable Kind = "service_unavailable"

	// KindInvalidInput means a malformed prompt or image. Never retried.
	KindInvalidInput Kind = "invalid_input"

	// KindTimeout means a polling ceiling or per-item deadline was exceeded.
	// Not retried further by the layer that raised it.
	KindTimeout Kind = "timeout"

	// KindUnknown covers everything else. Not retried; the raw message is
	// kept for diagnostics only and never shown to end users.
	KindUnknown Kind = "unknown"
)

// Error carries a classified generation failure.
type Error struct {
	Kind Kind
	Op   string // "pkg: operation" in the style of the rest of the codebase
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Op, e.Kind)
	}
	return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// New creates a classified error with a message.
func New(kind Kind, op, msg string) *Error {
	return &Error{Kind: kind, Op: op, Err: errors.New(msg)}
}

// Wrap classifies an underlying error.
func Wrap(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// KindOf extracts the classification from an error chain. Unwrapped errors
// report KindUnknown.
func KindOf(err error) Kind {
	var ge *Error
	if errors.As(err, &ge) {
		return ge.Kind
	}
	return KindUnknown
}

// Retryable reports whether the orchestrator's bounded retry policy applies.
func Retryable(err error) bool {
	switch KindOf(err) {
	case KindRateLimited, KindServiceUnavailable:
		return true
	default:
		return false
	}
}

// FromHTTPStatus maps a provider HTTP status to a failure kind.
func FromHTTPStatus(status int) Kind {
	switch {
	case status == 429:
		return KindRateLimited
	case status == 408 || status == 504:
		return KindTimeout
	case status >= 500:
		return KindServiceUnavailable
	case status == 400 || status == 413 || status == 415 || status == 422:
		return KindInvalidInput
	default:
		return KindUnknown
	}
}
