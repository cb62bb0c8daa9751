package participant

import (
	"context"
	"errors"
	"fmt"
)

// ErrorKind buckets participant failures for the coordinator.
type ErrorKind string

const (
	// KindTransient covers network faults and server 5xx; retried by the adapter.
	KindTransient ErrorKind = "transient"
	// KindBusiness covers domain precondition failures (insufficient stock,
	// payment declined); never retried.
	KindBusiness ErrorKind = "business"
	// KindUnavailable covers breaker-open and bulkhead-full fast failures.
	KindUnavailable ErrorKind = "unavailable"
	// KindTimeout covers per-attempt deadline expiry.
	KindTimeout ErrorKind = "timeout"
	// KindCanceled covers caller cancellation.
	KindCanceled ErrorKind = "canceled"
	// KindFatalInternal covers invariant violations; never retried.
	KindFatalInternal ErrorKind = "fatal_internal"
)

// String returns the string representation of ErrorKind
func (k ErrorKind) String() string {
	return string(k)
}

// Error is a classified participant failure.
type Error struct {
	Kind    ErrorKind
	Code    string // participant-defined, e.g. INSUFFICIENT_STOCK
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("%s (%s): %s", e.Kind, e.Code, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// NewError creates a classified participant error
func NewError(kind ErrorKind, code, message string) *Error {
	return &Error{Kind: kind, Code: code, Message: message}
}

// BusinessError creates a BUSINESS error with the given code
func BusinessError(code, message string) *Error {
	return &Error{Kind: KindBusiness, Code: code, Message: message}
}

// TransientError wraps a cause as TRANSIENT
func TransientError(cause error) *Error {
	return &Error{Kind: KindTransient, Message: cause.Error(), Cause: cause}
}

// Classify maps an arbitrary error to a participant Error. Classified errors
// pass through unchanged; context errors map to timeout/canceled; everything
// else is assumed transient.
func Classify(err error) *Error {
	if err == nil {
		return nil
	}

	var pe *Error
	if errors.As(err, &pe) {
		return pe
	}

	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return &Error{Kind: KindTimeout, Message: err.Error(), Cause: err}
	case errors.Is(err, context.Canceled):
		return &Error{Kind: KindCanceled, Message: err.Error(), Cause: err}
	case errors.Is(err, ErrBreakerOpen), errors.Is(err, ErrBulkheadFull):
		return &Error{Kind: KindUnavailable, Message: err.Error(), Cause: err}
	default:
		return &Error{Kind: KindTransient, Message: err.Error(), Cause: err}
	}
}

// KindOf returns the error kind of err, or KindTransient for unclassified errors.
func KindOf(err error) ErrorKind {
	if err == nil {
		return ""
	}
	return Classify(err).Kind
}
