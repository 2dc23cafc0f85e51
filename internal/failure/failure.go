// Package failure defines the error taxonomy shared by the runtime core.
//
// Every failure that terminates a work item is classified by Kind so that the
// caller of Poll can decide whether to retry (Timeout, SourceFailure) or abort
// (ResourceExhausted, Cancelled). A cache miss is not a failure and has no Kind
// here; see cache.Outcome.
package failure

import (
	"context"
	"errors"
	"fmt"
)

// Kind categorizes failures.
type Kind string

const (
	// KindResourceExhausted indicates a space or file-handle ceiling was reached
	// and no blocking policy could satisfy the request.
	KindResourceExhausted Kind = "RESOURCE_EXHAUSTED"

	// KindIOFailure indicates a secondary-storage read or write error.
	KindIOFailure Kind = "IO_FAILURE"

	// KindTimeout indicates the query exceeded its timeout or a source did not respond.
	KindTimeout Kind = "TIMEOUT"

	// KindCancelled indicates an explicit client cancel or unit withdrawal.
	KindCancelled Kind = "CANCELLED"

	// KindSourceFailure indicates a connector-reported error, passed through.
	KindSourceFailure Kind = "SOURCE_FAILURE"

	// KindUnknown is returned by KindOf for errors outside the taxonomy.
	KindUnknown Kind = "UNKNOWN"
)

// Error is a classified failure.
type Error struct {
	// Kind is the taxonomy category.
	Kind Kind

	// Op names the operation that failed (e.g. "buffer.reserve").
	Op string

	// Message is a human-readable description.
	Message string

	// Err is the underlying cause, if any.
	Err error
}

// Error implements the error interface.
func (e *Error) Error() string {
	switch {
	case e.Op != "" && e.Err != nil:
		return fmt.Sprintf("%s: %s: %s: %v", e.Kind, e.Op, e.Message, e.Err)
	case e.Op != "":
		return fmt.Sprintf("%s: %s: %s", e.Kind, e.Op, e.Message)
	case e.Err != nil:
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	default:
		return fmt.Sprintf("%s: %s", e.Kind, e.Message)
	}
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error {
	return e.Err
}

// New creates a classified failure without a cause.
func New(kind Kind, op, message string) *Error {
	return &Error{Kind: kind, Op: op, Message: message}
}

// Wrap classifies an existing error. Returns nil if err is nil.
func Wrap(kind Kind, op string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Op: op, Message: "operation failed", Err: err}
}

// ResourceExhausted creates a KindResourceExhausted failure.
func ResourceExhausted(op, format string, args ...any) *Error {
	return New(KindResourceExhausted, op, fmt.Sprintf(format, args...))
}

// IOFailure wraps a secondary-storage error.
func IOFailure(op string, err error) error {
	return Wrap(KindIOFailure, op, err)
}

// SourceFailure wraps a connector error.
func SourceFailure(op string, err error) error {
	return Wrap(KindSourceFailure, op, err)
}

// Timeout creates a KindTimeout failure.
func Timeout(op, format string, args ...any) *Error {
	return New(KindTimeout, op, fmt.Sprintf(format, args...))
}

// Cancelled creates a KindCancelled failure.
func Cancelled(op, format string, args ...any) *Error {
	return New(KindCancelled, op, fmt.Sprintf(format, args...))
}

// KindOf returns the taxonomy category of err.
// Context errors are mapped onto the taxonomy: deadline exceeded is a Timeout
// and cancellation is Cancelled.
// Uses errors.As to handle wrapped errors.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindTimeout
	}
	if errors.Is(err, context.Canceled) {
		return KindCancelled
	}
	return KindUnknown
}

// Is reports whether err is classified as kind.
func Is(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}

// IsResourceExhausted returns true if err is a KindResourceExhausted failure.
func IsResourceExhausted(err error) bool { return Is(err, KindResourceExhausted) }

// IsIOFailure returns true if err is a KindIOFailure failure.
func IsIOFailure(err error) bool { return Is(err, KindIOFailure) }

// IsTimeout returns true if err is a KindTimeout failure.
func IsTimeout(err error) bool { return Is(err, KindTimeout) }

// IsCancelled returns true if err is a KindCancelled failure.
func IsCancelled(err error) bool { return Is(err, KindCancelled) }

// IsSourceFailure returns true if err is a KindSourceFailure failure.
func IsSourceFailure(err error) bool { return Is(err, KindSourceFailure) }

// Retryable reports whether a caller may reasonably resubmit after err.
// Timeouts and source failures are transient; everything else is an abort.
func Retryable(err error) bool {
	switch KindOf(err) {
	case KindTimeout, KindSourceFailure:
		return true
	default:
		return false
	}
}
