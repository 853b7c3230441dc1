// Package mberrors implements the error taxonomy shared by every mediabunny
// component: a small, closed set of Kinds that callers can branch on with
// errors.Is, instead of string-matching messages.
package mberrors

import (
	"errors"
	"fmt"
)

// Kind categorizes a failure. Kinds are sentinel errors: compare with
// errors.Is(err, mberrors.Malformed), never by string.
type Kind struct {
	name string
}

func (k Kind) Error() string { return k.name }

var (
	// Unsupported: container brand / codec / feature recognized but not implemented.
	Unsupported = Kind{"unsupported"}
	// Malformed: structural violation (oversized box, truncated trun, PTS before last key).
	Malformed = Kind{"malformed"}
	// NotReady: operation invoked in the wrong state (add packet before start, start twice).
	NotReady = Kind{"not ready"}
	// ReadFailed: Source I/O failure.
	ReadFailed = Kind{"read failed"}
	// WriteFailed: Target I/O failure.
	WriteFailed = Kind{"write failed"}
	// DecodeFailed: raised by the decoder collaborator.
	DecodeFailed = Kind{"decode failed"}
	// EncodeFailed: raised by the encoder collaborator.
	EncodeFailed = Kind{"encode failed"}
	// Cancelled: an iterator or conversion was cancelled.
	Cancelled = Kind{"cancelled"}
	// Internal: an assertion was violated (a bug).
	Internal = Kind{"internal"}
)

// Error is the concrete error type returned across every package boundary.
type Error struct {
	Kind    Kind
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

// Is reports whether target is this error's Kind, so errors.Is(err, mberrors.Malformed) works.
func (e *Error) Is(target error) bool {
	k, ok := target.(Kind)
	return ok && e.Kind == k
}

// New creates an Error of the given kind with a formatted message.
func New(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap creates an Error of the given kind wrapping cause, with a formatted message.
func Wrap(kind Kind, cause error, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), Cause: cause}
}

// Of reports the Kind of err, or the zero Kind if err is not (or does not wrap) an *Error.
func Of(err error) (Kind, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind, true
	}
	return Kind{}, false
}

// Is is a convenience wrapper around errors.Is for the common case of
// checking a single kind.
func Is(err error, kind Kind) bool {
	return errors.Is(err, kind)
}
