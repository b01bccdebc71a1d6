// Package vmerr defines the error taxonomy shared by every vmimage
// component: content store, registry/layout clients, image store, ext4
// writer, netlink session, and allocator all fail with one of these kinds
// so callers can branch with errors.Is/As instead of parsing messages.
package vmerr

import (
	"errors"
	"fmt"
)

// Kind classifies why an operation failed.
type Kind int

const (
	// KindUnknown is the zero value; never returned deliberately.
	KindUnknown Kind = iota

	// KindInvalidArgument indicates a malformed reference, digest, CIDR,
	// or platform supplied by the caller.
	KindInvalidArgument

	// KindNotFound indicates a reference or content blob is absent.
	KindNotFound

	// KindExists indicates content that is already present; in push paths
	// this is treated as success-equivalent once progress is accounted for.
	KindExists

	// KindInvalidState indicates an operation called on a session or
	// component in an incompatible state.
	KindInvalidState

	// KindUnsupported indicates a media/artifact type this library does
	// not handle (ORAS artifacts, signatures, unknown platform variants).
	KindUnsupported

	// KindCancelled indicates cooperative cancellation.
	KindCancelled

	// KindTimeout indicates a deadline expired.
	KindTimeout

	// KindInternal covers everything else: filesystem errors, digest
	// mismatches, unparseable responses.
	KindInternal

	// KindInterrupted indicates a signalled interruption of a blocking call.
	KindInterrupted
)

func (k Kind) String() string {
	switch k {
	case KindInvalidArgument:
		return "invalid-argument"
	case KindNotFound:
		return "not-found"
	case KindExists:
		return "exists"
	case KindInvalidState:
		return "invalid-state"
	case KindUnsupported:
		return "unsupported"
	case KindCancelled:
		return "cancelled"
	case KindTimeout:
		return "timeout"
	case KindInternal:
		return "internal-error"
	case KindInterrupted:
		return "interrupted"
	default:
		return "unknown"
	}
}

// Error is the concrete error type returned by vmimage packages. It wraps
// an optional cause and always carries a Kind.
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

// New creates a Kind-tagged error with no cause.
func New(kind Kind, message string) error {
	return &Error{Kind: kind, Message: message}
}

// Newf creates a Kind-tagged error with a formatted message.
func Newf(kind Kind, format string, args ...any) error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap attaches a Kind and message to an existing cause. The returned
// error always carries kind, even when cause is itself a *Error; Is and
// KindOf then report kind, not the cause's Kind.
func Wrap(kind Kind, cause error, message string) error {
	if cause == nil {
		return New(kind, message)
	}
	return &Error{Kind: kind, Message: message, Cause: cause}
}

// Wrapf is Wrap with a formatted message.
func Wrapf(kind Kind, cause error, format string, args ...any) error {
	return Wrap(kind, cause, fmt.Sprintf(format, args...))
}

// Is reports whether the outermost *Error in err's chain carries the given
// Kind; Kinds of *Errors wrapped beneath it are not consulted.
func Is(err error, kind Kind) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind == kind
	}
	return false
}

// KindOf returns the Kind carried by err, or KindUnknown if err does not
// wrap a *Error.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}
