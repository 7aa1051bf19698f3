// Package errs defines the error taxonomy surfaced by the Almanac core.
//
// Internal causes are always wrapped before crossing a component boundary;
// callers branch on Kind via errors.As, never on the wrapped cause. No
// "other"/catch-all variant is part of the external contract - an unmapped
// cause becomes Invariant or Storage at the surface, per spec.md.
package errs

import (
	"errors"
	"fmt"
)

// Kind classifies an Error for callers that need to branch on it without
// inspecting message text.
type Kind string

const (
	// Transient covers RPC timeouts and connection drops. Retried locally;
	// never surfaced unless the retry budget is exhausted.
	Transient Kind = "transient"

	// Parse covers a malformed block/log/event. Non-fatal per item.
	Parse Kind = "parse"

	// Storage covers a backend-side failure.
	Storage Kind = "storage"

	// Invariant covers a condition the core treats as fatal, e.g. two
	// canonical blocks at the same height.
	Invariant Kind = "invariant"

	// NotFound covers a missing event, block, or relation.
	NotFound Kind = "not_found"

	// InvalidArgument covers a malformed caller request (e.g. from > to).
	InvalidArgument Kind = "invalid_argument"

	// InvalidProof covers a causality proof that failed verification.
	InvalidProof Kind = "invalid_proof"

	// Unavailable covers a stalled chain whose data may be lagging.
	Unavailable Kind = "unavailable"
)

// Error is the concrete error type returned across package boundaries.
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

func (e *Error) Unwrap() error {
	return e.Cause
}

// New constructs an Error of the given kind wrapping cause, which may be nil.
func New(kind Kind, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, Cause: cause}
}

// Is reports whether err is an *Error of the given kind.
func Is(err error, kind Kind) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind == kind
	}
	return false
}

// KindOf extracts the Kind of err, defaulting to Invariant for any error
// that did not originate from this package - an unmapped internal cause is
// never silently treated as benign.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return Invariant
}
