// Package ostreeerr defines the error taxonomy shared by every engine
// package: a closed set of kinds (not types) that callers can test for
// with Is, plus path/ref context carried alongside the wrapped cause.
package ostreeerr

import (
	"errors"
	"fmt"
)

// Kind is one of the closed taxonomy values from the design notes.
// It is never extended at runtime; treat it like a tagged enum.
type Kind int

const (
	// KindNotFound covers a missing file, ref, or object.
	KindNotFound Kind = iota
	// KindInvalid covers a parse or validation failure.
	KindInvalid
	// KindWrongState covers an apply-state-machine rejection.
	KindWrongState
	// KindCancelled covers a caller-observed cancellation.
	KindCancelled
	// KindIO wraps an OS errno with path context.
	KindIO
	// KindTransaction covers a repo ref-update failure.
	KindTransaction
	// KindPrune covers a prune aborted mid-way.
	KindPrune
	// KindAssert covers a fatal invariant violation; callers should not
	// attempt to recover from this kind.
	KindAssert
)

func (k Kind) String() string {
	switch k {
	case KindNotFound:
		return "NotFound"
	case KindInvalid:
		return "Invalid"
	case KindWrongState:
		return "WrongState"
	case KindCancelled:
		return "Cancelled"
	case KindIO:
		return "IO"
	case KindTransaction:
		return "Transaction"
	case KindPrune:
		return "Prune"
	case KindAssert:
		return "Assert"
	default:
		return "Unknown"
	}
}

// Error is the concrete error value carrying a Kind, context, and cause.
type Error struct {
	Kind    Kind
	Context string // e.g. a path or ref name
	Cause   error
}

func (e *Error) Error() string {
	if e.Context == "" {
		return fmt.Sprintf("%s: %v", e.Kind, e.Cause)
	}
	return fmt.Sprintf("%s (%s): %v", e.Kind, e.Context, e.Cause)
}

func (e *Error) Unwrap() error { return e.Cause }

// New constructs an Error of the given kind.
func New(kind Kind, context string, cause error) *Error {
	return &Error{Kind: kind, Context: context, Cause: cause}
}

// Is reports whether err carries the given Kind anywhere in its chain.
func Is(err error, kind Kind) bool {
	for err != nil {
		var e *Error
		if !errors.As(err, &e) {
			return false
		}
		if e.Kind == kind {
			return true
		}
		err = e.Cause
	}
	return false
}

// KindOf extracts the Kind from err, returning ok=false if err does not
// wrap an *Error.
func KindOf(err error) (Kind, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind, true
	}
	return 0, false
}
