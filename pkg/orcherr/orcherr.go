// Package orcherr defines the error taxonomy shared by every core component
// (spec.md §7): a closed Kind enum plus an Error that wraps a cause, so the
// CLI and any future HTTP boundary can map Kind to an exit code or status
// code in one place instead of string-matching error messages.
package orcherr

import (
	"errors"
	"fmt"
)

// Kind classifies why an operation failed.
type Kind string

const (
	// InvalidInput means the caller violated a precondition. Never retried.
	InvalidInput Kind = "invalid_input"
	// InvalidState means the operation is not allowed from the current FSM state.
	InvalidState Kind = "invalid_state"
	// NotFound means the referenced agent/team/session does not exist.
	NotFound Kind = "not_found"
	// CapacityExceeded means a configured concurrency or size ceiling would be breached.
	CapacityExceeded Kind = "capacity_exceeded"
	// BudgetDenied means the requested debit or spawn would exceed a hard budget.
	BudgetDenied Kind = "budget_denied"
	// Transient means an upstream/remote error classified retryable.
	Transient Kind = "transient"
	// Fatal means the error is unrecoverable; the owning subtree is marked failed.
	Fatal Kind = "fatal"
	// Internal means a core invariant was violated. Never surfaced verbatim to callers.
	Internal Kind = "internal"
	// Persistence means the Store itself failed to read or write a record.
	Persistence Kind = "persistence"
)

// Error wraps a Kind, a human message, and an optional cause.
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

// New builds an Error with no wrapped cause.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Wrap builds an Error from an existing cause.
func Wrap(kind Kind, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, Cause: cause}
}

// Is reports whether err (or anything it wraps) is an *Error of kind.
func Is(err error, kind Kind) bool {
	var oe *Error
	if errors.As(err, &oe) {
		return oe.Kind == kind
	}
	return false
}

// KindOf extracts the Kind of err, defaulting to Internal for errors that
// never passed through this package — an unclassified error is treated as
// an invariant violation, never surfaced verbatim.
func KindOf(err error) Kind {
	var oe *Error
	if errors.As(err, &oe) {
		return oe.Kind
	}
	return Internal
}

// ExitCode maps a Kind to the CLI exit codes of spec.md §6.1. Verbs that use
// a narrower subset (e.g. "team create" only ever returns 2/3/4) still route
// through this table; codes for kinds outside a given verb's table simply
// don't occur for that verb.
func ExitCode(kind Kind) int {
	switch kind {
	case InvalidInput:
		return 2
	case BudgetDenied:
		return 3
	case CapacityExceeded:
		return 4
	case NotFound:
		return 5
	case InvalidState:
		return 6
	case Transient, Fatal:
		return 7
	case Persistence:
		return 8
	default:
		return 1
	}
}
