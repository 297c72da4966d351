// Package faults defines the error taxonomy surfaced at component boundaries.
package faults

import (
	"errors"
	"fmt"
)

// Category classifies an error for callers deciding how to react.
type Category string

const (
	// NotFound - task/workflow/instance/job missing.
	NotFound Category = "not_found"
	// PreconditionFailed - status machine violation.
	PreconditionFailed Category = "precondition_failed"
	// LockContention - could not acquire a lock within budget; retryable.
	LockContention Category = "lock_contention"
	// BackendFailure - LLM adapter returned process/timeout/cancelled.
	BackendFailure Category = "backend_failure"
	// Corrupt - a persisted document could not be parsed.
	Corrupt Category = "corrupt"
	// Internal - unexpected invariant violation.
	Internal Category = "internal"
)

// Error is a categorized error carrying a human-readable reason.
type Error struct {
	Category Category
	Message  string
	Err      error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Category, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Category, e.Message)
}

// Unwrap exposes the wrapped cause for errors.Is/As.
func (e *Error) Unwrap() error { return e.Err }

// New creates a categorized error.
func New(cat Category, format string, args ...any) *Error {
	return &Error{Category: cat, Message: fmt.Sprintf(format, args...)}
}

// Wrap creates a categorized error wrapping a cause.
func Wrap(cat Category, err error, format string, args ...any) *Error {
	return &Error{Category: cat, Message: fmt.Sprintf(format, args...), Err: err}
}

// CategoryOf returns the category of err, or Internal for uncategorized errors.
func CategoryOf(err error) Category {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Category
	}
	return Internal
}

// Is reports whether err carries the given category.
func Is(err error, cat Category) bool {
	var fe *Error
	return errors.As(err, &fe) && fe.Category == cat
}

// Retryable reports whether a caller may reasonably retry the operation.
func Retryable(err error) bool {
	switch CategoryOf(err) {
	case LockContention, BackendFailure:
		return true
	default:
		return false
	}
}
