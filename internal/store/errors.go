package store

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound means no current or as-of row exists for the requested id.
	ErrNotFound = errors.New("not found")

	// ErrConflict means a conditional write lost a race: the row it expected
	// to supersede is no longer the current one.
	ErrConflict = errors.New("conflict: current version changed")
)

// ValidationError rejects malformed input at the boundary. Nothing is persisted.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

func invalid(field, format string, args ...any) error {
	return &ValidationError{Field: field, Reason: fmt.Sprintf(format, args...)}
}

// InvariantViolation reports more than one current row for a logical id.
// It is never recoverable by the caller.
type InvariantViolation struct {
	Table   string
	ID      string
	Current int
}

func (e *InvariantViolation) Error() string {
	return fmt.Sprintf("invariant violation: %s %q has %d current rows", e.Table, e.ID, e.Current)
}

// IsValidation reports whether err is (or wraps) a ValidationError.
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

// IsInvariant reports whether err is (or wraps) an InvariantViolation.
func IsInvariant(err error) bool {
	var iv *InvariantViolation
	return errors.As(err, &iv)
}
