// Package apierr defines the structural error kinds surfaced by the IAM core,
// grounded on the teacher's internal/repositories sentinel-error pattern but
// extended with the richer kind set the specification requires: NotFound,
// ConstraintViolation, StateConflict, and InvalidInput. Authentication and
// token-validation outcomes deliberately do NOT use this package — they flow
// through their own result/validation objects instead of errors.
package apierr

import (
	"errors"
	"fmt"
)

// Kind classifies a structural/integrity error.
type Kind string

const (
	// NotFound is returned when a lookup by id finds nothing.
	NotFound Kind = "not_found"
	// ConstraintViolation is returned when a role constraint or SoD rule
	// rejects an operation.
	ConstraintViolation Kind = "constraint_violation"
	// StateConflict is returned when an entity is asked to transition from
	// an illegal state.
	StateConflict Kind = "state_conflict"
	// InvalidInput is returned for malformed or missing required input.
	InvalidInput Kind = "invalid_input"
)

// Error is the structured error type returned by the core's CRUD and
// state-machine operations.
type Error struct {
	Kind      Kind
	Message   string
	Entity    string
	Constraint string
	wrapped   error
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Constraint != "" {
		return fmt.Sprintf("%s: %s (%s: %s)", e.Kind, e.Message, e.Entity, e.Constraint)
	}
	if e.Entity != "" {
		return fmt.Sprintf("%s: %s (%s)", e.Kind, e.Message, e.Entity)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Unwrap exposes the wrapped error, if any, for errors.Is/errors.As chains.
func (e *Error) Unwrap() error { return e.wrapped }

// New constructs an Error of the given kind for the named entity.
func New(k Kind, entity, message string) *Error {
	return &Error{Kind: k, Entity: entity, Message: message}
}

// Violates constructs a ConstraintViolation naming the violated constraint,
// e.g. "mutual-exclusion", "prerequisite", "cardinality", "temporal".
func Violates(entity, constraint, message string) *Error {
	return &Error{Kind: ConstraintViolation, Entity: entity, Constraint: constraint, Message: message}
}

// Wrap attaches an underlying error for errors.Unwrap/errors.As consumers.
func (e *Error) Wrap(err error) *Error {
	e.wrapped = err
	return e
}

// Is reports whether err carries the given Kind.
func Is(err error, k Kind) bool {
	var ae *Error
	if errors.As(err, &ae) {
		return ae.Kind == k
	}
	return false
}
