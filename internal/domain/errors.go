package domain

import (
	"errors"
	"fmt"
)

// ErrorKind classifies failures so transports can decide between retrying,
// dead-lettering and rejecting.
type ErrorKind string

const (
	KindAuthentication ErrorKind = "authentication"
	KindValidation     ErrorKind = "validation"
	KindTransient      ErrorKind = "transient"
	KindStateConflict  ErrorKind = "state_conflict"
)

// Error wraps a cause with its kind and the operation that produced it.
type Error struct {
	Kind ErrorKind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Op == "" {
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	}
	return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

func newKinded(kind ErrorKind, op string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Op: op, Err: err}
}

// Transient marks err as retryable.
func Transient(op string, err error) error { return newKinded(KindTransient, op, err) }

// Invalid marks err as a terminal data problem.
func Invalid(op string, err error) error { return newKinded(KindValidation, op, err) }

// Conflict marks err as an illegal state change.
func Conflict(op string, err error) error { return newKinded(KindStateConflict, op, err) }

// Unauthenticated marks err as a signature/credential failure.
func Unauthenticated(op string, err error) error {
	return newKinded(KindAuthentication, op, err)
}

// KindOf reports the kind of err. Unclassified errors are reported as
// transient: an unknown failure is retried before anyone is paged.
func KindOf(err error) ErrorKind {
	var kinded *Error
	if errors.As(err, &kinded) {
		return kinded.Kind
	}
	var transition *InvalidStateTransition
	if errors.As(err, &transition) {
		return KindStateConflict
	}
	var validation *ValidationError
	if errors.As(err, &validation) {
		return KindValidation
	}
	return KindTransient
}

// IsTerminal reports whether retrying err cannot succeed.
func IsTerminal(err error) bool {
	switch KindOf(err) {
	case KindValidation, KindStateConflict, KindAuthentication:
		return true
	default:
		return false
	}
}

// ValidationError lists every field problem found on an input.
type ValidationError struct {
	Problems []FieldProblem
}

// FieldProblem is a single failed rule.
type FieldProblem struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

func (e *ValidationError) Error() string {
	if len(e.Problems) == 0 {
		return "validation failed"
	}
	if len(e.Problems) == 1 {
		return fmt.Sprintf("validation failed: %s %s", e.Problems[0].Field, e.Problems[0].Message)
	}
	return fmt.Sprintf("validation failed: %s %s (and %d more)", e.Problems[0].Field, e.Problems[0].Message, len(e.Problems)-1)
}

func (e *ValidationError) add(field, message string) {
	e.Problems = append(e.Problems, FieldProblem{Field: field, Message: message})
}

func (e *ValidationError) errOrNil() error {
	if len(e.Problems) == 0 {
		return nil
	}
	return e
}
