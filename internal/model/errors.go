package model

import (
	"errors"
	"fmt"
)

// ErrorKind categorizes engine errors.
type ErrorKind string

const (
	// ErrOptimisticLock indicates a conditional write matched no row
	// because another transaction changed or removed the record first.
	ErrOptimisticLock ErrorKind = "OPTIMISTIC_LOCK"

	// ErrDeadlock indicates the backend aborted the transaction to resolve
	// lock contention.
	ErrDeadlock ErrorKind = "DEADLOCK"

	// ErrConstraintViolation indicates a uniqueness or foreign key failure.
	ErrConstraintViolation ErrorKind = "CONSTRAINT_VIOLATION"

	// ErrValidation indicates invalid caller input.
	ErrValidation ErrorKind = "VALIDATION"

	// ErrConflict indicates a deployment collides with another bundle.
	ErrConflict ErrorKind = "CONFLICT"

	// ErrFallback is any other persistence failure.
	ErrFallback ErrorKind = "FALLBACK"
)

// Error is the structured error returned by the persistence layer and the
// services built on it.
type Error struct {
	Kind ErrorKind

	// Op names the failed operation (e.g. "update", "deploy").
	Op string

	// Entity and ID identify the affected record, when there is one.
	Entity Kind
	ID     string

	// Message is a human-readable description.
	Message string

	// Err is the underlying cause.
	Err error
}

// Error implements the error interface.
func (e *Error) Error() string {
	msg := e.Message
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	}
	switch {
	case e.Entity != "" && e.ID != "":
		return fmt.Sprintf("%s: %s %s %s: %s", e.Kind, e.Op, e.Entity, e.ID, msg)
	case e.Op != "":
		return fmt.Sprintf("%s: %s: %s", e.Kind, e.Op, msg)
	}
	return fmt.Sprintf("%s: %s", e.Kind, msg)
}

func (e *Error) Unwrap() error { return e.Err }

// KindOf returns the kind of the first *Error in err's chain, or "" if
// there is none.
func KindOf(err error) ErrorKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// IsOptimisticLock reports whether err is an optimistic-lock conflict.
func IsOptimisticLock(err error) bool { return KindOf(err) == ErrOptimisticLock }

// IsDeadlock reports whether err is a backend deadlock.
func IsDeadlock(err error) bool { return KindOf(err) == ErrDeadlock }

// IsRetryable reports whether re-running the whole command may succeed.
func IsRetryable(err error) bool {
	k := KindOf(err)
	return k == ErrOptimisticLock || k == ErrDeadlock
}

// NewOptimisticLockError reports a conditional write that matched no row.
func NewOptimisticLockError(op string, e Entity) *Error {
	return &Error{
		Kind:    ErrOptimisticLock,
		Op:      op,
		Entity:  e.Kind(),
		ID:      e.EntityID(),
		Message: fmt.Sprintf("revision %d is stale", e.Revision()),
	}
}

// NewValidationError reports invalid caller input.
func NewValidationError(op, format string, args ...any) *Error {
	return &Error{Kind: ErrValidation, Op: op, Message: fmt.Sprintf(format, args...)}
}

// NewConflictError reports a deployment conflict on a definition key.
func NewConflictError(op, key, format string, args ...any) *Error {
	return &Error{Kind: ErrConflict, Op: op, Entity: KindDefinition, ID: key, Message: fmt.Sprintf(format, args...)}
}
