// SPDX-License-Identifier: Apache-2.0
// SPDX-FileCopyrightText: Copyright The LanceDB Authors

package contracts

import (
	"errors"
	"fmt"
)

// Error kinds. Every error returned by the engine that is not a plain
// closed-handle error wraps exactly one of these, so callers can branch with
// errors.Is or the Is*Error helpers below.
var (
	// ErrValidation reports a request that cannot be resolved against the
	// table: unknown columns, malformed filters, dimension mismatches.
	ErrValidation = errors.New("validation error")

	// ErrConflict reports a commit that lost the race for the next version.
	// The caller should re-read the latest version and retry.
	ErrConflict = errors.New("commit conflict")

	// ErrStaleSnapshot reports a read against a version that maintenance
	// has already pruned.
	ErrStaleSnapshot = errors.New("stale snapshot")

	// ErrIndexUnavailable reports a fast search with no covering index.
	ErrIndexUnavailable = errors.New("index unavailable")

	// ErrNotFound reports a missing table, version, index or object.
	ErrNotFound = errors.New("not found")

	// ErrAlreadyExists reports a create that collides with an existing
	// table or index.
	ErrAlreadyExists = errors.New("already exists")

	// ErrIO reports a storage failure.
	ErrIO = errors.New("io error")
)

// Error is the structured error carried through the engine.
type Error struct {
	Kind    error
	Op      string
	Message string
	Err     error
}

func (e *Error) Error() string {
	msg := e.Message
	if msg == "" {
		msg = e.Kind.Error()
	}
	if e.Op != "" {
		msg = e.Op + ": " + msg
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Unwrap exposes both the kind and the cause to errors.Is / errors.As.
func (e *Error) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

func newError(kind error, op, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Op: op, Message: fmt.Sprintf(format, args...)}
}

// NewValidationError builds an ErrValidation error.
func NewValidationError(op, format string, args ...interface{}) error {
	return newError(ErrValidation, op, format, args...)
}

// NewConflictError builds an ErrConflict error.
func NewConflictError(op, format string, args ...interface{}) error {
	return newError(ErrConflict, op, format, args...)
}

// NewStaleSnapshotError builds an ErrStaleSnapshot error.
func NewStaleSnapshotError(op string, version uint64) error {
	return newError(ErrStaleSnapshot, op, "version %d has been cleaned up", version)
}

// NewIndexUnavailableError builds an ErrIndexUnavailable error.
func NewIndexUnavailableError(op, format string, args ...interface{}) error {
	return newError(ErrIndexUnavailable, op, format, args...)
}

// NewNotFoundError builds an ErrNotFound error.
func NewNotFoundError(op, format string, args ...interface{}) error {
	return newError(ErrNotFound, op, format, args...)
}

// NewAlreadyExistsError builds an ErrAlreadyExists error.
func NewAlreadyExistsError(op, format string, args ...interface{}) error {
	return newError(ErrAlreadyExists, op, format, args...)
}

// WrapIOError wraps a storage failure. Errors that already carry a kind are
// returned unchanged.
func WrapIOError(op string, err error) error {
	if err == nil {
		return nil
	}
	var e *Error
	if errors.As(err, &e) {
		return err
	}
	return &Error{Kind: ErrIO, Op: op, Err: err}
}

// ErrDimensionMismatch is returned when a query vector does not match the
// dimension of the target column.
type ErrDimensionMismatch struct {
	Column   string
	Expected int
	Actual   int
}

func (e *ErrDimensionMismatch) Error() string {
	return fmt.Sprintf("dimension mismatch for column %q: expected %d, got %d", e.Column, e.Expected, e.Actual)
}

// Unwrap classifies the mismatch as a validation error.
func (e *ErrDimensionMismatch) Unwrap() error {
	return ErrValidation
}

// IsValidationError reports whether err is a validation error.
func IsValidationError(err error) bool { return errors.Is(err, ErrValidation) }

// IsConflictError reports whether err is a commit conflict.
func IsConflictError(err error) bool { return errors.Is(err, ErrConflict) }

// IsStaleSnapshotError reports whether err refers to a pruned version.
func IsStaleSnapshotError(err error) bool { return errors.Is(err, ErrStaleSnapshot) }

// IsIndexUnavailableError reports whether err is an index-unavailable error.
func IsIndexUnavailableError(err error) bool { return errors.Is(err, ErrIndexUnavailable) }

// IsNotFoundError reports whether err is a not-found error.
func IsNotFoundError(err error) bool { return errors.Is(err, ErrNotFound) }

// IsAlreadyExistsError reports whether err is an already-exists error.
func IsAlreadyExistsError(err error) bool { return errors.Is(err, ErrAlreadyExists) }

// IsIOError reports whether err is a storage error.
func IsIOError(err error) bool { return errors.Is(err, ErrIO) }
