// Package dserr defines the error taxonomy shared across the sync pipeline.
// Every error that crosses a component boundary carries a Kind so callers can
// decide between retry, quarantine, and abort without string matching.
package dserr

import (
	"errors"
	"fmt"
)

// Kind classifies an error for retry and routing decisions.
type Kind string

const (
	KindConnection     Kind = "connection"
	KindValidation     Kind = "validation"
	KindConstraint     Kind = "constraint"
	KindSchemaConflict Kind = "schema_conflict"
	KindMigration      Kind = "migration"
	KindFatalConfig    Kind = "fatal_config"
	KindUnknown        Kind = "unknown"
)

// Error is a classified error. Wrapping preserves the kind through
// errors.As, so fmt.Errorf("...: %w", err) chains keep their classification.
type Error struct {
	Kind Kind
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Msg, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Msg)
}

func (e *Error) Unwrap() error {
	return e.Err
}

func newError(kind Kind, err error, format string, args ...any) *Error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...), Err: err}
}

// Connection marks a transport or network failure. Retryable with backoff.
func Connection(err error, format string, args ...any) *Error {
	return newError(KindConnection, err, format, args...)
}

// Validation marks a record that failed a pre-write check. Record-level,
// the batch continues.
func Validation(err error, format string, args ...any) *Error {
	return newError(KindValidation, err, format, args...)
}

// Constraint marks a destination constraint violation. Record-level,
// the batch continues.
func Constraint(err error, format string, args ...any) *Error {
	return newError(KindConstraint, err, format, args...)
}

// SchemaConflict marks a structural mismatch that the evolution loop must
// resolve. Escalated, never retried at the batch level.
func SchemaConflict(err error, format string, args ...any) *Error {
	return newError(KindSchemaConflict, err, format, args...)
}

// Migration marks a DDL application failure after rollback.
func Migration(err error, format string, args ...any) *Error {
	return newError(KindMigration, err, format, args...)
}

// FatalConfig marks a configuration problem that stops the affected
// processor without retry.
func FatalConfig(err error, format string, args ...any) *Error {
	return newError(KindFatalConfig, err, format, args...)
}

// KindOf extracts the classification from an error chain.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

// Transient reports whether the error is worth retrying with backoff.
// Only connection failures qualify; record-level and migration errors are
// deterministic, and config errors are fatal.
func Transient(err error) bool {
	return KindOf(err) == KindConnection
}

// RecordLevel reports whether the error affects a single record rather
// than the whole batch attempt.
func RecordLevel(err error) bool {
	switch KindOf(err) {
	case KindValidation, KindConstraint:
		return true
	}
	return false
}
