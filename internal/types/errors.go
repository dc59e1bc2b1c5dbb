package types

import (
	"errors"
	"fmt"
)

// Kind classifies a sync failure for retry policy and operator triage.
type Kind string

const (
	// KindSourceUnavailable is a connectivity or transient failure on the
	// source database. Retryable.
	KindSourceUnavailable Kind = "source_unavailable"
	// KindPersistence is a connectivity, storage or locking failure on the
	// destination database. Retryable.
	KindPersistence Kind = "persistence"
	// KindSchemaMismatch means an expected table or column is missing.
	// Fatal until an operator fixes the schema.
	KindSchemaMismatch Kind = "schema_mismatch"
	// KindConstraintViolation means a row broke a destination constraint.
	// Fatal until the offending data is fixed.
	KindConstraintViolation Kind = "constraint_violation"
)

// SyncError ties a failure to the table and operation it happened in.
type SyncError struct {
	Kind  Kind
	Table string
	Op    string
	Err   error
}

func (e *SyncError) Error() string {
	if e.Table == "" {
		return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
	}
	return fmt.Sprintf("%s %s: %s: %v", e.Op, e.Table, e.Kind, e.Err)
}

func (e *SyncError) Unwrap() error { return e.Err }

// KindOf returns the classification of err, or the empty kind when err
// does not carry one.
func KindOf(err error) Kind {
	var se *SyncError
	if errors.As(err, &se) {
		return se.Kind
	}
	return ""
}

// Retryable reports whether err is worth retrying. Schema and constraint
// failures need human intervention, so retrying them only delays the run.
func Retryable(err error) bool {
	switch KindOf(err) {
	case KindSourceUnavailable, KindPersistence:
		return true
	default:
		return false
	}
}
