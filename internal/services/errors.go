package services

import (
	"errors"
	"fmt"

	"automarket/engine/internal/db"
	"automarket/engine/internal/models"
)

// The engine's error taxonomy. All four kinds are rejected before any
// partial effect is committed; only StoreUnavailableError is retryable.

// ValidationError means the input was malformed (non-positive price,
// bad VIN, unknown status token). Nothing was written.
type ValidationError struct {
	Msg string
}

func (e *ValidationError) Error() string { return "validation failed: " + e.Msg }

// InvalidTransitionError means the requested status change is not
// reachable from the listing's current status.
type InvalidTransitionError struct {
	From, To models.ListingStatus
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("invalid transition from %s to %s", e.From, e.To)
}

// ConflictError means a concurrent actor won: the single-active-VIN
// invariant blocked the write, or the row changed between read and
// write. The caller may re-read and retry.
type ConflictError struct {
	Msg string
}

func (e *ConflictError) Error() string { return "conflict: " + e.Msg }

// StoreUnavailableError wraps a transient backing-store failure. Callers
// should retry with backoff; scheduled tasks retry the same batch.
type StoreUnavailableError struct {
	Err error
}

func (e *StoreUnavailableError) Error() string {
	return fmt.Sprintf("store unavailable: %v", e.Err)
}

func (e *StoreUnavailableError) Unwrap() error { return e.Err }

// IsRetryable reports whether the caller should retry the operation.
func IsRetryable(err error) bool {
	var su *StoreUnavailableError
	return errors.As(err, &su)
}

// wrapStoreErr classifies a raw store error: transient failures become
// StoreUnavailableError, anything else propagates unchanged.
func wrapStoreErr(err error) error {
	if err == nil {
		return nil
	}
	if db.IsMongoTransientError(err) {
		return &StoreUnavailableError{Err: err}
	}
	return err
}
