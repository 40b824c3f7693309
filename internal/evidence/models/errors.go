package models

import (
	"fmt"

	dErrors "anchorline/pkg/domain-errors"
)

// IntegrityError reports that the claimed fingerprint does not match the
// digest recomputed over the submitted bytes. Client-caused, non-retryable.
type IntegrityError struct {
	Claimed  string
	Computed string
}

func (e *IntegrityError) Error() string {
	return fmt.Sprintf("fingerprint mismatch: claimed %s, computed %s", e.Claimed, e.Computed)
}

// Unwrap lets transports map this onto the integrity error code.
func (e *IntegrityError) Unwrap() error {
	return dErrors.New(dErrors.CodeIntegrity, e.Error())
}

// ConflictError reports that a non-rejected record already holds the
// fingerprint. Carries the existing record's summary so callers can
// short-circuit re-submission.
type ConflictError struct {
	Existing Summary
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("fingerprint already registered by record %s (status %s)",
		e.Existing.ID, e.Existing.Status)
}

func (e *ConflictError) Unwrap() error {
	return dErrors.New(dErrors.CodeConflict, e.Error())
}

// InvalidStateError reports a compare-and-set transition whose precondition
// did not hold. Treated as a benign race signal, never surfaced to clients.
type InvalidStateError struct {
	Current  Status
	Expected Status
}

func (e *InvalidStateError) Error() string {
	return fmt.Sprintf("record is %s, expected %s", e.Current, e.Expected)
}

func (e *InvalidStateError) Unwrap() error {
	return dErrors.New(dErrors.CodeInvalidState, e.Error())
}
