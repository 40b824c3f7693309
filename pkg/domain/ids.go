// Package domain defines uuid-backed identifier types shared across modules.
// Distinct types keep record and attempt identifiers from being mixed up at
// compile time.
package domain

import (
	"github.com/google/uuid"

	dErrors "anchorline/pkg/domain-errors"
)

// RecordID identifies one evidence record.
type RecordID uuid.UUID

// AttemptID identifies one verification attempt.
type AttemptID uuid.UUID

// NewRecordID generates a fresh record identifier.
func NewRecordID() RecordID {
	return RecordID(uuid.New())
}

// NewAttemptID generates a fresh attempt identifier.
func NewAttemptID() AttemptID {
	return AttemptID(uuid.New())
}

// ParseRecordID validates and parses a record ID from its string form.
// IDs must be valid, non-nil UUIDs.
func ParseRecordID(raw string) (RecordID, error) {
	parsed, err := parseUUID(raw, "record_id")
	return RecordID(parsed), err
}

// ParseAttemptID validates and parses an attempt ID from its string form.
func ParseAttemptID(raw string) (AttemptID, error) {
	parsed, err := parseUUID(raw, "attempt_id")
	return AttemptID(parsed), err
}

func parseUUID(raw, field string) (uuid.UUID, error) {
	if raw == "" {
		return uuid.Nil, dErrors.New(dErrors.CodeInvalidInput, field+" is required")
	}
	parsed, err := uuid.Parse(raw)
	if err != nil {
		return uuid.Nil, dErrors.Wrap(err, dErrors.CodeInvalidInput, "invalid "+field)
	}
	if parsed == uuid.Nil {
		return uuid.Nil, dErrors.New(dErrors.CodeInvalidInput, field+" must not be nil")
	}
	return parsed, nil
}

func (r RecordID) String() string  { return uuid.UUID(r).String() }
func (r RecordID) IsNil() bool     { return uuid.UUID(r) == uuid.Nil }
func (a AttemptID) String() string { return uuid.UUID(a).String() }
func (a AttemptID) IsNil() bool    { return uuid.UUID(a) == uuid.Nil }

// Defined types do not inherit uuid.UUID's encoding methods, so without these
// json would render IDs as raw byte arrays. External consumers (dashboards on
// the notification topic) rely on the canonical string form.

func (r RecordID) MarshalText() ([]byte, error)  { return uuid.UUID(r).MarshalText() }
func (a AttemptID) MarshalText() ([]byte, error) { return uuid.UUID(a).MarshalText() }

func (r *RecordID) UnmarshalText(data []byte) error {
	var parsed uuid.UUID
	if err := parsed.UnmarshalText(data); err != nil {
		return dErrors.Wrap(err, dErrors.CodeInvalidInput, "invalid record_id")
	}
	*r = RecordID(parsed)
	return nil
}

func (a *AttemptID) UnmarshalText(data []byte) error {
	var parsed uuid.UUID
	if err := parsed.UnmarshalText(data); err != nil {
		return dErrors.Wrap(err, dErrors.CodeInvalidInput, "invalid attempt_id")
	}
	*a = AttemptID(parsed)
	return nil
}
