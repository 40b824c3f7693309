// Package models defines the evidence record, its lifecycle states, and the
// typed errors the pipeline raises.
package models

import (
	"time"

	id "anchorline/pkg/domain"
)

// Status is the lifecycle state of an evidence record. Transitions are
// monotonic: confirmed and rejected are terminal, and no record ever moves
// backwards (a failed record may re-enter processing on a supervised retry).
type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusConfirmed  Status = "confirmed"
	StatusFailed     Status = "failed"
	StatusRejected   Status = "rejected"
)

// IsValid reports whether s is a known lifecycle state.
func (s Status) IsValid() bool {
	switch s {
	case StatusPending, StatusProcessing, StatusConfirmed, StatusFailed, StatusRejected:
		return true
	}
	return false
}

// Terminal reports whether no further transitions are permitted from s.
// Failed is not terminal: the reconciler may schedule a bounded retry.
func (s Status) Terminal() bool {
	return s == StatusConfirmed || s == StatusRejected
}

// Active reports whether a record in this state blocks re-registration of its
// fingerprint.
func (s Status) Active() bool {
	return s != StatusRejected
}

// EvidenceRecord is one artifact submission and its anchoring lifecycle.
// Descriptive fields are immutable after intake; status and the ledger
// fields are mutated only through compare-and-set transitions.
type EvidenceRecord struct {
	ID              id.RecordID
	Fingerprint     string
	OriginalSource  string
	Title           string
	CaptureMetadata map[string]string
	Submitter       string

	// Signature is the capture client's detached signature over the artifact,
	// stored opaquely for downstream attestation tooling.
	Signature string

	Status Status

	// LedgerReference is written exactly once, together with height and
	// timestamp, when the ledger accepts the submission. Present iff
	// Status == confirmed.
	LedgerReference string
	LedgerHeight    int64
	LedgerTimestamp time.Time

	ErrorDetail string
	Retryable   bool
	RetryCount  int

	CreatedAt time.Time
	UpdatedAt time.Time
}

// Summary is the externally visible digest of a record, returned with
// conflict responses so callers can detect "already registered".
type Summary struct {
	ID          id.RecordID
	Fingerprint string
	Status      Status
	Submitter   string
}

// Summarize builds the conflict summary for a record.
func (r *EvidenceRecord) Summarize() Summary {
	return Summary{
		ID:          r.ID,
		Fingerprint: r.Fingerprint,
		Status:      r.Status,
		Submitter:   r.Submitter,
	}
}

// TransitionFields carries the values written together with a status change.
// Nil pointers leave the column untouched.
type TransitionFields struct {
	LedgerReference *string
	LedgerHeight    *int64
	LedgerTimestamp *time.Time
	ErrorDetail     *string
	Retryable       *bool
	IncrementRetry  bool
}

// VerificationResult is the outcome label of one verification attempt.
type VerificationResult string

const (
	ResultValid    VerificationResult = "valid"
	ResultNotFound VerificationResult = "not_found"
)

// VerificationSource tags where the answer came from.
type VerificationSource string

const (
	SourceLocal  VerificationSource = "local"
	SourceLedger VerificationSource = "ledger"
)

// VerificationAttempt is one query event. Append-only, never mutated.
type VerificationAttempt struct {
	ID                   id.AttemptID
	SubmittedFingerprint string
	MatchedRecordID      *id.RecordID
	Result               VerificationResult
	Source               VerificationSource
	RequesterContext     string
	DurationMs           int64
	Timestamp            time.Time
}
