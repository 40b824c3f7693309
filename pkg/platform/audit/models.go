// Package audit provides the append-only audit trail. Entries are emitted
// from domain logic, persisted by a store, and never mutated once written.
package audit

import (
	"time"

	"github.com/google/uuid"
)

// Entry captures one audited action against a resource. Keep it
// transport-agnostic so stores and sinks can fan out.
type Entry struct {
	ID           uuid.UUID
	Action       string
	ResourceType string
	ResourceID   string
	ActorContext string
	ContextData  map[string]any
	Timestamp    time.Time
}

// Actions recorded by the evidence pipeline.
const (
	ActionEvidenceSubmitted  = "evidence_submitted"
	ActionEvidenceProcessing = "evidence_processing"
	ActionEvidenceConfirmed  = "evidence_confirmed"
	ActionEvidenceFailed     = "evidence_failed"
	ActionEvidenceRetried    = "evidence_retry_scheduled"
	ActionEvidenceReconciled = "evidence_reconciled"
	ActionVerificationRun    = "verification_performed"
	ActionLedgerAnomaly      = "ledger_anomaly_detected"
)

// Resource types referenced by entries.
const (
	ResourceEvidenceRecord = "evidence_record"
	ResourceFingerprint    = "fingerprint"
)
