package handler

import (
	"time"

	"anchorline/internal/evidence/models"
	"anchorline/internal/evidence/verify"
)

// RegistrationResponse is the 202 body for an accepted submission.
type RegistrationResponse struct {
	RecordID string `json:"record_id"`
	Status   string `json:"status"`
	PollURL  string `json:"poll_url"`
}

// RecordResponse is the polling view of one evidence record.
type RecordResponse struct {
	RecordID        string            `json:"record_id"`
	Fingerprint     string            `json:"fingerprint"`
	Title           string            `json:"title,omitempty"`
	OriginalSource  string            `json:"original_source,omitempty"`
	CaptureMetadata map[string]string `json:"capture_metadata,omitempty"`
	Submitter       string            `json:"submitter,omitempty"`
	Signature       string            `json:"signature,omitempty"`
	Status          string            `json:"status"`
	LedgerReference string            `json:"ledger_reference,omitempty"`
	LedgerHeight    int64             `json:"ledger_height,omitempty"`
	LedgerTimestamp *time.Time        `json:"ledger_timestamp,omitempty"`
	ErrorDetail     string            `json:"error_detail,omitempty"`
	Retryable       bool              `json:"retryable,omitempty"`
	RetryCount      int               `json:"retry_count,omitempty"`
	CreatedAt       time.Time         `json:"created_at"`
	UpdatedAt       time.Time         `json:"updated_at"`
}

// FromRecord maps a domain record to its HTTP view.
func FromRecord(record *models.EvidenceRecord) RecordResponse {
	resp := RecordResponse{
		RecordID:        record.ID.String(),
		Fingerprint:     record.Fingerprint,
		Title:           record.Title,
		OriginalSource:  record.OriginalSource,
		CaptureMetadata: record.CaptureMetadata,
		Submitter:       record.Submitter,
		Signature:       record.Signature,
		Status:          string(record.Status),
		LedgerReference: record.LedgerReference,
		LedgerHeight:    record.LedgerHeight,
		ErrorDetail:     record.ErrorDetail,
		Retryable:       record.Retryable,
		RetryCount:      record.RetryCount,
		CreatedAt:       record.CreatedAt,
		UpdatedAt:       record.UpdatedAt,
	}
	if !record.LedgerTimestamp.IsZero() {
		ts := record.LedgerTimestamp
		resp.LedgerTimestamp = &ts
	}
	return resp
}

// ConflictResponse is the 409 body carrying the existing registration.
type ConflictResponse struct {
	Error            string          `json:"error"`
	ErrorDescription string          `json:"error_description"`
	Existing         ExistingSummary `json:"existing"`
}

// ExistingSummary identifies the record already holding a fingerprint.
type ExistingSummary struct {
	RecordID    string `json:"record_id"`
	Fingerprint string `json:"fingerprint"`
	Status      string `json:"status"`
}

// IntegrityResponse is the 400 body for a fingerprint mismatch, carrying both
// digests so capture clients can diagnose corruption.
type IntegrityResponse struct {
	Error            string `json:"error"`
	ErrorDescription string `json:"error_description"`
	Claimed          string `json:"claimed"`
	Computed         string `json:"computed"`
}

// VerifyResponse is the verification payload.
type VerifyResponse struct {
	Fingerprint     string     `json:"fingerprint"`
	Result          string     `json:"result"`
	Source          string     `json:"source,omitempty"`
	RecordID        string     `json:"record_id,omitempty"`
	LedgerReference string     `json:"ledger_reference,omitempty"`
	LedgerHeight    int64      `json:"ledger_height,omitempty"`
	LedgerTimestamp *time.Time `json:"ledger_timestamp,omitempty"`
}

// FromAnswer maps a verification answer to its HTTP view.
func FromAnswer(answer *verify.Answer) VerifyResponse {
	resp := VerifyResponse{
		Fingerprint:     answer.Fingerprint,
		Result:          string(answer.Result),
		Source:          string(answer.Source),
		LedgerReference: answer.LedgerReference,
		LedgerHeight:    answer.LedgerHeight,
	}
	if answer.RecordID != nil {
		resp.RecordID = answer.RecordID.String()
	}
	if !answer.LedgerTimestamp.IsZero() {
		ts := answer.LedgerTimestamp
		resp.LedgerTimestamp = &ts
	}
	return resp
}
