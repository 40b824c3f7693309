// Package ledger talks to the external append-only anchor ledger. The client
// classifies every failure as rejected (the ledger said no) or transient (the
// ledger could not answer); callers decide record state from that split.
package ledger

import (
	"context"
	"fmt"
	"time"

	dErrors "anchorline/pkg/domain-errors"
)

// Anchor is the ledger's durable acknowledgement of a fingerprint.
type Anchor struct {
	Reference   string    `json:"reference"`
	Height      int64     `json:"height"`
	Timestamp   time.Time `json:"timestamp"`
	Fingerprint string    `json:"fingerprint"`
}

// SubmitRequest carries one fingerprint to the ledger.
type SubmitRequest struct {
	Fingerprint string            `json:"fingerprint"`
	Submitter   string            `json:"submitter,omitempty"`
	Metadata    map[string]string `json:"metadata,omitempty"`
}

// Client is the outbound ledger surface. Query returns sentinel.ErrNotFound
// when the ledger holds no anchor for the fingerprint.
type Client interface {
	Submit(ctx context.Context, req SubmitRequest) (*Anchor, error)
	Query(ctx context.Context, fingerprint string) (*Anchor, error)
}

// RejectedError is a definitive refusal from the ledger. Never retried; the
// record moves to failed with retryable=false.
type RejectedError struct {
	StatusCode int
	Reason     string
}

func (e *RejectedError) Error() string {
	return fmt.Sprintf("ledger rejected submission (status %d): %s", e.StatusCode, e.Reason)
}

func (e *RejectedError) Unwrap() error {
	return dErrors.New(dErrors.CodeRejected, e.Reason)
}

// TransientError is an infrastructure failure: 5xx, timeout, connection
// refused. Retried with backoff; if retries run out the record moves to
// failed with retryable=true.
type TransientError struct {
	Cause error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("ledger unavailable: %v", e.Cause)
}

func (e *TransientError) Unwrap() error {
	return dErrors.Wrap(e.Cause, dErrors.CodeTransient, "ledger unavailable")
}

// CircuitOpenError short-circuits calls while the breaker for an endpoint is
// open. Treated like a transient failure by callers, but cheap: no network
// round-trip happened.
type CircuitOpenError struct {
	Endpoint string
}

func (e *CircuitOpenError) Error() string {
	return fmt.Sprintf("circuit open for ledger endpoint %s", e.Endpoint)
}

func (e *CircuitOpenError) Unwrap() error {
	return dErrors.New(dErrors.CodeCircuitOpen, e.Error())
}
