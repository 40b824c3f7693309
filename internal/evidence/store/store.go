// Package store persists evidence records and verification attempts and
// enforces the lifecycle state machine at the storage boundary.
package store

import (
	"context"
	"time"

	"anchorline/internal/evidence/models"
	id "anchorline/pkg/domain"
)

// EvidenceStore is the single source of truth for evidence records. Status is
// mutated only through Transition, a compare-and-set that arbitrates races
// between the orchestrator and the reconciler.
type EvidenceStore interface {
	// Create inserts a new record. Returns models.ConflictError when a
	// non-rejected record already holds the fingerprint; the uniqueness
	// constraint, not the caller's pre-check, is the safety mechanism.
	Create(ctx context.Context, record *models.EvidenceRecord) error

	// Transition moves a record from one status to another, applying the
	// given fields atomically with the status change and bumping updated_at.
	// Returns models.InvalidStateError when the record's current status does
	// not equal from, and refuses transitions out of terminal states.
	Transition(ctx context.Context, recordID id.RecordID, from, to models.Status, fields models.TransitionFields) (*models.EvidenceRecord, error)

	// FindByID returns a record or sentinel.ErrNotFound.
	FindByID(ctx context.Context, recordID id.RecordID) (*models.EvidenceRecord, error)

	// FindByFingerprint returns the non-rejected record holding the
	// fingerprint, or sentinel.ErrNotFound.
	FindByFingerprint(ctx context.Context, fp string) (*models.EvidenceRecord, error)

	// ListStuckProcessing returns records still processing whose last update
	// is older than the staleness threshold, oldest first.
	ListStuckProcessing(ctx context.Context, olderThan time.Duration, limit int) ([]*models.EvidenceRecord, error)

	// ListStalePending returns records still pending past the staleness
	// threshold, oldest first. A record only sits in pending that long when
	// its intake transition was lost, so it holds the fingerprint without
	// ever reaching the orchestrator.
	ListStalePending(ctx context.Context, olderThan time.Duration, limit int) ([]*models.EvidenceRecord, error)

	// ListRetryableFailed returns failed records marked retryable with fewer
	// than maxRetries attempts, oldest first.
	ListRetryableFailed(ctx context.Context, maxRetries, limit int) ([]*models.EvidenceRecord, error)
}

// AttemptStore records verification attempts. Append-only.
type AttemptStore interface {
	AppendAttempt(ctx context.Context, attempt models.VerificationAttempt) error
	ListAttemptsByFingerprint(ctx context.Context, fp string, limit int) ([]models.VerificationAttempt, error)
}

// allowedTransitions encodes the lifecycle state machine. Confirmed and
// rejected are terminal; failed may re-enter processing on a supervised retry.
var allowedTransitions = map[models.Status][]models.Status{
	models.StatusPending:    {models.StatusProcessing, models.StatusRejected},
	models.StatusProcessing: {models.StatusConfirmed, models.StatusFailed, models.StatusRejected},
	models.StatusFailed:     {models.StatusProcessing, models.StatusRejected},
}

// TransitionAllowed reports whether the state machine permits from -> to.
func TransitionAllowed(from, to models.Status) bool {
	for _, next := range allowedTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}
