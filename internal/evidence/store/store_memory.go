package store

import (
	"context"
	"fmt"
	"maps"
	"sort"
	"sync"
	"time"

	"anchorline/internal/evidence/models"
	id "anchorline/pkg/domain"
	"anchorline/pkg/platform/sentinel"
	"anchorline/pkg/requestcontext"
)

// InMemoryStore keeps evidence records and verification attempts in process
// memory. It enforces the same constraints as the postgres store so unit
// tests exercise identical semantics.
type InMemoryStore struct {
	mu       sync.RWMutex
	records  map[id.RecordID]*models.EvidenceRecord
	byActive map[string]id.RecordID // fingerprint -> non-rejected record
	attempts []models.VerificationAttempt
}

func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		records:  make(map[id.RecordID]*models.EvidenceRecord),
		byActive: make(map[string]id.RecordID),
	}
}

func (s *InMemoryStore) Create(_ context.Context, record *models.EvidenceRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if existingID, ok := s.byActive[record.Fingerprint]; ok {
		return &models.ConflictError{Existing: s.records[existingID].Summarize()}
	}

	s.records[record.ID] = cloneRecord(record)
	if record.Status.Active() {
		s.byActive[record.Fingerprint] = record.ID
	}
	return nil
}

func (s *InMemoryStore) Transition(ctx context.Context, recordID id.RecordID, from, to models.Status, fields models.TransitionFields) (*models.EvidenceRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	record, ok := s.records[recordID]
	if !ok {
		return nil, fmt.Errorf("record %s: %w", recordID, sentinel.ErrNotFound)
	}
	if record.Status != from || !TransitionAllowed(from, to) {
		return nil, &models.InvalidStateError{Current: record.Status, Expected: from}
	}
	if fields.LedgerReference != nil && record.LedgerReference != "" {
		// Write-once column; a second writer lost the race.
		return nil, &models.InvalidStateError{Current: record.Status, Expected: from}
	}

	record.Status = to
	record.UpdatedAt = requestcontext.Now(ctx)
	if fields.LedgerReference != nil {
		record.LedgerReference = *fields.LedgerReference
	}
	if fields.LedgerHeight != nil {
		record.LedgerHeight = *fields.LedgerHeight
	}
	if fields.LedgerTimestamp != nil {
		record.LedgerTimestamp = *fields.LedgerTimestamp
	}
	if fields.ErrorDetail != nil {
		record.ErrorDetail = *fields.ErrorDetail
	}
	if fields.Retryable != nil {
		record.Retryable = *fields.Retryable
	}
	if fields.IncrementRetry {
		record.RetryCount++
	}

	if !to.Active() {
		delete(s.byActive, record.Fingerprint)
	}

	return cloneRecord(record), nil
}

func (s *InMemoryStore) FindByID(_ context.Context, recordID id.RecordID) (*models.EvidenceRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	record, ok := s.records[recordID]
	if !ok {
		return nil, fmt.Errorf("record %s: %w", recordID, sentinel.ErrNotFound)
	}
	return cloneRecord(record), nil
}

func (s *InMemoryStore) FindByFingerprint(_ context.Context, fp string) (*models.EvidenceRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	recordID, ok := s.byActive[fp]
	if !ok {
		return nil, fmt.Errorf("fingerprint %s: %w", fp, sentinel.ErrNotFound)
	}
	return cloneRecord(s.records[recordID]), nil
}

func (s *InMemoryStore) ListStuckProcessing(_ context.Context, olderThan time.Duration, limit int) ([]*models.EvidenceRecord, error) {
	cutoff := time.Now().Add(-olderThan)

	s.mu.RLock()
	defer s.mu.RUnlock()

	var stuck []*models.EvidenceRecord
	for _, record := range s.records {
		if record.Status == models.StatusProcessing && record.UpdatedAt.Before(cutoff) {
			stuck = append(stuck, cloneRecord(record))
		}
	}
	sortByUpdatedAt(stuck)
	return capLimit(stuck, limit), nil
}

func (s *InMemoryStore) ListStalePending(_ context.Context, olderThan time.Duration, limit int) ([]*models.EvidenceRecord, error) {
	cutoff := time.Now().Add(-olderThan)

	s.mu.RLock()
	defer s.mu.RUnlock()

	var stalled []*models.EvidenceRecord
	for _, record := range s.records {
		if record.Status == models.StatusPending && record.UpdatedAt.Before(cutoff) {
			stalled = append(stalled, cloneRecord(record))
		}
	}
	sortByUpdatedAt(stalled)
	return capLimit(stalled, limit), nil
}

func (s *InMemoryStore) ListRetryableFailed(_ context.Context, maxRetries, limit int) ([]*models.EvidenceRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var failed []*models.EvidenceRecord
	for _, record := range s.records {
		if record.Status == models.StatusFailed && record.Retryable && record.RetryCount < maxRetries {
			failed = append(failed, cloneRecord(record))
		}
	}
	sortByUpdatedAt(failed)
	return capLimit(failed, limit), nil
}

func (s *InMemoryStore) AppendAttempt(_ context.Context, attempt models.VerificationAttempt) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.attempts = append(s.attempts, attempt)
	return nil
}

func (s *InMemoryStore) ListAttemptsByFingerprint(_ context.Context, fp string, limit int) ([]models.VerificationAttempt, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var matched []models.VerificationAttempt
	for _, attempt := range s.attempts {
		if attempt.SubmittedFingerprint == fp {
			matched = append(matched, attempt)
		}
	}
	if limit > 0 && len(matched) > limit {
		matched = matched[len(matched)-limit:]
	}
	return matched, nil
}

// cloneRecord copies a record including its metadata map, so callers can
// never mutate stored state through a returned record.
func cloneRecord(record *models.EvidenceRecord) *models.EvidenceRecord {
	clone := *record
	clone.CaptureMetadata = maps.Clone(record.CaptureMetadata)
	return &clone
}

func sortByUpdatedAt(records []*models.EvidenceRecord) {
	sort.Slice(records, func(i, j int) bool {
		return records[i].UpdatedAt.Before(records[j].UpdatedAt)
	})
}

func capLimit(records []*models.EvidenceRecord, limit int) []*models.EvidenceRecord {
	if limit > 0 && len(records) > limit {
		return records[:limit]
	}
	return records
}
