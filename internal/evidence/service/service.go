// Package service implements evidence intake: fingerprint verification,
// duplicate detection, durable record creation, and hand-off to the
// orchestrator. Intake is synchronous up to the processing transition; the
// ledger submission itself happens on the worker pool.
package service

import (
	"context"
	"errors"
	"log/slog"
	"strings"

	"anchorline/internal/evidence/fingerprint"
	"anchorline/internal/evidence/metrics"
	"anchorline/internal/evidence/models"
	"anchorline/internal/evidence/notify"
	"anchorline/internal/evidence/orchestrator"
	"anchorline/internal/evidence/store"
	id "anchorline/pkg/domain"
	dErrors "anchorline/pkg/domain-errors"
	"anchorline/pkg/platform/audit"
	"anchorline/pkg/platform/sentinel"
	"anchorline/pkg/requestcontext"
)

const maxMetadataEntries = 32

// RegisterRequest carries one artifact submission into the pipeline.
type RegisterRequest struct {
	Fingerprint     string
	Artifact        []byte
	Title           string
	OriginalSource  string
	CaptureMetadata map[string]string
	Signature       string
}

// Enqueuer hands accepted submissions to the orchestrator.
type Enqueuer interface {
	Enqueue(sub orchestrator.Submission) error
}

type AuditPublisher interface {
	Emit(ctx context.Context, entry audit.Entry) error
}

// Service performs evidence intake.
type Service struct {
	records  store.EvidenceStore
	queue    Enqueuer
	logger   *slog.Logger
	auditor  AuditPublisher
	notifier notify.Publisher
	metrics  *metrics.Metrics
}

type Option func(*Service)

func WithLogger(logger *slog.Logger) Option {
	return func(s *Service) { s.logger = logger }
}

func WithAuditPublisher(publisher AuditPublisher) Option {
	return func(s *Service) { s.auditor = publisher }
}

func WithNotifier(notifier notify.Publisher) Option {
	return func(s *Service) { s.notifier = notifier }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Service) { s.metrics = m }
}

// New constructs the intake service.
func New(records store.EvidenceStore, queue Enqueuer, opts ...Option) (*Service, error) {
	if records == nil {
		return nil, errors.New("evidence store is required")
	}
	if queue == nil {
		return nil, errors.New("submission queue is required")
	}

	s := &Service{records: records, queue: queue, logger: slog.Default()}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Register validates the submission, persists a durable record, and hands it
// to the orchestrator. Returns the record in processing state: callers poll
// for the terminal outcome.
func (s *Service) Register(ctx context.Context, req RegisterRequest) (*models.EvidenceRecord, error) {
	if err := validateRequest(req); err != nil {
		s.metrics.IncrementRegistration("invalid")
		return nil, err
	}

	canonical, err := fingerprint.Verify(req.Fingerprint, req.Artifact)
	if err != nil {
		var integrityErr *models.IntegrityError
		if errors.As(err, &integrityErr) {
			s.metrics.IncrementRegistration("integrity")
			s.logger.WarnContext(ctx, "fingerprint mismatch at intake",
				"claimed", integrityErr.Claimed,
				"computed", integrityErr.Computed,
			)
		} else {
			s.metrics.IncrementRegistration("invalid")
		}
		return nil, err
	}

	// Pre-check for a friendlier conflict answer; the store's uniqueness
	// constraint is what actually holds under concurrency.
	if existing, err := s.records.FindByFingerprint(ctx, canonical); err == nil {
		s.metrics.IncrementRegistration("conflict")
		return nil, &models.ConflictError{Existing: existing.Summarize()}
	} else if !errors.Is(err, sentinel.ErrNotFound) {
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to check for existing registration")
	}

	now := requestcontext.Now(ctx)
	record := &models.EvidenceRecord{
		ID:              id.NewRecordID(),
		Fingerprint:     canonical,
		OriginalSource:  strings.TrimSpace(req.OriginalSource),
		Title:           strings.TrimSpace(req.Title),
		CaptureMetadata: req.CaptureMetadata,
		Submitter:       requestcontext.Submitter(ctx),
		Signature:       strings.TrimSpace(req.Signature),
		Status:          models.StatusPending,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	if err := s.records.Create(ctx, record); err != nil {
		var conflictErr *models.ConflictError
		if errors.As(err, &conflictErr) {
			s.metrics.IncrementRegistration("conflict")
			return nil, err
		}
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to persist evidence record")
	}
	s.emit(ctx, record, audit.ActionEvidenceSubmitted, map[string]any{
		"fingerprint": canonical,
		"source":      record.OriginalSource,
	})

	record, err = s.records.Transition(ctx, record.ID, models.StatusPending, models.StatusProcessing, models.TransitionFields{})
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to start processing")
	}
	s.metrics.IncrementTransition(string(models.StatusProcessing))
	s.metrics.IncrementRegistration("accepted")
	s.emit(ctx, record, audit.ActionEvidenceProcessing, nil)

	err = s.queue.Enqueue(orchestrator.Submission{
		RecordID:    record.ID,
		Fingerprint: record.Fingerprint,
		Submitter:   record.Submitter,
		Metadata:    record.CaptureMetadata,
	})
	if err != nil {
		// The record stays in processing; the reconciler's staleness sweep
		// picks it up. Intake already succeeded from the caller's view.
		s.logger.WarnContext(ctx, "submission queue full, deferring to reconciler",
			"record_id", record.ID.String(),
		)
	}

	s.logger.InfoContext(ctx, "evidence registration accepted",
		"record_id", record.ID.String(),
		"fingerprint", canonical,
		"submitter", record.Submitter,
	)
	return record, nil
}

// GetRecord returns one record for polling.
func (s *Service) GetRecord(ctx context.Context, recordID id.RecordID) (*models.EvidenceRecord, error) {
	record, err := s.records.FindByID(ctx, recordID)
	if err != nil {
		if errors.Is(err, sentinel.ErrNotFound) {
			return nil, dErrors.New(dErrors.CodeNotFound, "evidence record not found")
		}
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to load evidence record")
	}
	return record, nil
}

func validateRequest(req RegisterRequest) error {
	if strings.TrimSpace(req.Fingerprint) == "" {
		return dErrors.New(dErrors.CodeInvalidInput, "fingerprint is required")
	}
	if len(req.Artifact) == 0 {
		return dErrors.New(dErrors.CodeInvalidInput, "artifact payload is required")
	}
	if len(req.CaptureMetadata) > maxMetadataEntries {
		return dErrors.New(dErrors.CodeInvalidInput, "too many capture metadata entries")
	}
	return nil
}

func (s *Service) emit(ctx context.Context, record *models.EvidenceRecord, action string, data map[string]any) {
	if s.auditor != nil {
		err := s.auditor.Emit(ctx, audit.Entry{
			Action:       action,
			ResourceType: audit.ResourceEvidenceRecord,
			ResourceID:   record.ID.String(),
			ActorContext: record.Submitter,
			ContextData:  data,
		})
		if err != nil {
			s.logger.ErrorContext(ctx, "failed to emit audit entry",
				"action", action,
				"record_id", record.ID.String(),
				"error", err.Error(),
			)
		}
	}
	if s.notifier != nil {
		s.notifier.Publish(ctx, notify.Event{
			RecordID:    record.ID,
			Fingerprint: record.Fingerprint,
			Status:      string(record.Status),
			Timestamp:   record.UpdatedAt,
		})
	}
}
