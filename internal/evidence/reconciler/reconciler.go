// Package reconciler repairs drift between local record state and ledger
// truth. It runs on a timer, one pass at a time, and only ever converges
// records through the same compare-and-set transitions the orchestrator uses.
package reconciler

import (
	"context"
	"errors"
	"log/slog"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"anchorline/internal/evidence/ledger"
	"anchorline/internal/evidence/metrics"
	"anchorline/internal/evidence/models"
	"anchorline/internal/evidence/notify"
	"anchorline/internal/evidence/orchestrator"
	"anchorline/internal/evidence/store"
	"anchorline/pkg/platform/audit"
	"anchorline/pkg/platform/sentinel"
)

const sweepBatchSize = 100

type Enqueuer interface {
	Enqueue(sub orchestrator.Submission) error
}

type AuditPublisher interface {
	Emit(ctx context.Context, entry audit.Entry) error
}

// Reconciler owns the background repair loop.
type Reconciler struct {
	records store.EvidenceStore
	ledger  ledger.Client
	queue   Enqueuer

	interval    time.Duration
	staleAfter  time.Duration
	failAfter   time.Duration
	maxRetries  int
	concurrency int

	sweeping atomic.Bool

	logger   *slog.Logger
	auditor  AuditPublisher
	notifier notify.Publisher
	metrics  *metrics.Metrics
}

type Option func(*Reconciler)

func WithInterval(d time.Duration) Option {
	return func(r *Reconciler) {
		if d > 0 {
			r.interval = d
		}
	}
}

// WithThresholds sets how long a processing record may sit untouched before
// it is repaired, and how long before an unanswered one is declared failed.
func WithThresholds(staleAfter, failAfter time.Duration) Option {
	return func(r *Reconciler) {
		if staleAfter > 0 {
			r.staleAfter = staleAfter
		}
		if failAfter > 0 {
			r.failAfter = failAfter
		}
	}
}

func WithMaxRetries(n int) Option {
	return func(r *Reconciler) {
		if n >= 0 {
			r.maxRetries = n
		}
	}
}

func WithConcurrency(n int) Option {
	return func(r *Reconciler) {
		if n > 0 {
			r.concurrency = n
		}
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(r *Reconciler) { r.logger = logger }
}

func WithAuditPublisher(publisher AuditPublisher) Option {
	return func(r *Reconciler) { r.auditor = publisher }
}

func WithNotifier(notifier notify.Publisher) Option {
	return func(r *Reconciler) { r.notifier = notifier }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(r *Reconciler) { r.metrics = m }
}

// New constructs a Reconciler.
func New(records store.EvidenceStore, ledgerClient ledger.Client, queue Enqueuer, opts ...Option) (*Reconciler, error) {
	if records == nil {
		return nil, errors.New("evidence store is required")
	}
	if ledgerClient == nil {
		return nil, errors.New("ledger client is required")
	}
	if queue == nil {
		return nil, errors.New("submission queue is required")
	}

	r := &Reconciler{
		records:     records,
		ledger:      ledgerClient,
		queue:       queue,
		interval:    3 * time.Minute,
		staleAfter:  5 * time.Minute,
		failAfter:   30 * time.Minute,
		maxRetries:  3,
		concurrency: 4,
		logger:      slog.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r, nil
}

// Run drives sweeps until the context is cancelled. Sweep errors are logged
// and retried next tick; the loop itself never dies.
func (r *Reconciler) Run(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := r.Sweep(ctx); err != nil {
				r.logger.ErrorContext(ctx, "reconciliation sweep failed",
					"error", err.Error(),
				)
			}
		}
	}
}

// Sweep performs one reconciliation pass. Only one pass runs at a time; an
// overlapping call returns immediately.
func (r *Reconciler) Sweep(ctx context.Context) error {
	if !r.sweeping.CompareAndSwap(false, true) {
		return nil
	}
	defer r.sweeping.Store(false)

	if err := r.repairStuck(ctx); err != nil {
		return err
	}
	if err := r.resumeStalled(ctx); err != nil {
		return err
	}
	return r.requeueFailed(ctx)
}

// resumeStalled picks up records whose intake transition was lost, leaving
// them pending while still holding their fingerprint. They never reached the
// ledger, so the repair is to resume the pipeline, not to query for an anchor.
func (r *Reconciler) resumeStalled(ctx context.Context) error {
	stalled, err := r.records.ListStalePending(ctx, r.staleAfter, sweepBatchSize)
	if err != nil {
		return err
	}

	for _, record := range stalled {
		updated, err := r.records.Transition(ctx, record.ID, models.StatusPending, models.StatusProcessing, models.TransitionFields{})
		if err != nil {
			r.logRepairFailure(ctx, record, models.StatusProcessing, err)
			continue
		}

		err = r.queue.Enqueue(orchestrator.Submission{
			RecordID:    updated.ID,
			Fingerprint: updated.Fingerprint,
			Submitter:   updated.Submitter,
			Metadata:    updated.CaptureMetadata,
		})
		if err != nil {
			// Stays in processing; the staleness sweep returns to it.
			r.logger.WarnContext(ctx, "could not enqueue stalled pending record",
				"record_id", updated.ID.String(),
				"error", err.Error(),
			)
			continue
		}

		r.metrics.IncrementRepair("resumed")
		r.metrics.IncrementTransition(string(models.StatusProcessing))
		r.logger.InfoContext(ctx, "reconciler resumed stalled pending record",
			"record_id", updated.ID.String(),
			"stale_for", time.Since(record.UpdatedAt).String(),
		)
		r.emit(ctx, updated, audit.ActionEvidenceReconciled, map[string]any{
			"repair": "resumed",
		})
	}
	return nil
}

// repairStuck converges processing records whose worker outcome never landed.
func (r *Reconciler) repairStuck(ctx context.Context) error {
	stuck, err := r.records.ListStuckProcessing(ctx, r.staleAfter, sweepBatchSize)
	if err != nil {
		return err
	}

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(r.concurrency)
	for _, record := range stuck {
		g.Go(func() error {
			r.repairRecord(ctx, record)
			return nil
		})
	}
	return g.Wait()
}

func (r *Reconciler) repairRecord(ctx context.Context, record *models.EvidenceRecord) {
	anchor, err := r.ledger.Query(ctx, record.Fingerprint)

	switch {
	case err == nil:
		// The submission landed; the local outcome was lost.
		r.confirmFromAnchor(ctx, record, anchor)

	case errors.Is(err, sentinel.ErrNotFound):
		if time.Since(record.UpdatedAt) < r.failAfter {
			return // still within the window; the anchor may yet appear
		}
		r.failUnanswered(ctx, record)

	default:
		// Ledger unavailable; leave the record for the next sweep.
		r.logger.WarnContext(ctx, "reconciler could not query ledger",
			"record_id", record.ID.String(),
			"error", err.Error(),
		)
	}
}

func (r *Reconciler) confirmFromAnchor(ctx context.Context, record *models.EvidenceRecord, anchor *ledger.Anchor) {
	fields := models.TransitionFields{
		LedgerReference: &anchor.Reference,
		LedgerHeight:    &anchor.Height,
		LedgerTimestamp: &anchor.Timestamp,
	}
	updated, err := r.records.Transition(ctx, record.ID, models.StatusProcessing, models.StatusConfirmed, fields)
	if err != nil {
		r.logRepairFailure(ctx, record, models.StatusConfirmed, err)
		return
	}

	r.metrics.IncrementRepair("confirmed")
	r.metrics.IncrementTransition(string(models.StatusConfirmed))
	r.logger.InfoContext(ctx, "reconciler confirmed record from discovered anchor",
		"record_id", record.ID.String(),
		"ledger_reference", anchor.Reference,
	)
	r.emit(ctx, updated, audit.ActionEvidenceReconciled, map[string]any{
		"repair":           "confirmed",
		"ledger_reference": anchor.Reference,
	})
}

func (r *Reconciler) failUnanswered(ctx context.Context, record *models.EvidenceRecord) {
	detail := "ledger unreachable"
	retryable := true
	fields := models.TransitionFields{
		ErrorDetail: &detail,
		Retryable:   &retryable,
	}
	updated, err := r.records.Transition(ctx, record.ID, models.StatusProcessing, models.StatusFailed, fields)
	if err != nil {
		r.logRepairFailure(ctx, record, models.StatusFailed, err)
		return
	}

	r.metrics.IncrementRepair("failed")
	r.metrics.IncrementTransition(string(models.StatusFailed))
	r.logger.WarnContext(ctx, "reconciler failed record past the anchoring deadline",
		"record_id", record.ID.String(),
		"stale_for", time.Since(record.UpdatedAt).String(),
	)
	r.emit(ctx, updated, audit.ActionEvidenceReconciled, map[string]any{
		"repair":       "failed",
		"error_detail": detail,
	})
}

// requeueFailed gives retryable failures another pass through the
// orchestrator, bounded by the retry cap.
func (r *Reconciler) requeueFailed(ctx context.Context) error {
	failed, err := r.records.ListRetryableFailed(ctx, r.maxRetries, sweepBatchSize)
	if err != nil {
		return err
	}

	for _, record := range failed {
		updated, err := r.records.Transition(ctx, record.ID, models.StatusFailed, models.StatusProcessing, models.TransitionFields{
			IncrementRetry: true,
		})
		if err != nil {
			r.logRepairFailure(ctx, record, models.StatusProcessing, err)
			continue
		}

		err = r.queue.Enqueue(orchestrator.Submission{
			RecordID:    updated.ID,
			Fingerprint: updated.Fingerprint,
			Submitter:   updated.Submitter,
			Metadata:    updated.CaptureMetadata,
		})
		if err != nil {
			// Stays in processing; the staleness sweep returns to it.
			r.logger.WarnContext(ctx, "could not requeue retryable record",
				"record_id", updated.ID.String(),
				"error", err.Error(),
			)
			continue
		}

		r.metrics.IncrementRepair("requeued")
		r.logger.InfoContext(ctx, "reconciler requeued failed record",
			"record_id", updated.ID.String(),
			"retry_count", updated.RetryCount,
		)
		r.emit(ctx, updated, audit.ActionEvidenceRetried, map[string]any{
			"retry_count": updated.RetryCount,
		})
	}
	return nil
}

func (r *Reconciler) logRepairFailure(ctx context.Context, record *models.EvidenceRecord, to models.Status, err error) {
	var stateErr *models.InvalidStateError
	if errors.As(err, &stateErr) {
		// The orchestrator got there first.
		return
	}
	r.logger.ErrorContext(ctx, "reconciler repair transition failed",
		"record_id", record.ID.String(),
		"target_status", string(to),
		"error", err.Error(),
	)
}

func (r *Reconciler) emit(ctx context.Context, record *models.EvidenceRecord, action string, data map[string]any) {
	if r.auditor != nil {
		err := r.auditor.Emit(ctx, audit.Entry{
			Action:       action,
			ResourceType: audit.ResourceEvidenceRecord,
			ResourceID:   record.ID.String(),
			ActorContext: record.Submitter,
			ContextData:  data,
		})
		if err != nil {
			r.logger.ErrorContext(ctx, "failed to emit audit entry",
				"action", action,
				"record_id", record.ID.String(),
				"error", err.Error(),
			)
		}
	}
	if r.notifier != nil {
		r.notifier.Publish(ctx, notify.Event{
			RecordID:        record.ID,
			Fingerprint:     record.Fingerprint,
			Status:          string(record.Status),
			LedgerReference: record.LedgerReference,
			ErrorDetail:     record.ErrorDetail,
			Timestamp:       record.UpdatedAt,
		})
	}
}
