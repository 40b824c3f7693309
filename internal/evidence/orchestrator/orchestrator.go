// Package orchestrator drives accepted submissions to a terminal lifecycle
// state. Intake enqueues and returns; a fixed worker pool performs the ledger
// submission and records the outcome through compare-and-set transitions.
package orchestrator

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"anchorline/internal/evidence/ledger"
	"anchorline/internal/evidence/metrics"
	"anchorline/internal/evidence/models"
	"anchorline/internal/evidence/notify"
	"anchorline/internal/evidence/store"
	id "anchorline/pkg/domain"
	dErrors "anchorline/pkg/domain-errors"
	"anchorline/pkg/platform/audit"
)

// Submission is one queued registration awaiting ledger anchoring.
type Submission struct {
	RecordID    id.RecordID
	Fingerprint string
	Submitter   string
	Metadata    map[string]string
}

type AuditPublisher interface {
	Emit(ctx context.Context, entry audit.Entry) error
}

// Orchestrator owns the submission queue and worker pool. A worker never
// drops a submission: every dequeued record reaches confirmed or failed, or
// loses a benign race to the reconciler.
type Orchestrator struct {
	records store.EvidenceStore
	ledger  ledger.Client

	queue   chan Submission
	workers int
	wg      sync.WaitGroup

	logger   *slog.Logger
	auditor  AuditPublisher
	notifier notify.Publisher
	metrics  *metrics.Metrics
}

type Option func(*Orchestrator)

func WithWorkers(n int) Option {
	return func(o *Orchestrator) {
		if n > 0 {
			o.workers = n
		}
	}
}

func WithQueueSize(n int) Option {
	return func(o *Orchestrator) {
		if n > 0 {
			o.queue = make(chan Submission, n)
		}
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(o *Orchestrator) {
		o.logger = logger
	}
}

func WithAuditPublisher(publisher AuditPublisher) Option {
	return func(o *Orchestrator) {
		o.auditor = publisher
	}
}

func WithNotifier(notifier notify.Publisher) Option {
	return func(o *Orchestrator) {
		o.notifier = notifier
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(o *Orchestrator) {
		o.metrics = m
	}
}

// New constructs an Orchestrator. Start must be called before Enqueue.
func New(records store.EvidenceStore, ledgerClient ledger.Client, opts ...Option) (*Orchestrator, error) {
	if records == nil {
		return nil, errors.New("evidence store is required")
	}
	if ledgerClient == nil {
		return nil, errors.New("ledger client is required")
	}

	o := &Orchestrator{
		records: records,
		ledger:  ledgerClient,
		workers: 4,
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.queue == nil {
		o.queue = make(chan Submission, 256)
	}
	return o, nil
}

// Start launches the worker pool. Workers run on ctx, detached from any
// intake request; they drain the queue until Stop closes it.
func (o *Orchestrator) Start(ctx context.Context) {
	for i := 0; i < o.workers; i++ {
		o.wg.Add(1)
		go func() {
			defer o.wg.Done()
			for sub := range o.queue {
				o.metrics.SetQueueDepth(len(o.queue))
				o.process(ctx, sub)
			}
		}()
	}
}

// Stop closes the queue and waits for in-flight submissions to finish.
func (o *Orchestrator) Stop() {
	close(o.queue)
	o.wg.Wait()
}

// Enqueue hands a submission to the worker pool without blocking. A full
// queue is backpressure: intake surfaces it as a transient failure.
func (o *Orchestrator) Enqueue(sub Submission) error {
	select {
	case o.queue <- sub:
		o.metrics.SetQueueDepth(len(o.queue))
		return nil
	default:
		return dErrors.New(dErrors.CodeTransient, "registration queue is full")
	}
}

// process performs the ledger submission and records the terminal outcome.
func (o *Orchestrator) process(ctx context.Context, sub Submission) {
	start := time.Now()
	anchor, err := o.ledger.Submit(ctx, ledger.SubmitRequest{
		Fingerprint: sub.Fingerprint,
		Submitter:   sub.Submitter,
		Metadata:    sub.Metadata,
	})
	o.metrics.ObserveLedgerLatency("submit", submitOutcome(err), time.Since(start))

	if err == nil {
		o.confirm(ctx, sub, anchor)
		return
	}
	o.fail(ctx, sub, err)
}

func (o *Orchestrator) confirm(ctx context.Context, sub Submission, anchor *ledger.Anchor) {
	fields := models.TransitionFields{
		LedgerReference: &anchor.Reference,
		LedgerHeight:    &anchor.Height,
		LedgerTimestamp: &anchor.Timestamp,
	}
	record, err := o.records.Transition(ctx, sub.RecordID, models.StatusProcessing, models.StatusConfirmed, fields)
	if err != nil {
		o.logTransitionFailure(ctx, sub, models.StatusConfirmed, err)
		return
	}

	o.metrics.IncrementTransition(string(models.StatusConfirmed))
	o.logger.InfoContext(ctx, "evidence record confirmed",
		"record_id", sub.RecordID.String(),
		"ledger_reference", anchor.Reference,
		"ledger_height", anchor.Height,
	)
	o.emit(ctx, record, audit.ActionEvidenceConfirmed, map[string]any{
		"ledger_reference": anchor.Reference,
		"ledger_height":    anchor.Height,
	})
}

func (o *Orchestrator) fail(ctx context.Context, sub Submission, cause error) {
	detail := cause.Error()
	retryable := isRetryable(cause)
	fields := models.TransitionFields{
		ErrorDetail: &detail,
		Retryable:   &retryable,
	}
	record, err := o.records.Transition(ctx, sub.RecordID, models.StatusProcessing, models.StatusFailed, fields)
	if err != nil {
		o.logTransitionFailure(ctx, sub, models.StatusFailed, err)
		return
	}

	o.metrics.IncrementTransition(string(models.StatusFailed))
	o.logger.ErrorContext(ctx, "evidence record failed",
		"record_id", sub.RecordID.String(),
		"retryable", retryable,
		"error", detail,
	)
	o.emit(ctx, record, audit.ActionEvidenceFailed, map[string]any{
		"error_detail": detail,
		"retryable":    retryable,
	})
}

// logTransitionFailure distinguishes a lost compare-and-set race, which is
// benign, from a store failure, which is not.
func (o *Orchestrator) logTransitionFailure(ctx context.Context, sub Submission, to models.Status, err error) {
	var stateErr *models.InvalidStateError
	if errors.As(err, &stateErr) {
		o.logger.InfoContext(ctx, "transition lost compare-and-set race",
			"record_id", sub.RecordID.String(),
			"target_status", string(to),
			"current_status", string(stateErr.Current),
		)
		return
	}
	o.logger.ErrorContext(ctx, "failed to record submission outcome",
		"record_id", sub.RecordID.String(),
		"target_status", string(to),
		"error", err.Error(),
	)
}

func (o *Orchestrator) emit(ctx context.Context, record *models.EvidenceRecord, action string, data map[string]any) {
	if o.auditor != nil {
		err := o.auditor.Emit(ctx, audit.Entry{
			Action:       action,
			ResourceType: audit.ResourceEvidenceRecord,
			ResourceID:   record.ID.String(),
			ActorContext: record.Submitter,
			ContextData:  data,
		})
		if err != nil {
			o.logger.ErrorContext(ctx, "failed to emit audit entry",
				"action", action,
				"record_id", record.ID.String(),
				"error", err.Error(),
			)
		}
	}
	if o.notifier != nil {
		o.notifier.Publish(ctx, notify.Event{
			RecordID:        record.ID,
			Fingerprint:     record.Fingerprint,
			Status:          string(record.Status),
			LedgerReference: record.LedgerReference,
			ErrorDetail:     record.ErrorDetail,
			Timestamp:       record.UpdatedAt,
		})
	}
}

func submitOutcome(err error) string {
	switch {
	case err == nil:
		return "ok"
	case dErrors.HasCode(unwrapCoded(err), dErrors.CodeCircuitOpen):
		return "circuit_open"
	case isRejected(err):
		return "rejected"
	default:
		return "transient"
	}
}

func isRejected(err error) bool {
	var rejectedErr *ledger.RejectedError
	return errors.As(err, &rejectedErr)
}

// isRetryable marks infrastructure failures for the reconciler's retry sweep.
// Rejections are definitive and never retried.
func isRetryable(err error) bool {
	return !isRejected(err)
}

func unwrapCoded(err error) error {
	var openErr *ledger.CircuitOpenError
	if errors.As(err, &openErr) {
		return openErr.Unwrap()
	}
	return err
}
