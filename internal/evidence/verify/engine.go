// Package verify answers fingerprint verification queries local-first with
// ledger fallback. Every query leaves exactly one verification attempt in the
// audit record, whatever the outcome.
package verify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/mssola/useragent"

	"anchorline/internal/evidence/fingerprint"
	"anchorline/internal/evidence/ledger"
	"anchorline/internal/evidence/metrics"
	"anchorline/internal/evidence/models"
	"anchorline/internal/evidence/store"
	id "anchorline/pkg/domain"
	dErrors "anchorline/pkg/domain-errors"
	"anchorline/pkg/platform/audit"
	"anchorline/pkg/platform/sentinel"
	"anchorline/pkg/requestcontext"
)

// Answer is the verification payload returned to callers.
type Answer struct {
	Fingerprint     string
	Result          models.VerificationResult
	Source          models.VerificationSource
	RecordID        *id.RecordID
	Status          models.Status
	LedgerReference string
	LedgerHeight    int64
	LedgerTimestamp time.Time
}

type AuditPublisher interface {
	Emit(ctx context.Context, entry audit.Entry) error
}

// Engine resolves verification queries.
type Engine struct {
	records  store.EvidenceStore
	attempts store.AttemptStore
	ledger   ledger.Client
	cache    Cache

	logger  *slog.Logger
	auditor AuditPublisher
	metrics *metrics.Metrics
}

type Option func(*Engine)

func WithCache(cache Cache) Option {
	return func(e *Engine) { e.cache = cache }
}

func WithLogger(logger *slog.Logger) Option {
	return func(e *Engine) { e.logger = logger }
}

func WithAuditPublisher(publisher AuditPublisher) Option {
	return func(e *Engine) { e.auditor = publisher }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(e *Engine) { e.metrics = m }
}

// New constructs a verification Engine.
func New(records store.EvidenceStore, attempts store.AttemptStore, ledgerClient ledger.Client, opts ...Option) (*Engine, error) {
	if records == nil {
		return nil, errors.New("evidence store is required")
	}
	if attempts == nil {
		return nil, errors.New("attempt store is required")
	}
	if ledgerClient == nil {
		return nil, errors.New("ledger client is required")
	}

	e := &Engine{
		records:  records,
		attempts: attempts,
		ledger:   ledgerClient,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e, nil
}

// Verify resolves one fingerprint query. Returns a not_found Answer together
// with a coded not_found error so transports can map it to 404.
func (e *Engine) Verify(ctx context.Context, claimed string) (*Answer, error) {
	start := time.Now()

	canonical, err := fingerprint.Normalize(claimed)
	if err != nil {
		e.recordAttempt(ctx, claimed, models.ResultNotFound, models.SourceLocal, nil, start)
		return nil, err
	}

	answer, err := e.resolve(ctx, canonical)
	if answer != nil {
		e.recordAttempt(ctx, canonical, answer.Result, answer.Source, answer.RecordID, start)
		e.metrics.IncrementVerification(string(answer.Result), string(answer.Source))
	} else {
		e.recordAttempt(ctx, canonical, models.ResultNotFound, models.SourceLedger, nil, start)
	}
	return answer, err
}

func (e *Engine) resolve(ctx context.Context, canonical string) (*Answer, error) {
	if e.cache != nil {
		if cached, ok := e.cache.Get(ctx, canonical); ok {
			recordID, err := id.ParseRecordID(cached.RecordID)
			if err == nil {
				return &Answer{
					Fingerprint:     canonical,
					Result:          models.ResultValid,
					Source:          models.SourceLocal,
					RecordID:        &recordID,
					Status:          models.StatusConfirmed,
					LedgerReference: cached.LedgerReference,
					LedgerHeight:    cached.LedgerHeight,
					LedgerTimestamp: cached.LedgerTimestamp,
				}, nil
			}
		}
	}

	record, err := e.records.FindByFingerprint(ctx, canonical)
	if err != nil && !errors.Is(err, sentinel.ErrNotFound) {
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to look up fingerprint")
	}

	if record != nil && record.Status == models.StatusConfirmed {
		e.cacheConfirmed(ctx, record)
		return answerFromRecord(record, models.SourceLocal), nil
	}

	// Not locally confirmed; the ledger is the final authority.
	anchor, err := e.ledger.Query(ctx, canonical)
	if err != nil {
		if errors.Is(err, sentinel.ErrNotFound) {
			return e.notFound(canonical, record), dErrors.New(dErrors.CodeNotFound, "fingerprint is not registered")
		}
		return nil, err
	}

	backfilled := e.backfill(ctx, canonical, record, anchor)
	if backfilled != nil {
		e.cacheConfirmed(ctx, backfilled)
	}

	answer := &Answer{
		Fingerprint:     canonical,
		Result:          models.ResultValid,
		Source:          models.SourceLedger,
		Status:          models.StatusConfirmed,
		LedgerReference: anchor.Reference,
		LedgerHeight:    anchor.Height,
		LedgerTimestamp: anchor.Timestamp,
	}
	if backfilled != nil {
		answer.RecordID = &backfilled.ID
	} else if record != nil {
		answer.RecordID = &record.ID
	}
	return answer, nil
}

// backfill converges local state onto a discovered anchor. All conflicts and
// lost races are tolerated: someone else finished the same repair.
func (e *Engine) backfill(ctx context.Context, canonical string, record *models.EvidenceRecord, anchor *ledger.Anchor) *models.EvidenceRecord {
	if record != nil {
		if record.Status != models.StatusProcessing {
			return nil
		}
		fields := models.TransitionFields{
			LedgerReference: &anchor.Reference,
			LedgerHeight:    &anchor.Height,
			LedgerTimestamp: &anchor.Timestamp,
		}
		updated, err := e.records.Transition(ctx, record.ID, models.StatusProcessing, models.StatusConfirmed, fields)
		if err != nil {
			var stateErr *models.InvalidStateError
			if !errors.As(err, &stateErr) {
				e.logger.ErrorContext(ctx, "verification backfill transition failed",
					"record_id", record.ID.String(),
					"error", err.Error(),
				)
			}
			return nil
		}
		e.metrics.IncrementTransition(string(models.StatusConfirmed))
		return updated
	}

	// The ledger holds an anchor this service never issued. Record it and
	// raise the anomaly for operators.
	now := requestcontext.Now(ctx)
	created := &models.EvidenceRecord{
		ID:              id.NewRecordID(),
		Fingerprint:     canonical,
		Status:          models.StatusConfirmed,
		LedgerReference: anchor.Reference,
		LedgerHeight:    anchor.Height,
		LedgerTimestamp: anchor.Timestamp,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	if err := e.records.Create(ctx, created); err != nil {
		var conflictErr *models.ConflictError
		if !errors.As(err, &conflictErr) {
			e.logger.ErrorContext(ctx, "verification backfill insert failed",
				"fingerprint", canonical,
				"error", err.Error(),
			)
		}
		return nil
	}

	e.logger.WarnContext(ctx, "ledger holds anchor with no local record",
		"fingerprint", canonical,
		"ledger_reference", anchor.Reference,
	)
	if e.auditor != nil {
		_ = e.auditor.Emit(ctx, audit.Entry{
			Action:       audit.ActionLedgerAnomaly,
			ResourceType: audit.ResourceFingerprint,
			ResourceID:   canonical,
			ContextData: map[string]any{
				"ledger_reference": anchor.Reference,
				"backfill_record":  created.ID.String(),
			},
		})
	}
	return created
}

func (e *Engine) cacheConfirmed(ctx context.Context, record *models.EvidenceRecord) {
	if e.cache == nil {
		return
	}
	e.cache.Set(ctx, record.Fingerprint, CachedAnchor{
		RecordID:        record.ID.String(),
		LedgerReference: record.LedgerReference,
		LedgerHeight:    record.LedgerHeight,
		LedgerTimestamp: record.LedgerTimestamp,
	})
}

func (e *Engine) notFound(canonical string, record *models.EvidenceRecord) *Answer {
	answer := &Answer{
		Fingerprint: canonical,
		Result:      models.ResultNotFound,
		Source:      models.SourceLedger,
	}
	if record != nil {
		answer.RecordID = &record.ID
		answer.Status = record.Status
	}
	return answer
}

// recordAttempt appends the single attempt row for this call. Append failures
// are logged; the answer already computed is still returned.
func (e *Engine) recordAttempt(ctx context.Context, fp string, result models.VerificationResult, source models.VerificationSource, matched *id.RecordID, start time.Time) {
	attempt := models.VerificationAttempt{
		ID:                   id.NewAttemptID(),
		SubmittedFingerprint: fp,
		MatchedRecordID:      matched,
		Result:               result,
		Source:               source,
		RequesterContext:     condenseRequester(ctx),
		DurationMs:           time.Since(start).Milliseconds(),
		Timestamp:            requestcontext.Now(ctx),
	}
	if err := e.attempts.AppendAttempt(ctx, attempt); err != nil {
		e.logger.ErrorContext(ctx, "failed to append verification attempt",
			"fingerprint", fp,
			"error", err.Error(),
		)
	}
}

// condenseRequester summarizes who asked: client IP plus a compact browser
// and OS tag parsed from the User-Agent.
func condenseRequester(ctx context.Context) string {
	ip := requestcontext.ClientIP(ctx)
	raw := requestcontext.UserAgent(ctx)
	if raw == "" {
		return "ip=" + ip
	}

	ua := useragent.New(raw)
	name, version := ua.Browser()
	if name == "" {
		return fmt.Sprintf("ip=%s agent=%s", ip, raw)
	}
	return fmt.Sprintf("ip=%s agent=%s/%s os=%s", ip, name, version, ua.OS())
}
