package reconciler

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"

	"anchorline/internal/evidence/ledger"
	"anchorline/internal/evidence/models"
	"anchorline/internal/evidence/orchestrator"
	"anchorline/internal/evidence/store"
	id "anchorline/pkg/domain"
	"anchorline/pkg/platform/audit"
	auditmemory "anchorline/pkg/platform/audit/store/memory"
	"anchorline/pkg/platform/sentinel"
	"anchorline/pkg/requestcontext"
)

type fakeLedger struct {
	mu      sync.Mutex
	anchors map[string]*ledger.Anchor
	err     error
	queries int
}

func newFakeLedger() *fakeLedger {
	return &fakeLedger{anchors: make(map[string]*ledger.Anchor)}
}

func (f *fakeLedger) Submit(context.Context, ledger.SubmitRequest) (*ledger.Anchor, error) {
	return nil, &ledger.TransientError{Cause: fmt.Errorf("not under test")}
}

func (f *fakeLedger) Query(_ context.Context, fp string) (*ledger.Anchor, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.queries++
	if f.err != nil {
		return nil, f.err
	}
	if anchor, ok := f.anchors[fp]; ok {
		return anchor, nil
	}
	return nil, fmt.Errorf("anchor: %w", sentinel.ErrNotFound)
}

type fakeQueue struct {
	mu          sync.Mutex
	submissions []orchestrator.Submission
}

func (q *fakeQueue) Enqueue(sub orchestrator.Submission) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.submissions = append(q.submissions, sub)
	return nil
}

func (q *fakeQueue) all() []orchestrator.Submission {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]orchestrator.Submission{}, q.submissions...)
}

// ---------------------------------------------------------------------------
// ReconcilerSuite
// ---------------------------------------------------------------------------

type ReconcilerSuite struct {
	suite.Suite
	ctx        context.Context
	records    *store.InMemoryStore
	ledger     *fakeLedger
	queue      *fakeQueue
	auditStore *auditmemory.InMemoryStore
	reconciler *Reconciler
}

func TestReconcilerSuite(t *testing.T) {
	suite.Run(t, new(ReconcilerSuite))
}

func (s *ReconcilerSuite) SetupTest() {
	s.ctx = context.Background()
	s.records = store.NewInMemoryStore()
	s.ledger = newFakeLedger()
	s.queue = &fakeQueue{}
	s.auditStore = auditmemory.NewInMemoryStore()

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	r, err := New(s.records, s.ledger, s.queue,
		WithThresholds(5*time.Minute, 30*time.Minute),
		WithMaxRetries(3),
		WithConcurrency(2),
		WithLogger(logger),
		WithAuditPublisher(audit.NewPublisher(s.auditStore)),
	)
	s.Require().NoError(err)
	s.reconciler = r
}

// seedRecord creates a record in the given status with the given age.
func (s *ReconcilerSuite) seedRecord(fp string, status models.Status, age time.Duration) *models.EvidenceRecord {
	stamp := time.Now().Add(-age).UTC()
	record := &models.EvidenceRecord{
		ID:          id.NewRecordID(),
		Fingerprint: fp,
		Submitter:   "submitter-1",
		Status:      models.StatusPending,
		CreatedAt:   stamp,
		UpdatedAt:   stamp,
	}
	s.Require().NoError(s.records.Create(s.ctx, record))

	aged := requestcontext.WithTime(s.ctx, stamp)
	if status == models.StatusProcessing || status == models.StatusFailed {
		_, err := s.records.Transition(aged, record.ID, models.StatusPending, models.StatusProcessing, models.TransitionFields{})
		s.Require().NoError(err)
	}
	if status == models.StatusFailed {
		retryable := true
		_, err := s.records.Transition(aged, record.ID, models.StatusProcessing, models.StatusFailed, models.TransitionFields{
			Retryable: &retryable,
		})
		s.Require().NoError(err)
	}
	return record
}

func (s *ReconcilerSuite) TestStuckRecordConfirmedFromDiscoveredAnchor() {
	record := s.seedRecord("sha256:found", models.StatusProcessing, 10*time.Minute)
	s.ledger.anchors["sha256:found"] = &ledger.Anchor{
		Reference: "tx-discovered",
		Height:    77,
		Timestamp: time.Now().UTC(),
	}

	s.Require().NoError(s.reconciler.Sweep(s.ctx))

	final, err := s.records.FindByID(s.ctx, record.ID)
	s.Require().NoError(err)
	s.Equal(models.StatusConfirmed, final.Status)
	s.Equal("tx-discovered", final.LedgerReference)
	s.Equal(int64(77), final.LedgerHeight)

	entries, err := s.auditStore.ListByResource(s.ctx, audit.ResourceEvidenceRecord, record.ID.String())
	s.Require().NoError(err)
	s.Require().Len(entries, 1)
	s.Equal(audit.ActionEvidenceReconciled, entries[0].Action)
	s.Equal("confirmed", entries[0].ContextData["repair"])
}

func (s *ReconcilerSuite) TestStuckRecordWithinFailWindowIsLeftAlone() {
	record := s.seedRecord("sha256:young", models.StatusProcessing, 10*time.Minute)

	s.Require().NoError(s.reconciler.Sweep(s.ctx))

	final, err := s.records.FindByID(s.ctx, record.ID)
	s.Require().NoError(err)
	s.Equal(models.StatusProcessing, final.Status, "the anchor may still appear")
}

func (s *ReconcilerSuite) TestStuckRecordPastFailWindowIsFailed() {
	record := s.seedRecord("sha256:ancient", models.StatusProcessing, time.Hour)

	s.Require().NoError(s.reconciler.Sweep(s.ctx))

	final, err := s.records.FindByID(s.ctx, record.ID)
	s.Require().NoError(err)
	s.Equal(models.StatusFailed, final.Status)
	s.Equal("ledger unreachable", final.ErrorDetail)
	s.True(final.Retryable)
}

func (s *ReconcilerSuite) TestLedgerOutageLeavesRecordsUntouched() {
	record := s.seedRecord("sha256:outage", models.StatusProcessing, time.Hour)
	s.ledger.err = &ledger.TransientError{Cause: fmt.Errorf("connection refused")}

	s.Require().NoError(s.reconciler.Sweep(s.ctx))

	final, err := s.records.FindByID(s.ctx, record.ID)
	s.Require().NoError(err)
	s.Equal(models.StatusProcessing, final.Status, "no repair without a ledger answer")
}

func (s *ReconcilerSuite) TestStalledPendingRecordIsResumed() {
	// The intake transition was lost; the record holds its fingerprint but
	// never reached the orchestrator.
	record := s.seedRecord("sha256:stalled", models.StatusPending, 10*time.Minute)

	s.Require().NoError(s.reconciler.Sweep(s.ctx))

	final, err := s.records.FindByID(s.ctx, record.ID)
	s.Require().NoError(err)
	s.Equal(models.StatusProcessing, final.Status)

	subs := s.queue.all()
	s.Require().Len(subs, 1)
	s.Equal(record.ID, subs[0].RecordID)

	entries, err := s.auditStore.ListByResource(s.ctx, audit.ResourceEvidenceRecord, record.ID.String())
	s.Require().NoError(err)
	s.Require().Len(entries, 1)
	s.Equal(audit.ActionEvidenceReconciled, entries[0].Action)
	s.Equal("resumed", entries[0].ContextData["repair"])
	s.Zero(s.ledger.queries, "a pending record never reached the ledger")
}

func (s *ReconcilerSuite) TestFreshPendingRecordIsLeftAlone() {
	record := s.seedRecord("sha256:fresh-pending", models.StatusPending, time.Minute)

	s.Require().NoError(s.reconciler.Sweep(s.ctx))

	final, err := s.records.FindByID(s.ctx, record.ID)
	s.Require().NoError(err)
	s.Equal(models.StatusPending, final.Status)
	s.Empty(s.queue.all())
}

func (s *ReconcilerSuite) TestRetryableFailureIsRequeued() {
	record := s.seedRecord("sha256:retry", models.StatusFailed, 10*time.Minute)

	s.Require().NoError(s.reconciler.Sweep(s.ctx))

	final, err := s.records.FindByID(s.ctx, record.ID)
	s.Require().NoError(err)
	s.Equal(models.StatusProcessing, final.Status)
	s.Equal(1, final.RetryCount)

	subs := s.queue.all()
	s.Require().Len(subs, 1)
	s.Equal(record.ID, subs[0].RecordID)

	entries, err := s.auditStore.ListByResource(s.ctx, audit.ResourceEvidenceRecord, record.ID.String())
	s.Require().NoError(err)
	s.Require().Len(entries, 1)
	s.Equal(audit.ActionEvidenceRetried, entries[0].Action)
}

func (s *ReconcilerSuite) TestRetryCapStopsRequeueing() {
	record := s.seedRecord("sha256:capped", models.StatusFailed, 10*time.Minute)

	// Exhaust the retry budget.
	for i := 0; i < 3; i++ {
		_, err := s.records.Transition(s.ctx, record.ID, models.StatusFailed, models.StatusProcessing, models.TransitionFields{IncrementRetry: true})
		s.Require().NoError(err)
		_, err = s.records.Transition(s.ctx, record.ID, models.StatusProcessing, models.StatusFailed, models.TransitionFields{})
		s.Require().NoError(err)
	}

	s.Require().NoError(s.reconciler.Sweep(s.ctx))

	final, err := s.records.FindByID(s.ctx, record.ID)
	s.Require().NoError(err)
	s.Equal(models.StatusFailed, final.Status, "exhausted records stay failed")
	s.Empty(s.queue.all())
}

func (s *ReconcilerSuite) TestSweepIsSingleFlight() {
	// A sweep in progress makes overlapping calls return immediately.
	s.reconciler.sweeping.Store(true)
	s.Require().NoError(s.reconciler.Sweep(s.ctx))
	s.Zero(s.ledger.queries)
	s.reconciler.sweeping.Store(false)
}

func TestReconciler_RunStopsOnCancel(t *testing.T) {
	records := store.NewInMemoryStore()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	r, err := New(records, newFakeLedger(), &fakeQueue{},
		WithInterval(10*time.Millisecond),
		WithLogger(logger),
	)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		r.Run(ctx)
	}()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("reconciler loop did not stop on cancellation")
	}
	assert.False(t, r.sweeping.Load())
}
