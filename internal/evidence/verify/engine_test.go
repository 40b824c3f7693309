package verify

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"

	"anchorline/internal/evidence/ledger"
	"anchorline/internal/evidence/models"
	"anchorline/internal/evidence/store"
	id "anchorline/pkg/domain"
	dErrors "anchorline/pkg/domain-errors"
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

func (f *fakeLedger) queryCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.queries
}

type fakeCache struct {
	mu      sync.Mutex
	entries map[string]CachedAnchor
}

func newFakeCache() *fakeCache {
	return &fakeCache{entries: make(map[string]CachedAnchor)}
}

func (c *fakeCache) Get(_ context.Context, fp string) (*CachedAnchor, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if anchor, ok := c.entries[fp]; ok {
		return &anchor, true
	}
	return nil, false
}

func (c *fakeCache) Set(_ context.Context, fp string, anchor CachedAnchor) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[fp] = anchor
}

// ---------------------------------------------------------------------------
// VerifySuite
// ---------------------------------------------------------------------------

type VerifySuite struct {
	suite.Suite
	ctx        context.Context
	records    *store.InMemoryStore
	ledger     *fakeLedger
	cache      *fakeCache
	auditStore *auditmemory.InMemoryStore
	engine     *Engine
}

func TestVerifySuite(t *testing.T) {
	suite.Run(t, new(VerifySuite))
}

func (s *VerifySuite) SetupTest() {
	s.ctx = requestcontext.WithClientMetadata(context.Background(), "203.0.113.9",
		"Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36")
	s.records = store.NewInMemoryStore()
	s.ledger = newFakeLedger()
	s.cache = newFakeCache()
	s.auditStore = auditmemory.NewInMemoryStore()

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	engine, err := New(s.records, s.records, s.ledger,
		WithCache(s.cache),
		WithLogger(logger),
		WithAuditPublisher(audit.NewPublisher(s.auditStore)),
	)
	s.Require().NoError(err)
	s.engine = engine
}

const testDigest = "sha256:aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa"

func (s *VerifySuite) seedRecord(status models.Status, ref string) *models.EvidenceRecord {
	now := time.Now().UTC()
	record := &models.EvidenceRecord{
		ID:          id.NewRecordID(),
		Fingerprint: testDigest,
		Submitter:   "submitter-1",
		Status:      status,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if ref != "" {
		record.LedgerReference = ref
		record.LedgerHeight = 1042
		record.LedgerTimestamp = now
	}
	s.Require().NoError(s.records.Create(s.ctx, record))
	return record
}

func (s *VerifySuite) attempts() []models.VerificationAttempt {
	attempts, err := s.records.ListAttemptsByFingerprint(s.ctx, testDigest, 100)
	s.Require().NoError(err)
	return attempts
}

func (s *VerifySuite) TestConfirmedLocalRecordIsValid() {
	record := s.seedRecord(models.StatusConfirmed, "tx-001")

	answer, err := s.engine.Verify(s.ctx, testDigest)
	s.Require().NoError(err)
	s.Equal(models.ResultValid, answer.Result)
	s.Equal(models.SourceLocal, answer.Source)
	s.Equal(record.ID, *answer.RecordID)
	s.Equal("tx-001", answer.LedgerReference)
	s.Zero(s.ledger.queryCount(), "a confirmed local record never hits the ledger")

	s.Run("answer is cached for the fast path", func() {
		cached, ok := s.cache.Get(s.ctx, testDigest)
		s.Require().True(ok)
		s.Equal("tx-001", cached.LedgerReference)
	})

	s.Run("exactly one attempt was appended", func() {
		attempts := s.attempts()
		s.Require().Len(attempts, 1)
		s.Equal(models.ResultValid, attempts[0].Result)
		s.Equal(models.SourceLocal, attempts[0].Source)
		s.Equal(record.ID, *attempts[0].MatchedRecordID)
		s.Contains(attempts[0].RequesterContext, "ip=203.0.113.9")
		s.Contains(attempts[0].RequesterContext, "Chrome")
	})
}

func (s *VerifySuite) TestCacheHitSkipsStoreAndLedger() {
	record := s.seedRecord(models.StatusConfirmed, "tx-001")
	s.cache.Set(s.ctx, testDigest, CachedAnchor{
		RecordID:        record.ID.String(),
		LedgerReference: "tx-001",
	})

	answer, err := s.engine.Verify(s.ctx, testDigest)
	s.Require().NoError(err)
	s.Equal(models.ResultValid, answer.Result)
	s.Equal(models.SourceLocal, answer.Source)
	s.Zero(s.ledger.queryCount())
	s.Len(s.attempts(), 1)
}

func (s *VerifySuite) TestProcessingRecordBackfilledFromLedger() {
	record := s.seedRecord(models.StatusProcessing, "")
	s.ledger.anchors[testDigest] = &ledger.Anchor{
		Reference: "tx-discovered",
		Height:    88,
		Timestamp: time.Now().UTC(),
	}

	answer, err := s.engine.Verify(s.ctx, testDigest)
	s.Require().NoError(err)
	s.Equal(models.ResultValid, answer.Result)
	s.Equal(models.SourceLedger, answer.Source)
	s.Equal("tx-discovered", answer.LedgerReference)

	final, err := s.records.FindByID(s.ctx, record.ID)
	s.Require().NoError(err)
	s.Equal(models.StatusConfirmed, final.Status)
	s.Equal("tx-discovered", final.LedgerReference)
}

func (s *VerifySuite) TestUnknownFingerprintBackfillsAndRaisesAnomaly() {
	s.ledger.anchors[testDigest] = &ledger.Anchor{
		Reference: "tx-foreign",
		Height:    12,
		Timestamp: time.Now().UTC(),
	}

	answer, err := s.engine.Verify(s.ctx, testDigest)
	s.Require().NoError(err)
	s.Equal(models.ResultValid, answer.Result)
	s.Equal(models.SourceLedger, answer.Source)
	s.Require().NotNil(answer.RecordID)

	s.Run("a confirmed local record now exists", func() {
		record, err := s.records.FindByFingerprint(s.ctx, testDigest)
		s.Require().NoError(err)
		s.Equal(models.StatusConfirmed, record.Status)
		s.Equal("tx-foreign", record.LedgerReference)
	})

	s.Run("the anomaly is on the audit trail", func() {
		entries, err := s.auditStore.ListByResource(s.ctx, audit.ResourceFingerprint, testDigest)
		s.Require().NoError(err)
		s.Require().Len(entries, 1)
		s.Equal(audit.ActionLedgerAnomaly, entries[0].Action)
		s.Equal("tx-foreign", entries[0].ContextData["ledger_reference"])
	})
}

func (s *VerifySuite) TestUnregisteredFingerprintIsNotFound() {
	answer, err := s.engine.Verify(s.ctx, testDigest)
	s.Require().Error(err)
	s.True(dErrors.HasCode(err, dErrors.CodeNotFound))
	s.Require().NotNil(answer)
	s.Equal(models.ResultNotFound, answer.Result)

	attempts := s.attempts()
	s.Require().Len(attempts, 1)
	s.Equal(models.ResultNotFound, attempts[0].Result)
	s.Nil(attempts[0].MatchedRecordID)
}

func (s *VerifySuite) TestUnconfirmedRecordFallsThroughToLedger() {
	s.seedRecord(models.StatusProcessing, "")

	answer, err := s.engine.Verify(s.ctx, testDigest)
	s.Require().Error(err)
	s.True(dErrors.HasCode(err, dErrors.CodeNotFound))
	s.Equal(models.ResultNotFound, answer.Result)
	s.Equal(1, s.ledger.queryCount(), "unconfirmed local state defers to the ledger")
}

func (s *VerifySuite) TestLedgerOutageSurfacesTransient() {
	s.ledger.err = &ledger.TransientError{Cause: fmt.Errorf("connection refused")}

	answer, err := s.engine.Verify(s.ctx, testDigest)
	s.Require().Error(err)
	s.Nil(answer)

	s.Len(s.attempts(), 1, "even a failed query leaves an attempt behind")
}

func (s *VerifySuite) TestMalformedFingerprintRecordsAttempt() {
	_, err := s.engine.Verify(s.ctx, "not-a-digest")
	s.Require().Error(err)
	s.True(dErrors.HasCode(err, dErrors.CodeInvalidInput))

	attempts, listErr := s.records.ListAttemptsByFingerprint(s.ctx, "not-a-digest", 10)
	s.Require().NoError(listErr)
	s.Len(attempts, 1)
}

func (s *VerifySuite) TestBareHexIsNormalized() {
	s.seedRecord(models.StatusConfirmed, "tx-001")

	answer, err := s.engine.Verify(s.ctx, testDigest[len("sha256:"):])
	s.Require().NoError(err)
	s.Equal(models.ResultValid, answer.Result)
	s.Equal(testDigest, answer.Fingerprint)
}

func TestCondenseRequester(t *testing.T) {
	t.Run("no user agent", func(t *testing.T) {
		ctx := requestcontext.WithClientMetadata(context.Background(), "198.51.100.7", "")
		require.Equal(t, "ip=198.51.100.7", condenseRequester(ctx))
	})

	t.Run("browser user agent is condensed", func(t *testing.T) {
		ctx := requestcontext.WithClientMetadata(context.Background(), "198.51.100.7",
			"Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36")
		condensed := condenseRequester(ctx)
		require.Contains(t, condensed, "ip=198.51.100.7")
		require.Contains(t, condensed, "Chrome")
		require.NotContains(t, condensed, "AppleWebKit", "raw token soup must not be stored")
	})
}
