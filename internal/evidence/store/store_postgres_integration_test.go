//go:build integration

package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/suite"

	"anchorline/internal/evidence/models"
	id "anchorline/pkg/domain"
	"anchorline/pkg/platform/sentinel"
	txcontext "anchorline/pkg/platform/tx"
	"anchorline/pkg/testutil/containers"
)

// ---------------------------------------------------------------------------
// PostgresStoreSuite
// ---------------------------------------------------------------------------

type PostgresStoreSuite struct {
	suite.Suite
	ctx      context.Context
	postgres *containers.PostgresContainer
	store    *PostgresStore
}

func TestPostgresStoreSuite(t *testing.T) {
	suite.Run(t, new(PostgresStoreSuite))
}

func (s *PostgresStoreSuite) SetupSuite() {
	s.ctx = context.Background()
	s.postgres = containers.GetManager().GetPostgres(s.T())
	s.store = NewPostgresStore(s.postgres.DB)
}

func (s *PostgresStoreSuite) SetupTest() {
	s.Require().NoError(s.postgres.TruncateTables(s.ctx, "evidence_records", "verification_attempts"))
}

func (s *PostgresStoreSuite) newRecord(fp string) *models.EvidenceRecord {
	now := time.Now().UTC().Truncate(time.Microsecond)
	return &models.EvidenceRecord{
		ID:              id.NewRecordID(),
		Fingerprint:     fp,
		OriginalSource:  "https://example.org/artifact",
		Title:           "artifact",
		CaptureMetadata: map[string]string{"camera": "unit-7"},
		Submitter:       "submitter-1",
		Signature:       "sig-ed25519-deadbeef",
		Status:          models.StatusPending,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
}

func (s *PostgresStoreSuite) mustCreate(fp string) *models.EvidenceRecord {
	record := s.newRecord(fp)
	s.Require().NoError(s.store.Create(s.ctx, record))
	return record
}

func (s *PostgresStoreSuite) TestCreateAndFind() {
	record := s.mustCreate("sha256:aaa")

	found, err := s.store.FindByID(s.ctx, record.ID)
	s.Require().NoError(err)
	s.Equal(record.Fingerprint, found.Fingerprint)
	s.Equal(models.StatusPending, found.Status)
	s.Equal(map[string]string{"camera": "unit-7"}, found.CaptureMetadata)
	s.Equal("sig-ed25519-deadbeef", found.Signature)

	byFp, err := s.store.FindByFingerprint(s.ctx, "sha256:aaa")
	s.Require().NoError(err)
	s.Equal(record.ID, byFp.ID)

	_, err = s.store.FindByID(s.ctx, id.NewRecordID())
	s.Require().ErrorIs(err, sentinel.ErrNotFound)
}

func (s *PostgresStoreSuite) TestUniqueIndexArbitratesDuplicates() {
	first := s.mustCreate("sha256:dup")

	err := s.store.Create(s.ctx, s.newRecord("sha256:dup"))
	var conflictErr *models.ConflictError
	s.Require().ErrorAs(err, &conflictErr)
	s.Equal(first.ID, conflictErr.Existing.ID)

	// Rejecting the holder releases the fingerprint for re-registration.
	_, err = s.store.Transition(s.ctx, first.ID, models.StatusPending, models.StatusRejected, models.TransitionFields{})
	s.Require().NoError(err)
	s.NoError(s.store.Create(s.ctx, s.newRecord("sha256:dup")))
}

func (s *PostgresStoreSuite) TestTransitionCompareAndSet() {
	record := s.mustCreate("sha256:bbb")

	updated, err := s.store.Transition(s.ctx, record.ID, models.StatusPending, models.StatusProcessing, models.TransitionFields{})
	s.Require().NoError(err)
	s.Equal(models.StatusProcessing, updated.Status)

	s.Run("stale precondition loses", func() {
		_, err := s.store.Transition(s.ctx, record.ID, models.StatusPending, models.StatusProcessing, models.TransitionFields{})
		var stateErr *models.InvalidStateError
		s.Require().ErrorAs(err, &stateErr)
		s.Equal(models.StatusProcessing, stateErr.Current)
	})

	s.Run("confirm writes ledger fields atomically", func() {
		ref := "tx-001"
		height := int64(1042)
		ts := time.Now().UTC().Truncate(time.Microsecond)
		confirmed, err := s.store.Transition(s.ctx, record.ID, models.StatusProcessing, models.StatusConfirmed, models.TransitionFields{
			LedgerReference: &ref,
			LedgerHeight:    &height,
			LedgerTimestamp: &ts,
		})
		s.Require().NoError(err)
		s.Equal("tx-001", confirmed.LedgerReference)
		s.Equal(int64(1042), confirmed.LedgerHeight)
		s.True(ts.Equal(confirmed.LedgerTimestamp))
	})

	s.Run("terminal state refuses further transitions", func() {
		_, err := s.store.Transition(s.ctx, record.ID, models.StatusConfirmed, models.StatusFailed, models.TransitionFields{})
		var stateErr *models.InvalidStateError
		s.Require().ErrorAs(err, &stateErr)
	})
}

func (s *PostgresStoreSuite) TestRetryAccounting() {
	record := s.mustCreate("sha256:ccc")
	_, err := s.store.Transition(s.ctx, record.ID, models.StatusPending, models.StatusProcessing, models.TransitionFields{})
	s.Require().NoError(err)

	detail := "ledger timeout"
	retryable := true
	_, err = s.store.Transition(s.ctx, record.ID, models.StatusProcessing, models.StatusFailed, models.TransitionFields{
		ErrorDetail: &detail,
		Retryable:   &retryable,
	})
	s.Require().NoError(err)

	updated, err := s.store.Transition(s.ctx, record.ID, models.StatusFailed, models.StatusProcessing, models.TransitionFields{
		IncrementRetry: true,
	})
	s.Require().NoError(err)
	s.Equal(1, updated.RetryCount)
	s.Equal("ledger timeout", updated.ErrorDetail)
}

func (s *PostgresStoreSuite) TestStalenessScans() {
	stale := s.mustCreate("sha256:stale")
	fresh := s.mustCreate("sha256:fresh")

	past := time.Now().Add(-10 * time.Minute).UTC()
	_, err := s.postgres.DB.ExecContext(s.ctx,
		`UPDATE evidence_records SET status = 'processing', updated_at = $2 WHERE id = $1`,
		stale.ID.String(), past)
	s.Require().NoError(err)
	_, err = s.store.Transition(s.ctx, fresh.ID, models.StatusPending, models.StatusProcessing, models.TransitionFields{})
	s.Require().NoError(err)

	stuck, err := s.store.ListStuckProcessing(s.ctx, 5*time.Minute, 10)
	s.Require().NoError(err)
	s.Require().Len(stuck, 1)
	s.Equal(stale.ID, stuck[0].ID)
}

func (s *PostgresStoreSuite) TestStalePendingScan() {
	stalled := s.mustCreate("sha256:old-pending")
	s.mustCreate("sha256:new-pending")

	past := time.Now().Add(-10 * time.Minute).UTC()
	_, err := s.postgres.DB.ExecContext(s.ctx,
		`UPDATE evidence_records SET updated_at = $2 WHERE id = $1`,
		stalled.ID.String(), past)
	s.Require().NoError(err)

	pending, err := s.store.ListStalePending(s.ctx, 5*time.Minute, 10)
	s.Require().NoError(err)
	s.Require().Len(pending, 1)
	s.Equal(stalled.ID, pending[0].ID)
}

func (s *PostgresStoreSuite) TestAmbientTransactionRollsBackTogether() {
	tx, err := s.postgres.DB.BeginTx(s.ctx, nil)
	s.Require().NoError(err)
	txCtx := txcontext.WithTx(s.ctx, tx)

	record := s.newRecord("sha256:txn")
	s.Require().NoError(s.store.Create(txCtx, record))
	_, err = s.store.Transition(txCtx, record.ID, models.StatusPending, models.StatusProcessing, models.TransitionFields{})
	s.Require().NoError(err)

	s.Require().NoError(tx.Rollback())

	_, err = s.store.FindByID(s.ctx, record.ID)
	s.Require().ErrorIs(err, sentinel.ErrNotFound)
}

func (s *PostgresStoreSuite) TestAttempts() {
	record := s.mustCreate("sha256:ddd")

	attempt := models.VerificationAttempt{
		ID:                   id.NewAttemptID(),
		SubmittedFingerprint: "sha256:ddd",
		MatchedRecordID:      &record.ID,
		Result:               models.ResultValid,
		Source:               models.SourceLocal,
		RequesterContext:     "ip=203.0.113.9",
		DurationMs:           4,
		Timestamp:            time.Now().UTC().Truncate(time.Microsecond),
	}
	s.Require().NoError(s.store.AppendAttempt(s.ctx, attempt))

	attempts, err := s.store.ListAttemptsByFingerprint(s.ctx, "sha256:ddd", 10)
	s.Require().NoError(err)
	s.Require().Len(attempts, 1)
	s.Equal(models.ResultValid, attempts[0].Result)
	s.Equal(record.ID, *attempts[0].MatchedRecordID)
	s.Equal("ip=203.0.113.9", attempts[0].RequesterContext)
}
