package service

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"log/slog"
	"strconv"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"

	"anchorline/internal/evidence/models"
	"anchorline/internal/evidence/notify"
	"anchorline/internal/evidence/orchestrator"
	"anchorline/internal/evidence/store"
	id "anchorline/pkg/domain"
	dErrors "anchorline/pkg/domain-errors"
	"anchorline/pkg/platform/audit"
	auditmemory "anchorline/pkg/platform/audit/store/memory"
	"anchorline/pkg/requestcontext"
)

type fakeQueue struct {
	submissions []orchestrator.Submission
	err         error
}

func (q *fakeQueue) Enqueue(sub orchestrator.Submission) error {
	if q.err != nil {
		return q.err
	}
	q.submissions = append(q.submissions, sub)
	return nil
}

// ---------------------------------------------------------------------------
// IntakeSuite
// ---------------------------------------------------------------------------

type IntakeSuite struct {
	suite.Suite
	ctx        context.Context
	records    *store.InMemoryStore
	queue      *fakeQueue
	auditStore *auditmemory.InMemoryStore
	service    *Service
}

func TestIntakeSuite(t *testing.T) {
	suite.Run(t, new(IntakeSuite))
}

func (s *IntakeSuite) SetupTest() {
	s.ctx = requestcontext.WithSubmitter(context.Background(), "submitter-1")
	s.records = store.NewInMemoryStore()
	s.queue = &fakeQueue{}
	s.auditStore = auditmemory.NewInMemoryStore()

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	svc, err := New(s.records, s.queue,
		WithLogger(logger),
		WithAuditPublisher(audit.NewPublisher(s.auditStore)),
		WithNotifier(notify.NewBroker(logger)),
	)
	s.Require().NoError(err)
	s.service = svc
}

func (s *IntakeSuite) validRequest() RegisterRequest {
	artifact := []byte("the captured artifact")
	sum := sha256.Sum256(artifact)
	return RegisterRequest{
		Fingerprint:     hex.EncodeToString(sum[:]),
		Artifact:        artifact,
		Title:           "capture 001",
		OriginalSource:  "https://example.org/stream",
		CaptureMetadata: map[string]string{"camera": "unit-7"},
	}
}

func (s *IntakeSuite) TestRegisterAcceptsValidSubmission() {
	record, err := s.service.Register(s.ctx, s.validRequest())
	s.Require().NoError(err)

	s.Run("record is durable and processing", func() {
		s.Equal(models.StatusProcessing, record.Status)
		s.Equal("submitter-1", record.Submitter)
		s.True(len(record.Fingerprint) > 7 && record.Fingerprint[:7] == "sha256:")

		found, err := s.records.FindByID(s.ctx, record.ID)
		s.Require().NoError(err)
		s.Equal(models.StatusProcessing, found.Status)
	})

	s.Run("submission is queued", func() {
		s.Require().Len(s.queue.submissions, 1)
		s.Equal(record.ID, s.queue.submissions[0].RecordID)
		s.Equal(record.Fingerprint, s.queue.submissions[0].Fingerprint)
	})

	s.Run("audit trail covers intake and processing", func() {
		entries, err := s.auditStore.ListByResource(s.ctx, audit.ResourceEvidenceRecord, record.ID.String())
		s.Require().NoError(err)
		s.Require().Len(entries, 2)
		s.Equal(audit.ActionEvidenceSubmitted, entries[0].Action)
		s.Equal(audit.ActionEvidenceProcessing, entries[1].Action)
	})
}

func (s *IntakeSuite) TestRegisterRejectsTamperedArtifact() {
	req := s.validRequest()
	req.Artifact = []byte("different bytes entirely")

	_, err := s.service.Register(s.ctx, req)
	var integrityErr *models.IntegrityError
	s.Require().ErrorAs(err, &integrityErr)
	s.NotEqual(integrityErr.Claimed, integrityErr.Computed)

	s.Empty(s.queue.submissions, "nothing may be queued for a tampered artifact")
	entries, listErr := s.auditStore.ListRecent(s.ctx, 10)
	s.Require().NoError(listErr)
	s.Empty(entries, "no record means no audit trail")
}

func (s *IntakeSuite) TestRegisterRejectsMalformedInput() {
	cases := []struct {
		name   string
		mutate func(*RegisterRequest)
	}{
		{"missing fingerprint", func(r *RegisterRequest) { r.Fingerprint = "" }},
		{"missing artifact", func(r *RegisterRequest) { r.Artifact = nil }},
		{"bad fingerprint format", func(r *RegisterRequest) { r.Fingerprint = "md5:abc" }},
		{"oversized metadata", func(r *RegisterRequest) {
			r.CaptureMetadata = map[string]string{}
			for i := 0; i < maxMetadataEntries+1; i++ {
				r.CaptureMetadata[strconv.Itoa(i)] = "v"
			}
		}},
	}

	for _, tc := range cases {
		s.Run(tc.name, func() {
			req := s.validRequest()
			tc.mutate(&req)
			_, err := s.service.Register(s.ctx, req)
			s.Require().Error(err)
			s.True(dErrors.HasCode(err, dErrors.CodeInvalidInput), "got %v", err)
		})
	}
}

func (s *IntakeSuite) TestRegisterDetectsDuplicates() {
	first, err := s.service.Register(s.ctx, s.validRequest())
	s.Require().NoError(err)

	_, err = s.service.Register(s.ctx, s.validRequest())
	var conflictErr *models.ConflictError
	s.Require().ErrorAs(err, &conflictErr)
	s.Equal(first.ID, conflictErr.Existing.ID)
	s.Equal(models.StatusProcessing, conflictErr.Existing.Status)

	s.Len(s.queue.submissions, 1, "the duplicate must not be queued")
}

func (s *IntakeSuite) TestRegisterAfterRejectionSucceeds() {
	first, err := s.service.Register(s.ctx, s.validRequest())
	s.Require().NoError(err)

	_, err = s.records.Transition(s.ctx, first.ID, models.StatusProcessing, models.StatusRejected, models.TransitionFields{})
	s.Require().NoError(err)

	second, err := s.service.Register(s.ctx, s.validRequest())
	s.Require().NoError(err)
	s.NotEqual(first.ID, second.ID)
}

func (s *IntakeSuite) TestRegisterSurvivesFullQueue() {
	s.queue.err = dErrors.New(dErrors.CodeTransient, "registration queue is full")

	record, err := s.service.Register(s.ctx, s.validRequest())
	s.Require().NoError(err, "intake succeeds; the reconciler owns the deferred submission")
	s.Equal(models.StatusProcessing, record.Status)
}

func (s *IntakeSuite) TestGetRecord() {
	record, err := s.service.Register(s.ctx, s.validRequest())
	s.Require().NoError(err)

	found, err := s.service.GetRecord(s.ctx, record.ID)
	s.Require().NoError(err)
	s.Equal(record.ID, found.ID)
}

func TestGetRecord_NotFound(t *testing.T) {
	records := store.NewInMemoryStore()
	svc, err := New(records, &fakeQueue{},
		WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))))
	require.NoError(t, err)

	_, err = svc.GetRecord(context.Background(), id.NewRecordID())
	require.Error(t, err)
	assert.True(t, dErrors.HasCode(err, dErrors.CodeNotFound))
}
