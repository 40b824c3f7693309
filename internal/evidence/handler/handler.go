// Package handler wires the evidence pipeline to its HTTP surface.
package handler

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"anchorline/internal/evidence/models"
	"anchorline/internal/evidence/service"
	"anchorline/internal/evidence/verify"
	id "anchorline/pkg/domain"
	dErrors "anchorline/pkg/domain-errors"
	"anchorline/pkg/platform/httputil"
	"anchorline/pkg/requestcontext"
)

// Service defines the intake operations the handler needs.
type Service interface {
	Register(ctx context.Context, req service.RegisterRequest) (*models.EvidenceRecord, error)
	GetRecord(ctx context.Context, recordID id.RecordID) (*models.EvidenceRecord, error)
}

// Verifier resolves verification queries.
type Verifier interface {
	Verify(ctx context.Context, fingerprint string) (*verify.Answer, error)
}

// Handler wires evidence endpoints to the pipeline services.
type Handler struct {
	service  Service
	verifier Verifier
	logger   *slog.Logger
}

// New constructs an evidence handler with its dependencies.
func New(service Service, verifier Verifier, logger *slog.Logger) *Handler {
	return &Handler{
		service:  service,
		verifier: verifier,
		logger:   logger,
	}
}

// Register mounts evidence endpoints on the router.
func (h *Handler) Register(r chi.Router) {
	r.Post("/evidence", h.HandleRegister)
	r.Get("/evidence/{recordID}", h.HandleGetRecord)
	r.Get("/verify/{fingerprint}", h.HandleVerify)
}

// HandleRegister handles POST /api/v1/evidence requests.
func (h *Handler) HandleRegister(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	requestID := requestcontext.RequestID(ctx)
	start := time.Now()

	req, ok := h.decodeRegister(w, r, requestID)
	if !ok {
		return
	}

	record, err := h.service.Register(ctx, service.RegisterRequest{
		Fingerprint:     req.Fingerprint,
		Artifact:        req.ArtifactBytes(),
		Title:           req.Title,
		OriginalSource:  req.OriginalSource,
		CaptureMetadata: req.CaptureMetadata,
		Signature:       req.Signature,
	})
	if err != nil {
		h.writeRegisterError(ctx, w, requestID, err)
		return
	}

	h.logger.InfoContext(ctx, "evidence submission accepted",
		"request_id", requestID,
		"record_id", record.ID.String(),
		"duration_ms", time.Since(start).Milliseconds(),
	)
	httputil.WriteJSON(w, http.StatusAccepted, RegistrationResponse{
		RecordID: record.ID.String(),
		Status:   string(record.Status),
		PollURL:  "/api/v1/evidence/" + record.ID.String(),
	})
}

func (h *Handler) decodeRegister(w http.ResponseWriter, r *http.Request, requestID string) (*RegisterRequest, bool) {
	if strings.HasPrefix(r.Header.Get("Content-Type"), "multipart/form-data") {
		req, err := registerFromMultipart(r)
		if err != nil {
			httputil.WriteError(w, err)
			return nil, false
		}
		if err := req.Validate(); err != nil {
			httputil.WriteError(w, err)
			return nil, false
		}
		return req, true
	}
	return httputil.DecodeAndPrepare[*RegisterRequest](w, r, h.logger, r.Context(), requestID)
}

// writeRegisterError maps intake failures onto their specific payloads:
// conflicts carry the existing registration, integrity failures carry both
// digests.
func (h *Handler) writeRegisterError(ctx context.Context, w http.ResponseWriter, requestID string, err error) {
	var conflictErr *models.ConflictError
	if errors.As(err, &conflictErr) {
		httputil.WriteJSON(w, http.StatusConflict, ConflictResponse{
			Error:            string(dErrors.CodeConflict),
			ErrorDescription: "fingerprint is already registered",
			Existing: ExistingSummary{
				RecordID:    conflictErr.Existing.ID.String(),
				Fingerprint: conflictErr.Existing.Fingerprint,
				Status:      string(conflictErr.Existing.Status),
			},
		})
		return
	}

	var integrityErr *models.IntegrityError
	if errors.As(err, &integrityErr) {
		httputil.WriteJSON(w, http.StatusBadRequest, IntegrityResponse{
			Error:            string(dErrors.CodeIntegrity),
			ErrorDescription: "claimed fingerprint does not match the artifact",
			Claimed:          integrityErr.Claimed,
			Computed:         integrityErr.Computed,
		})
		return
	}

	if dErrors.CodeOf(err) == dErrors.CodeInternal {
		h.logger.ErrorContext(ctx, "evidence registration failed",
			"request_id", requestID,
			"error", err,
		)
	}
	httputil.WriteError(w, err)
}

// HandleGetRecord handles GET /api/v1/evidence/{recordID} requests.
func (h *Handler) HandleGetRecord(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	recordID, err := id.ParseRecordID(chi.URLParam(r, "recordID"))
	if err != nil {
		httputil.WriteError(w, err)
		return
	}

	record, err := h.service.GetRecord(ctx, recordID)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, FromRecord(record))
}

// HandleVerify handles GET /api/v1/verify/{fingerprint} requests.
func (h *Handler) HandleVerify(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	requestID := requestcontext.RequestID(ctx)

	fingerprint := chi.URLParam(r, "fingerprint")
	answer, err := h.verifier.Verify(ctx, fingerprint)
	if err != nil {
		if answer != nil && answer.Result == models.ResultNotFound {
			httputil.WriteJSON(w, http.StatusNotFound, FromAnswer(answer))
			return
		}
		if dErrors.CodeOf(err) == dErrors.CodeInternal {
			h.logger.ErrorContext(ctx, "verification query failed",
				"request_id", requestID,
				"error", err,
			)
		}
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, FromAnswer(answer))
}
