package handler

import (
	"encoding/base64"
	"encoding/json"
	"io"
	"mime/multipart"
	"net/http"
	"strings"

	dErrors "anchorline/pkg/domain-errors"
)

const maxArtifactBytes = 32 << 20 // 32 MiB

// RegisterRequest is the HTTP request body for POST /api/v1/evidence.
type RegisterRequest struct {
	Fingerprint     string            `json:"fingerprint"`
	Title           string            `json:"title"`
	OriginalSource  string            `json:"original_source"`
	CaptureMetadata map[string]string `json:"capture_metadata"`
	Signature       string            `json:"signature"`
	Artifact        string            `json:"artifact"`

	// Decoded artifact bytes (populated by Validate)
	artifactBytes []byte
}

// Validate validates and decodes the request.
// Implements the Validatable interface for httputil.DecodeAndPrepare.
func (r *RegisterRequest) Validate() error {
	if r == nil {
		return dErrors.New(dErrors.CodeInvalidInput, "request body is required")
	}

	r.Fingerprint = strings.TrimSpace(r.Fingerprint)
	if r.Fingerprint == "" {
		return dErrors.New(dErrors.CodeInvalidInput, "fingerprint is required")
	}

	if r.artifactBytes == nil {
		if r.Artifact == "" {
			return dErrors.New(dErrors.CodeInvalidInput, "artifact is required")
		}
		decoded, err := base64.StdEncoding.DecodeString(r.Artifact)
		if err != nil {
			return dErrors.Wrap(err, dErrors.CodeInvalidInput, "artifact must be base64 encoded")
		}
		r.artifactBytes = decoded
	}
	if len(r.artifactBytes) == 0 {
		return dErrors.New(dErrors.CodeInvalidInput, "artifact is required")
	}
	if len(r.artifactBytes) > maxArtifactBytes {
		return dErrors.New(dErrors.CodeInvalidInput, "artifact exceeds the size limit")
	}
	return nil
}

// ArtifactBytes returns the decoded artifact payload.
func (r *RegisterRequest) ArtifactBytes() []byte {
	return r.artifactBytes
}

// registerFromMultipart builds a RegisterRequest from a multipart form so
// capture clients can upload raw artifact bytes instead of base64.
func registerFromMultipart(r *http.Request) (*RegisterRequest, error) {
	if err := r.ParseMultipartForm(maxArtifactBytes); err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeInvalidInput, "invalid multipart form")
	}

	req := &RegisterRequest{
		Fingerprint:    r.FormValue("fingerprint"),
		Title:          r.FormValue("title"),
		OriginalSource: r.FormValue("original_source"),
		Signature:      r.FormValue("signature"),
	}

	if raw := r.FormValue("capture_metadata"); raw != "" {
		if err := json.Unmarshal([]byte(raw), &req.CaptureMetadata); err != nil {
			return nil, dErrors.Wrap(err, dErrors.CodeInvalidInput, "capture_metadata must be a JSON object")
		}
	}

	file, _, err := r.FormFile("artifact")
	if err != nil {
		return nil, dErrors.New(dErrors.CodeInvalidInput, "artifact file is required")
	}
	defer func(f multipart.File) { _ = f.Close() }(file)

	req.artifactBytes, err = io.ReadAll(io.LimitReader(file, maxArtifactBytes+1))
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeInvalidInput, "failed to read artifact")
	}
	return req, nil
}
