package ledger

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/rand/v2"
	"net/http"
	"net/url"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"anchorline/pkg/platform/circuit"
	"anchorline/pkg/platform/sentinel"
)

const (
	endpointSubmit = "ledger-submit"
	endpointQuery  = "ledger-query"
)

// HTTPClient implements Client against the ledger's REST API. Retries are
// bounded and jittered; the breaker registry short-circuits calls while an
// endpoint is known-bad so a ledger outage degrades to fast failures instead
// of piled-up timeouts.
type HTTPClient struct {
	baseURL        string
	apiToken       string
	httpClient     *http.Client
	breakers       *circuit.Registry
	logger         *slog.Logger
	tracer         trace.Tracer
	requestTimeout time.Duration
	maxAttempts    int
	backoffBase    time.Duration
	backoffCap     time.Duration
	sleep          func(context.Context, time.Duration) error
}

// HTTPOption configures an HTTPClient.
type HTTPOption func(*HTTPClient)

// WithHTTPDoer overrides the underlying http.Client. Test hook.
func WithHTTPDoer(c *http.Client) HTTPOption {
	return func(h *HTTPClient) {
		if c != nil {
			h.httpClient = c
		}
	}
}

// WithRequestTimeout bounds each individual attempt.
func WithRequestTimeout(d time.Duration) HTTPOption {
	return func(h *HTTPClient) {
		if d > 0 {
			h.requestTimeout = d
		}
	}
}

// WithRetry sets the attempt cap and the backoff curve.
func WithRetry(maxAttempts int, base, cap time.Duration) HTTPOption {
	return func(h *HTTPClient) {
		if maxAttempts > 0 {
			h.maxAttempts = maxAttempts
		}
		if base > 0 {
			h.backoffBase = base
		}
		if cap > 0 {
			h.backoffCap = cap
		}
	}
}

// WithSleeper overrides the backoff sleep. Test hook.
func WithSleeper(sleep func(context.Context, time.Duration) error) HTTPOption {
	return func(h *HTTPClient) {
		if sleep != nil {
			h.sleep = sleep
		}
	}
}

// NewHTTPClient builds a ledger client for the given base URL.
func NewHTTPClient(baseURL, apiToken string, breakers *circuit.Registry, logger *slog.Logger, opts ...HTTPOption) (*HTTPClient, error) {
	if baseURL == "" {
		return nil, errors.New("ledger base URL is required")
	}
	if breakers == nil {
		return nil, errors.New("circuit breaker registry is required")
	}
	if logger == nil {
		return nil, errors.New("logger is required")
	}

	h := &HTTPClient{
		baseURL:        baseURL,
		apiToken:       apiToken,
		httpClient:     &http.Client{},
		breakers:       breakers,
		logger:         logger,
		tracer:         otel.Tracer("anchorline/ledger"),
		requestTimeout: 10 * time.Second,
		maxAttempts:    5,
		backoffBase:    250 * time.Millisecond,
		backoffCap:     8 * time.Second,
		sleep:          sleepContext,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h, nil
}

// Submit anchors a fingerprint. A RejectedError is returned as-is without
// retrying; transient failures are retried up to the attempt cap.
func (h *HTTPClient) Submit(ctx context.Context, req SubmitRequest) (*Anchor, error) {
	ctx, span := h.tracer.Start(ctx, "ledger.Submit",
		trace.WithAttributes(attribute.String("ledger.fingerprint", req.Fingerprint)))
	defer span.End()

	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal submit request: %w", err)
	}

	anchor, err := h.withRetries(ctx, endpointSubmit, func(ctx context.Context) (*Anchor, error) {
		return h.roundTrip(ctx, http.MethodPost, h.baseURL+"/api/v1/anchors", body)
	})
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	span.SetAttributes(attribute.String("ledger.reference", anchor.Reference))
	return anchor, nil
}

// Query looks up an existing anchor. Returns sentinel.ErrNotFound when the
// ledger holds nothing for the fingerprint.
func (h *HTTPClient) Query(ctx context.Context, fingerprint string) (*Anchor, error) {
	ctx, span := h.tracer.Start(ctx, "ledger.Query",
		trace.WithAttributes(attribute.String("ledger.fingerprint", fingerprint)))
	defer span.End()

	target := h.baseURL + "/api/v1/anchors/" + url.PathEscape(fingerprint)
	anchor, err := h.withRetries(ctx, endpointQuery, func(ctx context.Context) (*Anchor, error) {
		return h.roundTrip(ctx, http.MethodGet, target, nil)
	})
	if err != nil {
		if !errors.Is(err, sentinel.ErrNotFound) {
			span.SetStatus(codes.Error, err.Error())
		}
		return nil, err
	}
	return anchor, nil
}

// withRetries drives the attempt loop for one logical endpoint. Only
// transient failures consume retries; rejections and not-found answers
// return immediately.
func (h *HTTPClient) withRetries(ctx context.Context, endpoint string, call func(context.Context) (*Anchor, error)) (*Anchor, error) {
	breaker := h.breakers.Get(endpoint)

	var lastErr error
	for attempt := 1; attempt <= h.maxAttempts; attempt++ {
		if !breaker.Allow() {
			return nil, &CircuitOpenError{Endpoint: endpoint}
		}

		attemptCtx, cancel := context.WithTimeout(ctx, h.requestTimeout)
		anchor, err := call(attemptCtx)
		cancel()

		if err == nil {
			if _, change := breaker.RecordSuccess(); change.Closed {
				h.logger.InfoContext(ctx, "ledger circuit closed", "endpoint", endpoint)
			}
			return anchor, nil
		}

		var transientErr *TransientError
		if !errors.As(err, &transientErr) {
			// Rejections and not-found are answers, not outages.
			if errors.Is(err, sentinel.ErrNotFound) {
				breaker.RecordSuccess()
			}
			return nil, err
		}

		if _, change := breaker.RecordFailure(); change.Opened {
			h.logger.ErrorContext(ctx, "ledger circuit opened",
				"endpoint", endpoint,
				"error", err.Error(),
			)
		}
		lastErr = err

		if attempt == h.maxAttempts {
			break
		}
		if sleepErr := h.sleep(ctx, h.backoffFor(attempt)); sleepErr != nil {
			return nil, &TransientError{Cause: sleepErr}
		}
	}
	return nil, lastErr
}

func (h *HTTPClient) roundTrip(ctx context.Context, method, target string, body []byte) (*Anchor, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, target, reader)
	if err != nil {
		return nil, fmt.Errorf("build ledger request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if h.apiToken != "" {
		req.Header.Set("Authorization", "Bearer "+h.apiToken)
	}

	resp, err := h.httpClient.Do(req)
	if err != nil {
		return nil, &TransientError{Cause: err}
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusOK || resp.StatusCode == http.StatusCreated:
		var anchor Anchor
		if err := json.NewDecoder(resp.Body).Decode(&anchor); err != nil {
			return nil, &TransientError{Cause: fmt.Errorf("decode ledger response: %w", err)}
		}
		if anchor.Reference == "" {
			return nil, &TransientError{Cause: errors.New("ledger response missing reference")}
		}
		return &anchor, nil

	case resp.StatusCode == http.StatusNotFound:
		return nil, fmt.Errorf("ledger anchor: %w", sentinel.ErrNotFound)

	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return nil, &TransientError{Cause: fmt.Errorf("ledger returned status %d", resp.StatusCode)}

	case resp.StatusCode >= 400:
		return nil, &RejectedError{StatusCode: resp.StatusCode, Reason: readReason(resp.Body)}

	default:
		return nil, &TransientError{Cause: fmt.Errorf("unexpected ledger status %d", resp.StatusCode)}
	}
}

// backoffFor returns the jittered exponential delay before the next attempt.
func (h *HTTPClient) backoffFor(attempt int) time.Duration {
	backoff := h.backoffBase << (attempt - 1)
	if backoff > h.backoffCap || backoff <= 0 {
		backoff = h.backoffCap
	}
	// Full jitter keeps retrying workers from thundering in lockstep.
	return time.Duration(rand.Int64N(int64(backoff)) + 1)
}

func readReason(body io.Reader) string {
	var payload struct {
		Error   string `json:"error"`
		Message string `json:"message"`
	}
	if err := json.NewDecoder(body).Decode(&payload); err == nil {
		if payload.Message != "" {
			return payload.Message
		}
		if payload.Error != "" {
			return payload.Error
		}
	}
	return "submission refused"
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
