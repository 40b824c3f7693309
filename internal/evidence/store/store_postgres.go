package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"

	"anchorline/internal/evidence/models"
	id "anchorline/pkg/domain"
	"anchorline/pkg/platform/sentinel"
	txcontext "anchorline/pkg/platform/tx"
	"anchorline/pkg/requestcontext"
)

const uniqueViolation = "23505"

// PostgresStore persists evidence records and verification attempts.
// The partial unique index on fingerprint (non-rejected records) is the
// authoritative duplicate arbiter; the compare-and-set in Transition is the
// authoritative race arbiter.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

type dbQuerier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

func (s *PostgresStore) querier(ctx context.Context) dbQuerier {
	if tx, ok := txcontext.From(ctx); ok {
		return tx
	}
	return s.db
}

const recordColumns = `
	id, fingerprint, original_source, title, capture_metadata, submitter,
	signature, status, ledger_reference, ledger_height, ledger_timestamp,
	error_detail, retryable, retry_count, created_at, updated_at
`

func (s *PostgresStore) Create(ctx context.Context, record *models.EvidenceRecord) error {
	metadata, err := json.Marshal(record.CaptureMetadata)
	if err != nil {
		return fmt.Errorf("marshal capture metadata: %w", err)
	}

	query := `
		INSERT INTO evidence_records (` + recordColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)
	`
	_, err = s.querier(ctx).ExecContext(ctx, query,
		uuid.UUID(record.ID),
		record.Fingerprint,
		record.OriginalSource,
		record.Title,
		metadata,
		record.Submitter,
		nullString(record.Signature),
		string(record.Status),
		nullString(record.LedgerReference),
		nullInt64(record.LedgerHeight),
		nullTime(record.LedgerTimestamp),
		nullString(record.ErrorDetail),
		record.Retryable,
		record.RetryCount,
		record.CreatedAt,
		record.UpdatedAt,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			// Lost the insert race; surface the winner's summary.
			existing, findErr := s.FindByFingerprint(ctx, record.Fingerprint)
			if findErr != nil {
				return fmt.Errorf("fingerprint conflict on %s: %w", record.Fingerprint, sentinel.ErrConflict)
			}
			return &models.ConflictError{Existing: existing.Summarize()}
		}
		return fmt.Errorf("insert evidence record: %w", err)
	}
	return nil
}

func (s *PostgresStore) Transition(ctx context.Context, recordID id.RecordID, from, to models.Status, fields models.TransitionFields) (*models.EvidenceRecord, error) {
	if !TransitionAllowed(from, to) {
		return nil, &models.InvalidStateError{Current: from, Expected: from}
	}

	retryIncrement := 0
	if fields.IncrementRetry {
		retryIncrement = 1
	}

	// The status predicate makes this a compare-and-set; the ledger_reference
	// predicate keeps the column write-once.
	query := `
		UPDATE evidence_records SET
			status           = $3,
			updated_at       = $4,
			ledger_reference = COALESCE($5, ledger_reference),
			ledger_height    = COALESCE($6, ledger_height),
			ledger_timestamp = COALESCE($7, ledger_timestamp),
			error_detail     = COALESCE($8, error_detail),
			retryable        = COALESCE($9, retryable),
			retry_count      = retry_count + $10
		WHERE id = $1
		  AND status = $2
		  AND ($5::text IS NULL OR ledger_reference IS NULL)
		RETURNING ` + recordColumns

	row := s.querier(ctx).QueryRowContext(ctx, query,
		uuid.UUID(recordID),
		string(from),
		string(to),
		requestcontext.Now(ctx),
		fields.LedgerReference,
		fields.LedgerHeight,
		fields.LedgerTimestamp,
		fields.ErrorDetail,
		fields.Retryable,
		retryIncrement,
	)

	record, err := scanRecord(row)
	if err == nil {
		return record, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("transition evidence record: %w", err)
	}

	// No row updated: distinguish a missing record from a lost race.
	current, findErr := s.FindByID(ctx, recordID)
	if findErr != nil {
		return nil, findErr
	}
	return nil, &models.InvalidStateError{Current: current.Status, Expected: from}
}

func (s *PostgresStore) FindByID(ctx context.Context, recordID id.RecordID) (*models.EvidenceRecord, error) {
	query := `SELECT ` + recordColumns + ` FROM evidence_records WHERE id = $1`
	record, err := scanRecord(s.querier(ctx).QueryRowContext(ctx, query, uuid.UUID(recordID)))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("record %s: %w", recordID, sentinel.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("find evidence record: %w", err)
	}
	return record, nil
}

func (s *PostgresStore) FindByFingerprint(ctx context.Context, fp string) (*models.EvidenceRecord, error) {
	query := `
		SELECT ` + recordColumns + `
		FROM evidence_records
		WHERE fingerprint = $1 AND status <> 'rejected'
		ORDER BY created_at DESC
		LIMIT 1
	`
	record, err := scanRecord(s.querier(ctx).QueryRowContext(ctx, query, fp))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("fingerprint %s: %w", fp, sentinel.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("find evidence record by fingerprint: %w", err)
	}
	return record, nil
}

func (s *PostgresStore) ListStuckProcessing(ctx context.Context, olderThan time.Duration, limit int) ([]*models.EvidenceRecord, error) {
	query := `
		SELECT ` + recordColumns + `
		FROM evidence_records
		WHERE status = 'processing' AND updated_at < $1
		ORDER BY updated_at ASC
		LIMIT $2
	`
	cutoff := time.Now().Add(-olderThan)
	rows, err := s.querier(ctx).QueryContext(ctx, query, cutoff, limit)
	if err != nil {
		return nil, fmt.Errorf("list stuck processing records: %w", err)
	}
	defer rows.Close()
	return scanRecords(rows)
}

func (s *PostgresStore) ListStalePending(ctx context.Context, olderThan time.Duration, limit int) ([]*models.EvidenceRecord, error) {
	query := `
		SELECT ` + recordColumns + `
		FROM evidence_records
		WHERE status = 'pending' AND updated_at < $1
		ORDER BY updated_at ASC
		LIMIT $2
	`
	cutoff := time.Now().Add(-olderThan)
	rows, err := s.querier(ctx).QueryContext(ctx, query, cutoff, limit)
	if err != nil {
		return nil, fmt.Errorf("list stale pending records: %w", err)
	}
	defer rows.Close()
	return scanRecords(rows)
}

func (s *PostgresStore) ListRetryableFailed(ctx context.Context, maxRetries, limit int) ([]*models.EvidenceRecord, error) {
	query := `
		SELECT ` + recordColumns + `
		FROM evidence_records
		WHERE status = 'failed' AND retryable AND retry_count < $1
		ORDER BY updated_at ASC
		LIMIT $2
	`
	rows, err := s.querier(ctx).QueryContext(ctx, query, maxRetries, limit)
	if err != nil {
		return nil, fmt.Errorf("list retryable failed records: %w", err)
	}
	defer rows.Close()
	return scanRecords(rows)
}

func (s *PostgresStore) AppendAttempt(ctx context.Context, attempt models.VerificationAttempt) error {
	var matched any
	if attempt.MatchedRecordID != nil {
		matched = uuid.UUID(*attempt.MatchedRecordID)
	}

	query := `
		INSERT INTO verification_attempts (
			id, submitted_fingerprint, matched_record_id, result, source,
			requester_context, duration_ms, created_at
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`
	_, err := s.querier(ctx).ExecContext(ctx, query,
		uuid.UUID(attempt.ID),
		attempt.SubmittedFingerprint,
		matched,
		string(attempt.Result),
		string(attempt.Source),
		attempt.RequesterContext,
		attempt.DurationMs,
		attempt.Timestamp,
	)
	if err != nil {
		return fmt.Errorf("insert verification attempt: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListAttemptsByFingerprint(ctx context.Context, fp string, limit int) ([]models.VerificationAttempt, error) {
	query := `
		SELECT id, submitted_fingerprint, matched_record_id, result, source,
		       requester_context, duration_ms, created_at
		FROM verification_attempts
		WHERE submitted_fingerprint = $1
		ORDER BY created_at DESC
		LIMIT $2
	`
	rows, err := s.querier(ctx).QueryContext(ctx, query, fp, limit)
	if err != nil {
		return nil, fmt.Errorf("list verification attempts: %w", err)
	}
	defer rows.Close()

	var attempts []models.VerificationAttempt
	for rows.Next() {
		var (
			attempt   models.VerificationAttempt
			attemptID uuid.UUID
			matched   *uuid.UUID
		)
		err := rows.Scan(
			&attemptID,
			&attempt.SubmittedFingerprint,
			&matched,
			&attempt.Result,
			&attempt.Source,
			&attempt.RequesterContext,
			&attempt.DurationMs,
			&attempt.Timestamp,
		)
		if err != nil {
			return nil, fmt.Errorf("scan verification attempt: %w", err)
		}
		attempt.ID = id.AttemptID(attemptID)
		if matched != nil {
			recordID := id.RecordID(*matched)
			attempt.MatchedRecordID = &recordID
		}
		attempts = append(attempts, attempt)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate verification attempts: %w", err)
	}
	return attempts, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner) (*models.EvidenceRecord, error) {
	var (
		record    models.EvidenceRecord
		recordID  uuid.UUID
		metadata  []byte
		signature sql.NullString
		status    string
		ledgerRef sql.NullString
		height    sql.NullInt64
		ledgerTS  sql.NullTime
		errDetail sql.NullString
	)

	err := row.Scan(
		&recordID,
		&record.Fingerprint,
		&record.OriginalSource,
		&record.Title,
		&metadata,
		&record.Submitter,
		&signature,
		&status,
		&ledgerRef,
		&height,
		&ledgerTS,
		&errDetail,
		&record.Retryable,
		&record.RetryCount,
		&record.CreatedAt,
		&record.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	record.ID = id.RecordID(recordID)
	record.Signature = signature.String
	record.Status = models.Status(status)
	record.LedgerReference = ledgerRef.String
	record.LedgerHeight = height.Int64
	if ledgerTS.Valid {
		record.LedgerTimestamp = ledgerTS.Time
	}
	record.ErrorDetail = errDetail.String
	if len(metadata) > 0 {
		if err := json.Unmarshal(metadata, &record.CaptureMetadata); err != nil {
			return nil, fmt.Errorf("unmarshal capture metadata: %w", err)
		}
	}
	return &record, nil
}

func scanRecords(rows *sql.Rows) ([]*models.EvidenceRecord, error) {
	var records []*models.EvidenceRecord
	for rows.Next() {
		record, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("scan evidence record: %w", err)
		}
		records = append(records, record)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate evidence records: %w", err)
	}
	return records, nil
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullInt64(i int64) any {
	if i == 0 {
		return nil
	}
	return i
}

func nullTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t
}
