package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"

	audit "anchorline/pkg/platform/audit"
	txcontext "anchorline/pkg/platform/tx"
)

// Store implements audit.Store on PostgreSQL. Entries are immutable once
// written; inserts are idempotent on entry ID so redelivered entries from the
// async worker do not duplicate the trail.
type Store struct {
	db *sql.DB
}

func New(db *sql.DB) *Store {
	return &Store{db: db}
}

type dbExecutor interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func (s *Store) execer(ctx context.Context) dbExecutor {
	if tx, ok := txcontext.From(ctx); ok {
		return tx
	}
	return s.db
}

// Append inserts one audit entry. Joins an ambient transaction when the
// caller put one in context.
func (s *Store) Append(ctx context.Context, entry audit.Entry) error {
	contextData, err := json.Marshal(entry.ContextData)
	if err != nil {
		return fmt.Errorf("marshal audit context data: %w", err)
	}

	query := `
		INSERT INTO audit_entries (
			id, action, resource_type, resource_id, actor_context, context_data, created_at
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (id) DO NOTHING
	`
	_, err = s.execer(ctx).ExecContext(ctx, query,
		entry.ID,
		entry.Action,
		entry.ResourceType,
		entry.ResourceID,
		entry.ActorContext,
		contextData,
		entry.Timestamp,
	)
	if err != nil {
		return fmt.Errorf("insert audit entry: %w", err)
	}
	return nil
}

// ListByResource returns the trail for one resource, newest first.
func (s *Store) ListByResource(ctx context.Context, resourceType, resourceID string) ([]audit.Entry, error) {
	query := `
		SELECT id, action, resource_type, resource_id, actor_context, context_data, created_at
		FROM audit_entries
		WHERE resource_type = $1 AND resource_id = $2
		ORDER BY created_at DESC
	`
	rows, err := s.db.QueryContext(ctx, query, resourceType, resourceID)
	if err != nil {
		return nil, fmt.Errorf("query audit entries: %w", err)
	}
	defer rows.Close()

	return scanEntries(rows)
}

// ListRecent returns the N most recent entries.
func (s *Store) ListRecent(ctx context.Context, limit int) ([]audit.Entry, error) {
	query := `
		SELECT id, action, resource_type, resource_id, actor_context, context_data, created_at
		FROM audit_entries
		ORDER BY created_at DESC
		LIMIT $1
	`
	rows, err := s.db.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("query audit entries: %w", err)
	}
	defer rows.Close()

	return scanEntries(rows)
}

func scanEntries(rows *sql.Rows) ([]audit.Entry, error) {
	var entries []audit.Entry

	for rows.Next() {
		var (
			entry       audit.Entry
			id          uuid.UUID
			contextData []byte
		)
		err := rows.Scan(
			&id,
			&entry.Action,
			&entry.ResourceType,
			&entry.ResourceID,
			&entry.ActorContext,
			&contextData,
			&entry.Timestamp,
		)
		if err != nil {
			return nil, fmt.Errorf("scan audit entry: %w", err)
		}
		entry.ID = id
		if len(contextData) > 0 {
			if err := json.Unmarshal(contextData, &entry.ContextData); err != nil {
				return nil, fmt.Errorf("unmarshal audit context data: %w", err)
			}
		}
		entries = append(entries, entry)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate audit entries: %w", err)
	}
	return entries, nil
}
