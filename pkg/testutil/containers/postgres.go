//go:build integration

package containers

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"testing"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/testcontainers/testcontainers-go"
	tcpostgres "github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"
)

// PostgresContainer wraps a testcontainers PostgreSQL instance with an open
// database/sql pool and the service schema applied.
type PostgresContainer struct {
	Container testcontainers.Container
	DB        *sql.DB
	URL       string
}

// schema mirrors the production migrations (managed externally by the
// migration tooling). Tests apply it directly so suites can run against a
// fresh database.
const schema = `
CREATE TABLE IF NOT EXISTS evidence_records (
	id               UUID PRIMARY KEY,
	fingerprint      TEXT NOT NULL,
	original_source  TEXT NOT NULL DEFAULT '',
	title            TEXT NOT NULL DEFAULT '',
	capture_metadata JSONB NOT NULL DEFAULT '{}',
	submitter        TEXT NOT NULL DEFAULT '',
	signature        TEXT,
	status           TEXT NOT NULL,
	ledger_reference TEXT,
	ledger_height    BIGINT,
	ledger_timestamp TIMESTAMPTZ,
	error_detail     TEXT,
	retryable        BOOLEAN NOT NULL DEFAULT FALSE,
	retry_count      INT NOT NULL DEFAULT 0,
	created_at       TIMESTAMPTZ NOT NULL,
	updated_at       TIMESTAMPTZ NOT NULL
);

CREATE UNIQUE INDEX IF NOT EXISTS evidence_records_fingerprint_active
	ON evidence_records (fingerprint) WHERE status <> 'rejected';

CREATE INDEX IF NOT EXISTS evidence_records_status_updated
	ON evidence_records (status, updated_at);

CREATE TABLE IF NOT EXISTS verification_attempts (
	id                    UUID PRIMARY KEY,
	submitted_fingerprint TEXT NOT NULL,
	matched_record_id     UUID,
	result                TEXT NOT NULL,
	source                TEXT NOT NULL,
	requester_context     TEXT NOT NULL DEFAULT '',
	duration_ms           BIGINT NOT NULL,
	created_at            TIMESTAMPTZ NOT NULL
);

CREATE INDEX IF NOT EXISTS verification_attempts_fingerprint
	ON verification_attempts (submitted_fingerprint, created_at);

CREATE TABLE IF NOT EXISTS audit_entries (
	id            UUID PRIMARY KEY,
	action        TEXT NOT NULL,
	resource_type TEXT NOT NULL,
	resource_id   TEXT NOT NULL,
	actor_context TEXT NOT NULL DEFAULT '',
	context_data  JSONB NOT NULL DEFAULT '{}',
	created_at    TIMESTAMPTZ NOT NULL
);

CREATE INDEX IF NOT EXISTS audit_entries_resource
	ON audit_entries (resource_type, resource_id, created_at);
`

// NewPostgresContainer starts a PostgreSQL container and applies the schema.
func NewPostgresContainer(t *testing.T) *PostgresContainer {
	t.Helper()

	ctx := context.Background()

	container, err := tcpostgres.Run(ctx, "postgres:16-alpine",
		tcpostgres.WithDatabase("anchorline_test"),
		tcpostgres.WithUsername("anchorline"),
		tcpostgres.WithPassword("anchorline"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60*time.Second),
		),
	)
	if err != nil {
		t.Fatalf("failed to start postgres container: %v", err)
	}

	url, err := container.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		_ = container.Terminate(ctx)
		t.Fatalf("failed to get postgres connection string: %v", err)
	}

	db, err := sql.Open("pgx", url)
	if err != nil {
		_ = container.Terminate(ctx)
		t.Fatalf("failed to open postgres pool: %v", err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		_ = container.Terminate(ctx)
		t.Fatalf("failed to ping postgres: %v", err)
	}

	if _, err := db.ExecContext(ctx, schema); err != nil {
		_ = db.Close()
		_ = container.Terminate(ctx)
		t.Fatalf("failed to apply schema: %v", err)
	}

	return &PostgresContainer{Container: container, DB: db, URL: url}
}

// TruncateTables empties the given tables between tests.
func (p *PostgresContainer) TruncateTables(ctx context.Context, tables ...string) error {
	if len(tables) == 0 {
		return nil
	}
	_, err := p.DB.ExecContext(ctx,
		fmt.Sprintf("TRUNCATE TABLE %s", strings.Join(tables, ", ")))
	return err
}
