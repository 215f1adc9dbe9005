package audit

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/amirgulubayli/opensheath-sub001/core/model"
)

type pgDB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

const createTableSQL = `
CREATE TABLE IF NOT EXISTS audit_entries (
	seq            BIGSERIAL PRIMARY KEY,
	id             TEXT NOT NULL UNIQUE,
	ts             TIMESTAMPTZ NOT NULL,
	event_type     TEXT NOT NULL,
	workspace_id   TEXT NOT NULL DEFAULT '',
	correlation_id TEXT NOT NULL DEFAULT '',
	trace_id       TEXT NOT NULL DEFAULT '',
	decision       TEXT NOT NULL DEFAULT '',
	doc            JSONB NOT NULL
);
CREATE INDEX IF NOT EXISTS audit_entries_workspace_idx ON audit_entries (workspace_id, seq);
CREATE INDEX IF NOT EXISTS audit_entries_correlation_idx ON audit_entries (correlation_id, seq);
`

const insertSQL = `
INSERT INTO audit_entries (id, ts, event_type, workspace_id, correlation_id, trace_id, decision, doc)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
`

const listSQL = `
SELECT doc FROM audit_entries
WHERE ($1 = '' OR workspace_id = $1)
  AND ($2 = '' OR correlation_id = $2)
  AND ($3 = '' OR trace_id = $3)
  AND ($4 = '' OR event_type = $4)
ORDER BY seq
`

// PostgresStore keeps audit entries in PostgreSQL. Filter columns are
// denormalized; the full entry lives in a JSONB document.
type PostgresStore struct {
	db pgDB
}

func NewPostgresStore(db pgDB) *PostgresStore {
	return &PostgresStore{db: db}
}

// OpenPostgres connects a pool and ensures the audit table exists.
func OpenPostgres(ctx context.Context, url string) (*pgxpool.Pool, *PostgresStore, error) {
	pool, err := pgxpool.New(ctx, url)
	if err != nil {
		return nil, nil, fmt.Errorf("connect postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, nil, fmt.Errorf("ping postgres: %w", err)
	}
	store := NewPostgresStore(pool)
	if err := store.EnsureSchema(ctx); err != nil {
		pool.Close()
		return nil, nil, err
	}
	return pool, store, nil
}

func (s *PostgresStore) EnsureSchema(ctx context.Context) error {
	if _, err := s.db.Exec(ctx, createTableSQL); err != nil {
		return fmt.Errorf("create audit table: %w", err)
	}
	return nil
}

func (s *PostgresStore) Append(ctx context.Context, entry model.AuditEntry) error {
	doc, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("marshal audit entry: %w", err)
	}
	_, err = s.db.Exec(ctx, insertSQL,
		entry.ID, entry.Timestamp, entry.EventType, entry.WorkspaceID,
		entry.CorrelationID, entry.TraceID, string(entry.Decision), doc)
	if err != nil {
		return fmt.Errorf("insert audit entry: %w", err)
	}
	return nil
}

func (s *PostgresStore) List(ctx context.Context, filter model.AuditFilter) ([]model.AuditEntry, error) {
	rows, err := s.db.Query(ctx, listSQL, filter.WorkspaceID, filter.CorrelationID, filter.TraceID, filter.EventType)
	if err != nil {
		return nil, fmt.Errorf("query audit entries: %w", err)
	}
	defer rows.Close()
	out := []model.AuditEntry{}
	for rows.Next() {
		var doc []byte
		if err := rows.Scan(&doc); err != nil {
			return nil, fmt.Errorf("scan audit entry: %w", err)
		}
		var entry model.AuditEntry
		if err := json.Unmarshal(doc, &entry); err != nil {
			return nil, fmt.Errorf("decode audit entry: %w", err)
		}
		out = append(out, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate audit entries: %w", err)
	}
	return out, nil
}
