// Package storagetest provides an in-memory SQLite jobs table for tests.
package storagetest

import (
	"log/slog"
	"testing"

	_ "github.com/glebarez/go-sqlite"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/require"
)

// schema is the SQLite rendition of migrations/000001_create_jobs.up.sql. Column
// names and order must match it; TestSchemaMatchesMigrations checks this.
const schema = `
CREATE TABLE jobs (
    id                TEXT PRIMARY KEY,
    owner_id          TEXT     NOT NULL,
    type              TEXT     NOT NULL,
    status            TEXT     NOT NULL,
    priority          INTEGER  NOT NULL DEFAULT 1,
    progress          INTEGER  NOT NULL DEFAULT 0 CHECK (progress BETWEEN 0 AND 100),
    current_step      TEXT     NOT NULL DEFAULT '',
    payload           TEXT     NOT NULL,
    result            TEXT,
    error             TEXT,
    retry_count       INTEGER  NOT NULL DEFAULT 0,
    max_retries       INTEGER  NOT NULL DEFAULT 3,
    claim_token       TEXT,
    worker_id         TEXT,
    created_at        DATETIME NOT NULL,
    queued_at         DATETIME NOT NULL,
    started_at        DATETIME,
    completed_at      DATETIME,
    updated_at        DATETIME NOT NULL,
    last_heartbeat_at DATETIME
);
CREATE INDEX idx_jobs_dispatch ON jobs (status, priority DESC, queued_at ASC);
CREATE INDEX idx_jobs_owner_created ON jobs (owner_id, created_at DESC, id DESC);
CREATE INDEX idx_jobs_processing_started ON jobs (started_at) WHERE status = 'PROCESSING';
`

func init() {
	sqlx.BindDriver("sqlite", sqlx.QUESTION)
}

// NewDB opens a private in-memory database with the jobs schema applied.
// The pool is pinned to one connection so every query sees the same database.
func NewDB(t *testing.T) *sqlx.DB {
	t.Helper()

	db, err := sqlx.Open("sqlite", ":memory:")
	require.NoError(t, err)

	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	_, err = db.Exec(schema)
	require.NoError(t, err)

	t.Cleanup(func() {
		_ = db.Close()
	})

	return db
}

// Logger returns a logger that drops everything
func Logger() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}
