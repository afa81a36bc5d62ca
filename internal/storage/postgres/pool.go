// Package postgres provides Postgres-backed persistence implementations.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// uniqueViolation is the SQLSTATE for unique constraint violations.
const uniqueViolation = "23505"

// Config controls the Postgres connection pool.
type Config struct {
	DSN             string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
}

// DB is the subset of *pgxpool.Pool the stores use.
type DB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Begin(ctx context.Context) (pgx.Tx, error)
	Close()
}

// NewPool opens a connection pool and verifies it with a ping.
func NewPool(ctx context.Context, cfg Config) (*pgxpool.Pool, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("db.dsn is required")
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return pool, nil
}

// Schema creates the tables used by the stores. The partial unique indexes
// carry the one-active-job-per-user and per-job native id rules.
const Schema = `
CREATE TABLE IF NOT EXISTS crawl_jobs (
	id                     TEXT PRIMARY KEY,
	user_email             TEXT NOT NULL,
	site                   TEXT NOT NULL,
	job_type               TEXT NOT NULL,
	target_url             TEXT NOT NULL,
	status                 TEXT NOT NULL,
	priority               INTEGER NOT NULL DEFAULT 5,
	scheduled_at           TIMESTAMPTZ,
	config                 JSONB NOT NULL DEFAULT '{}',
	total_items            INTEGER NOT NULL DEFAULT 0,
	processed_items        INTEGER NOT NULL DEFAULT 0,
	success_items          INTEGER NOT NULL DEFAULT 0,
	failed_items           INTEGER NOT NULL DEFAULT 0,
	skipped_items          INTEGER NOT NULL DEFAULT 0,
	pages_crawled          INTEGER NOT NULL DEFAULT 0,
	pages_failed           INTEGER NOT NULL DEFAULT 0,
	created_at             TIMESTAMPTZ NOT NULL,
	started_at             TIMESTAMPTZ,
	completed_at           TIMESTAMPTZ,
	estimated_remaining_ms BIGINT NOT NULL DEFAULT 0,
	error                  JSONB
);
CREATE UNIQUE INDEX IF NOT EXISTS crawl_jobs_one_active_per_user
	ON crawl_jobs (user_email) WHERE status IN ('PENDING', 'RUNNING');
CREATE INDEX IF NOT EXISTS crawl_jobs_due
	ON crawl_jobs (priority DESC, created_at) WHERE status = 'PENDING';
CREATE INDEX IF NOT EXISTS crawl_jobs_user_created
	ON crawl_jobs (user_email, created_at DESC);

CREATE TABLE IF NOT EXISTS crawl_results (
	id            TEXT PRIMARY KEY,
	job_id        TEXT NOT NULL REFERENCES crawl_jobs (id) ON DELETE CASCADE,
	native_id     TEXT NOT NULL DEFAULT '',
	item_type     TEXT NOT NULL,
	payload       JSONB NOT NULL,
	quality_score DOUBLE PRECISION NOT NULL,
	item_order    INTEGER NOT NULL,
	page_number   INTEGER NOT NULL,
	created_at    TIMESTAMPTZ NOT NULL
);
CREATE UNIQUE INDEX IF NOT EXISTS crawl_results_job_native
	ON crawl_results (job_id, native_id) WHERE native_id <> '';
CREATE INDEX IF NOT EXISTS crawl_results_job_order
	ON crawl_results (job_id, page_number, item_order);

CREATE TABLE IF NOT EXISTS licenses (
	email      TEXT PRIMARY KEY,
	active     BOOLEAN NOT NULL DEFAULT FALSE,
	expires_at TIMESTAMPTZ
);

CREATE TABLE IF NOT EXISTS page_logs (
	job_id      TEXT NOT NULL REFERENCES crawl_jobs (id) ON DELETE CASCADE,
	page_number INTEGER NOT NULL,
	url         TEXT NOT NULL,
	outcome     TEXT NOT NULL,
	status_code INTEGER NOT NULL DEFAULT 0,
	items       INTEGER NOT NULL DEFAULT 0,
	duplicates  INTEGER NOT NULL DEFAULT 0,
	failed      INTEGER NOT NULL DEFAULT 0,
	duration_ms BIGINT NOT NULL DEFAULT 0,
	note        TEXT NOT NULL DEFAULT '',
	at          TIMESTAMPTZ NOT NULL,
	PRIMARY KEY (job_id, page_number)
);
`

// Migrate applies Schema. Every statement is idempotent.
func Migrate(ctx context.Context, db DB) error {
	if _, err := db.Exec(ctx, Schema); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

func isUniqueViolation(err error, constraint string) bool {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return false
	}
	return pgErr.Code == uniqueViolation && (constraint == "" || pgErr.ConstraintName == constraint)
}
