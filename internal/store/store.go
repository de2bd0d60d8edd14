package store

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
)

type Store struct {
	db *sqlx.DB
}

type Config struct {
	DSN          string
	MaxOpenConns int
	MaxIdleConns int
}

func New(cfg Config) (*Store, error) {
	db, err := sqlx.Connect("postgres", cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("connecting to database: %w", err)
	}

	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(time.Hour)

	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *Store) DB() *sqlx.DB {
	return s.db
}

// Migrate creates the persistence schema. Idempotent.
func (s *Store) Migrate(ctx context.Context) error {
	schema := []string{
		`CREATE TABLE IF NOT EXISTS lp_issues (
			id UUID PRIMARY KEY,
			component_id TEXT NOT NULL,
			component_name TEXT NOT NULL DEFAULT '',
			resource_type TEXT NOT NULL,
			account_id TEXT NOT NULL DEFAULT '',
			severity TEXT NOT NULL DEFAULT 'LOW',
			queue TEXT NOT NULL DEFAULT '',
			flags TEXT[] NOT NULL DEFAULT '{}',
			confidence TEXT NOT NULL DEFAULT 'unknown',
			unused_count INT NOT NULL DEFAULT 0,
			details JSONB,
			state TEXT NOT NULL,
			safety_score INT,
			decision_action TEXT,
			created_at TIMESTAMPTZ NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_lp_issues_component ON lp_issues (component_id)`,
		`CREATE INDEX IF NOT EXISTS idx_lp_issues_state ON lp_issues (state)`,
		`CREATE TABLE IF NOT EXISTS lp_snapshots (
			id UUID PRIMARY KEY,
			issue_id UUID NOT NULL REFERENCES lp_issues (id),
			resource_id TEXT NOT NULL,
			document JSONB NOT NULL,
			taken_at TIMESTAMPTZ NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS lp_executions (
			id UUID PRIMARY KEY,
			issue_id UUID NOT NULL REFERENCES lp_issues (id),
			state TEXT NOT NULL,
			canary_stage INT NOT NULL DEFAULT 0,
			error TEXT,
			started_at TIMESTAMPTZ NOT NULL,
			finished_at TIMESTAMPTZ
		)`,
		`CREATE TABLE IF NOT EXISTS lp_approvals (
			id UUID PRIMARY KEY,
			issue_id UUID NOT NULL REFERENCES lp_issues (id),
			requested_at TIMESTAMPTZ NOT NULL,
			expires_at TIMESTAMPTZ NOT NULL,
			reviewer TEXT NOT NULL DEFAULT '',
			granted BOOLEAN NOT NULL DEFAULT FALSE,
			decided_at TIMESTAMPTZ
		)`,
		`CREATE TABLE IF NOT EXISTS scheduled_jobs (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			description TEXT NOT NULL DEFAULT '',
			schedule TEXT NOT NULL,
			job_type TEXT NOT NULL,
			config JSONB,
			enabled BOOLEAN NOT NULL DEFAULT TRUE,
			last_run TIMESTAMPTZ,
			next_run TIMESTAMPTZ,
			created_at TIMESTAMPTZ NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS job_executions (
			id TEXT PRIMARY KEY,
			job_id TEXT NOT NULL REFERENCES scheduled_jobs (id),
			status TEXT NOT NULL,
			started_at TIMESTAMPTZ NOT NULL,
			ended_at TIMESTAMPTZ,
			error TEXT,
			output TEXT
		)`,
		`CREATE TABLE IF NOT EXISTS users (
			id UUID PRIMARY KEY,
			email TEXT NOT NULL UNIQUE,
			password_hash TEXT NOT NULL,
			role TEXT NOT NULL DEFAULT 'viewer',
			created_at TIMESTAMPTZ NOT NULL
		)`,
	}

	for _, stmt := range schema {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("applying schema: %w", err)
		}
	}
	return nil
}
