// Package database implements the relational stores over Postgres. The
// employer row is the per-employer exclusive resource: every balance
// mutation acquires its row lock, and the paired ledger insert always shares
// the same transaction so the balance stays reconcilable against the ledger.
package database

import (
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	_ "github.com/lib/pq"
)

// ErrNotFound is returned when a requested row does not exist.
var ErrNotFound = errors.New("row not found")

// ErrStaleTransition is returned when a status update is skipped because the
// row already moved past the target state. Callers treat it as a logged
// no-op.
var ErrStaleTransition = errors.New("stale status transition")

// Open connects to Postgres and verifies connectivity.
func Open(dsn string, maxOpenConns int) (*sql.DB, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	if maxOpenConns > 0 {
		db.SetMaxOpenConns(maxOpenConns)
	}
	db.SetConnMaxIdleTime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("postgres ping: %w", err)
	}
	slog.Info("Postgres connected")
	return db, nil
}

// Migrate applies the schema. Idempotent; real deployments run the same DDL
// through their migration tooling.
func Migrate(db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS employers (
			id          VARCHAR(17) PRIMARY KEY,
			name        TEXT NOT NULL,
			ea_balance  NUMERIC(14,2) NOT NULL DEFAULT 0,
			config      JSONB NOT NULL DEFAULT '{}',
			status      TEXT NOT NULL DEFAULT 'ACTIVE',
			created_at  TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,
		`CREATE TABLE IF NOT EXISTS employees (
			id            VARCHAR(17) PRIMARY KEY,
			employer_id   VARCHAR(17) NOT NULL REFERENCES employers(id) ON DELETE CASCADE,
			employee_code TEXT NOT NULL,
			demographics  JSONB NOT NULL DEFAULT '{}',
			created_at    TIMESTAMPTZ NOT NULL DEFAULT now(),
			UNIQUE (employer_id, employee_code)
		)`,
		`CREATE TABLE IF NOT EXISTS policy_coverages (
			id           VARCHAR(17) PRIMARY KEY,
			employee_id  VARCHAR(17) NOT NULL REFERENCES employees(id) ON DELETE CASCADE,
			insurer_id   TEXT NOT NULL,
			status       TEXT NOT NULL DEFAULT 'PENDING_ISSUANCE',
			start_date   DATE NOT NULL,
			end_date     DATE,
			plan_details JSONB NOT NULL DEFAULT '{}'
		)`,
		`CREATE TABLE IF NOT EXISTS endorsement_requests (
			id             VARCHAR(17) PRIMARY KEY,
			employer_id    VARCHAR(17) NOT NULL REFERENCES employers(id),
			type           TEXT NOT NULL,
			status         TEXT NOT NULL DEFAULT 'RECEIVED',
			payload        JSONB NOT NULL DEFAULT '{}',
			retry_count    INT NOT NULL DEFAULT 0,
			effective_date DATE NOT NULL,
			trace_id       TEXT,
			created_at     TIMESTAMPTZ NOT NULL DEFAULT now(),
			updated_at     TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,
		`CREATE INDEX IF NOT EXISTS idx_endorsements_on_hold
			ON endorsement_requests (employer_id, created_at) WHERE status = 'ON_HOLD'`,
		`CREATE TABLE IF NOT EXISTS ledger_transactions (
			id             VARCHAR(17) PRIMARY KEY,
			employer_id    VARCHAR(17) NOT NULL REFERENCES employers(id),
			endorsement_id VARCHAR(17) REFERENCES endorsement_requests(id) ON DELETE SET NULL,
			type           TEXT NOT NULL,
			amount         NUMERIC(14,2) NOT NULL CHECK (amount >= 0),
			status         TEXT NOT NULL,
			external_ref   TEXT,
			created_at     TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,
		`CREATE INDEX IF NOT EXISTS idx_ledger_by_endorsement
			ON ledger_transactions (endorsement_id)`,
	}

	for _, stmt := range stmts {
		if _, err := db.Exec(stmt); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	return nil
}
