package database

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/ems/backend/internal/core"
)

// EmployerStore persists employer master records.
type EmployerStore struct {
	db *sql.DB
}

func NewEmployerStore(db *sql.DB) *EmployerStore {
	return &EmployerStore{db: db}
}

func (s *EmployerStore) Create(ctx context.Context, e *core.Employer) error {
	cfg, err := json.Marshal(e.Config)
	if err != nil {
		return fmt.Errorf("marshal employer config: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO employers (id, name, ea_balance, config, status)
		 VALUES ($1, $2, $3, $4, $5)`,
		e.ID, e.Name, e.EABalance.StringFixed(2), cfg, e.Status)
	if err != nil {
		return fmt.Errorf("insert employer: %w", err)
	}
	return nil
}

func (s *EmployerStore) GetByID(ctx context.Context, id string) (*core.Employer, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, name, ea_balance, config, status, created_at
		 FROM employers WHERE id = $1`, id)
	return scanEmployer(row)
}

// getForUpdate loads the employer under its exclusive row lock. Must run
// inside the caller's transaction; the lock is held until commit.
func getForUpdate(ctx context.Context, tx *sql.Tx, id string) (*core.Employer, error) {
	row := tx.QueryRowContext(ctx,
		`SELECT id, name, ea_balance, config, status, created_at
		 FROM employers WHERE id = $1 FOR UPDATE`, id)
	return scanEmployer(row)
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanEmployer(row rowScanner) (*core.Employer, error) {
	var (
		e          core.Employer
		balanceStr string
		cfgRaw     []byte
	)
	err := row.Scan(&e.ID, &e.Name, &balanceStr, &cfgRaw, &e.Status, &e.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan employer: %w", err)
	}
	e.EABalance, err = decimal.NewFromString(balanceStr)
	if err != nil {
		return nil, fmt.Errorf("parse ea_balance: %w", err)
	}
	if len(cfgRaw) > 0 {
		if err := json.Unmarshal(cfgRaw, &e.Config); err != nil {
			return nil, fmt.Errorf("unmarshal employer config: %w", err)
		}
	}
	return &e, nil
}
