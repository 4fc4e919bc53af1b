package database

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/ems/backend/internal/core"
)

// EndorsementStore persists endorsement requests and guards their lifecycle
// transitions.
type EndorsementStore struct {
	db *sql.DB
}

func NewEndorsementStore(db *sql.DB) *EndorsementStore {
	return &EndorsementStore{db: db}
}

func (s *EndorsementStore) Create(ctx context.Context, r *core.EndorsementRequest) error {
	payload, err := json.Marshal(r.Payload)
	if err != nil {
		return fmt.Errorf("marshal endorsement payload: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO endorsement_requests
			(id, employer_id, type, status, payload, retry_count, effective_date, trace_id)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		r.ID, r.EmployerID, r.Type, r.Status, payload, r.RetryCount, r.EffectiveDate, r.TraceID)
	if err != nil {
		return fmt.Errorf("insert endorsement: %w", err)
	}
	return nil
}

func (s *EndorsementStore) GetByID(ctx context.Context, id, employerID string) (*core.EndorsementRequest, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, employer_id, type, status, payload, retry_count,
		        effective_date, trace_id, created_at, updated_at
		 FROM endorsement_requests WHERE id = $1 AND employer_id = $2`,
		id, employerID)
	return scanEndorsement(row)
}

// UpdateStatus atomically moves the request to the target status. When the
// row has already moved past the target (or is terminal) the write is
// skipped and ErrStaleTransition is returned alongside the current row, so
// callers can log and continue. retryCount < 0 leaves the counter untouched;
// the counter never decreases.
func (s *EndorsementStore) UpdateStatus(ctx context.Context, id, employerID, status string, retryCount int) (*core.EndorsementRequest, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin status update: %w", err)
	}
	defer tx.Rollback()

	row := tx.QueryRowContext(ctx,
		`SELECT id, employer_id, type, status, payload, retry_count,
		        effective_date, trace_id, created_at, updated_at
		 FROM endorsement_requests
		 WHERE id = $1 AND employer_id = $2 FOR UPDATE`,
		id, employerID)
	current, err := scanEndorsement(row)
	if err != nil {
		return nil, err
	}

	if !core.CanTransition(current.Status, status) {
		slog.Warn("status transition skipped",
			"endorsement_id", id, "from", current.Status, "to", status)
		return current, ErrStaleTransition
	}

	newRetry := current.RetryCount
	if retryCount > newRetry {
		newRetry = retryCount
	}

	_, err = tx.ExecContext(ctx,
		`UPDATE endorsement_requests
		 SET status = $1, retry_count = $2, updated_at = now()
		 WHERE id = $3`,
		status, newRetry, id)
	if err != nil {
		return nil, fmt.Errorf("update endorsement status: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit status update: %w", err)
	}

	current.Status = status
	current.RetryCount = newRetry
	return current, nil
}

// ListOnHold returns the employer's parked requests in original arrival
// order.
func (s *EndorsementStore) ListOnHold(ctx context.Context, employerID string) ([]*core.EndorsementRequest, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, employer_id, type, status, payload, retry_count,
		        effective_date, trace_id, created_at, updated_at
		 FROM endorsement_requests
		 WHERE employer_id = $1 AND status = $2
		 ORDER BY created_at ASC`,
		employerID, core.StatusOnHold)
	if err != nil {
		return nil, fmt.Errorf("list on-hold endorsements: %w", err)
	}
	defer rows.Close()

	var out []*core.EndorsementRequest
	for rows.Next() {
		r, err := scanEndorsement(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func scanEndorsement(row rowScanner) (*core.EndorsementRequest, error) {
	var (
		r          core.EndorsementRequest
		payloadRaw []byte
		traceID    sql.NullString
	)
	err := row.Scan(&r.ID, &r.EmployerID, &r.Type, &r.Status, &payloadRaw,
		&r.RetryCount, &r.EffectiveDate, &traceID, &r.CreatedAt, &r.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan endorsement: %w", err)
	}
	r.TraceID = traceID.String
	if len(payloadRaw) > 0 {
		if err := json.Unmarshal(payloadRaw, &r.Payload); err != nil {
			return nil, fmt.Errorf("unmarshal endorsement payload: %w", err)
		}
	}
	return &r, nil
}
