package database

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/ems/backend/internal/core"
	"github.com/ems/backend/internal/ids"
)

// Reservation is the outcome of a reserve-or-park attempt.
type Reservation struct {
	TransactionID string
	Parked        bool
	NewBalance    decimal.Decimal
	LowBalance    bool
}

// LedgerStore owns every write that touches ea_balance. The balance write
// and the ledger row insert always share one transaction under the employer
// row lock; that pairing keeps the balance reconcilable against the ledger.
type LedgerStore struct {
	db *sql.DB
}

func NewLedgerStore(db *sql.DB) *LedgerStore {
	return &LedgerStore{db: db}
}

// ReserveFunds debits (or credits) the employer account for an endorsement.
// A debit that exceeds the available balance parks instead: an ON_HOLD_FUNDS
// row is inserted and the balance stays untouched. Employers with
// allowed_overdraft may debit below zero.
func (s *LedgerStore) ReserveFunds(ctx context.Context, employerID, endorsementID string, amount decimal.Decimal, credit bool) (*Reservation, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin reserve: %w", err)
	}
	defer tx.Rollback()

	employer, err := getForUpdate(ctx, tx, employerID)
	if err != nil {
		return nil, err
	}

	txnID := ids.New()

	if !credit && mustPark(employer, amount) {
		_, err = tx.ExecContext(ctx,
			`INSERT INTO ledger_transactions (id, employer_id, endorsement_id, type, amount, status)
			 VALUES ($1, $2, $3, $4, $5, $6)`,
			txnID, employerID, endorsementID, core.TxnDebit, amount.StringFixed(2), core.TxnOnHoldFunds)
		if err != nil {
			return nil, fmt.Errorf("insert on-hold row: %w", err)
		}
		if err := tx.Commit(); err != nil {
			return nil, fmt.Errorf("commit park: %w", err)
		}
		return &Reservation{TransactionID: txnID, Parked: true, NewBalance: employer.EABalance}, nil
	}

	txnType := core.TxnDebit
	newBalance := employer.EABalance.Sub(amount)
	if credit {
		txnType = core.TxnCredit
		newBalance = employer.EABalance.Add(amount)
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO ledger_transactions (id, employer_id, endorsement_id, type, amount, status)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		txnID, employerID, endorsementID, txnType, amount.StringFixed(2), core.TxnLocked)
	if err != nil {
		return nil, fmt.Errorf("insert ledger row: %w", err)
	}

	_, err = tx.ExecContext(ctx,
		`UPDATE employers SET ea_balance = $1 WHERE id = $2`,
		newBalance.StringFixed(2), employerID)
	if err != nil {
		return nil, fmt.Errorf("update balance: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit reserve: %w", err)
	}

	return &Reservation{
		TransactionID: txnID,
		NewBalance:    newBalance,
		LowBalance:    !credit && newBalance.LessThan(employer.Config.LowBalanceThreshold),
	}, nil
}

// mustPark decides whether a debit parks instead of locking. Employers with
// allowed_overdraft bypass the balance check and may debit below zero; the
// low-balance flag still fires on the way down.
func mustPark(employer *core.Employer, amount decimal.Decimal) bool {
	if employer.Config.AllowedOverdraft {
		return false
	}
	return employer.EABalance.LessThan(amount)
}

// TopUp credits the employer account from an external payment. The row is
// CLEARED immediately; there is nothing to settle.
func (s *LedgerStore) TopUp(ctx context.Context, employerID string, amount decimal.Decimal, externalRef string) (decimal.Decimal, error) {
	if amount.LessThanOrEqual(decimal.Zero) {
		return decimal.Zero, fmt.Errorf("top-up amount must be positive, got %s", amount)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return decimal.Zero, fmt.Errorf("begin top-up: %w", err)
	}
	defer tx.Rollback()

	employer, err := getForUpdate(ctx, tx, employerID)
	if err != nil {
		return decimal.Zero, err
	}

	newBalance := employer.EABalance.Add(amount)
	_, err = tx.ExecContext(ctx,
		`INSERT INTO ledger_transactions (id, employer_id, type, amount, status, external_ref)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		ids.New(), employerID, core.TxnCredit, amount.StringFixed(2), core.TxnCleared, externalRef)
	if err != nil {
		return decimal.Zero, fmt.Errorf("insert top-up row: %w", err)
	}
	_, err = tx.ExecContext(ctx,
		`UPDATE employers SET ea_balance = $1 WHERE id = $2`,
		newBalance.StringFixed(2), employerID)
	if err != nil {
		return decimal.Zero, fmt.Errorf("update balance: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return decimal.Zero, fmt.Errorf("commit top-up: %w", err)
	}
	return newBalance, nil
}

// SettleReservation gives the endorsement's LOCKED row its one-way terminal
// disposition. On success the row clears. On failure the refund policy
// decides: refund restores the balance and marks the row FAILED; otherwise
// the debit is kept and the row clears. Already-settled rows are a no-op.
func (s *LedgerStore) SettleReservation(ctx context.Context, employerID, endorsementID string, success, refundOnFailure bool) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin settle: %w", err)
	}
	defer tx.Rollback()

	employer, err := getForUpdate(ctx, tx, employerID)
	if err != nil {
		return err
	}

	var (
		txnID     string
		txnType   string
		amountStr string
	)
	err = tx.QueryRowContext(ctx,
		`SELECT id, type, amount FROM ledger_transactions
		 WHERE endorsement_id = $1 AND status = $2
		 ORDER BY created_at DESC LIMIT 1`,
		endorsementID, core.TxnLocked).Scan(&txnID, &txnType, &amountStr)
	if err == sql.ErrNoRows {
		return nil
	}
	if err != nil {
		return fmt.Errorf("find locked row: %w", err)
	}

	target := core.TxnCleared
	if !success && refundOnFailure {
		target = core.TxnFailed

		amount, err := decimal.NewFromString(amountStr)
		if err != nil {
			return fmt.Errorf("parse locked amount: %w", err)
		}
		restored := employer.EABalance.Add(amount)
		if txnType == core.TxnCredit {
			restored = employer.EABalance.Sub(amount)
		}
		_, err = tx.ExecContext(ctx,
			`UPDATE employers SET ea_balance = $1 WHERE id = $2`,
			restored.StringFixed(2), employerID)
		if err != nil {
			return fmt.Errorf("restore balance: %w", err)
		}
	}

	_, err = tx.ExecContext(ctx,
		`UPDATE ledger_transactions SET status = $1 WHERE id = $2`,
		target, txnID)
	if err != nil {
		return fmt.Errorf("settle ledger row: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit settle: %w", err)
	}
	return nil
}
