package core

import (
	"time"

	"github.com/shopspring/decimal"
)

// Endorsement request lifecycle statuses. Transitions follow the orchestrator
// state machine; ACTIVE and FAILED are terminal.
const (
	StatusReceived    = "RECEIVED"
	StatusValidated   = "VALIDATED"
	StatusFundsLocked = "FUNDS_LOCKED"
	StatusSent        = "SENT"
	StatusConfirmed   = "CONFIRMED"
	StatusActive      = "ACTIVE"
	StatusFailed      = "FAILED"
	StatusOnHold      = "ON_HOLD"
)

// Endorsement request types.
const (
	TypeAddition     = "ADDITION"
	TypeDeletion     = "DELETION"
	TypeModification = "MODIFICATION"
)

// Ledger transaction types and statuses.
const (
	TxnDebit  = "DEBIT"
	TxnCredit = "CREDIT"

	TxnLocked      = "LOCKED"
	TxnCleared     = "CLEARED"
	TxnOnHoldFunds = "ON_HOLD_FUNDS"
	TxnFailed      = "FAILED"
)

// EmployerConfig is the per-employer configuration document.
type EmployerConfig struct {
	LowBalanceThreshold decimal.Decimal `json:"low_balance_threshold"`
	AllowedOverdraft    bool            `json:"allowed_overdraft"`
	NotificationEmail   string          `json:"notification_email"`
	WebhookURL          string          `json:"webhook_url,omitempty"`
	WebhookSecret       string          `json:"webhook_secret,omitempty"`
	DefaultPolicy       string          `json:"default_policy,omitempty"`
}

// Employer is the master record for a policyholder. EABalance is the prepaid
// endorsement account, scale 2.
type Employer struct {
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	EABalance decimal.Decimal `json:"ea_balance"`
	Config    EmployerConfig  `json:"config"`
	Status    string          `json:"status"`
	CreatedAt time.Time       `json:"created_at"`
}

// Employee is a census row owned by an employer.
type Employee struct {
	ID           string                 `json:"id"`
	EmployerID   string                 `json:"employer_id"`
	EmployeeCode string                 `json:"employee_code"`
	Demographics map[string]interface{} `json:"demographics"`
	CreatedAt    time.Time              `json:"created_at"`
}

// PolicyCoverage is an insurance coverage span for an employee. For any day
// an employee has at most one ACTIVE coverage spanning it.
type PolicyCoverage struct {
	ID          string                 `json:"id"`
	EmployeeID  string                 `json:"employee_id"`
	InsurerID   string                 `json:"insurer_id"`
	Status      string                 `json:"status"` // ACTIVE, INACTIVE, PENDING_ISSUANCE
	StartDate   time.Time              `json:"start_date"`
	EndDate     *time.Time             `json:"end_date,omitempty"`
	PlanDetails map[string]interface{} `json:"plan_details,omitempty"`
}

// EndorsementRequest is the central state-bearing entity of the pipeline.
type EndorsementRequest struct {
	ID            string                 `json:"id"`
	EmployerID    string                 `json:"employer_id"`
	Type          string                 `json:"type"`
	Status        string                 `json:"status"`
	Payload       map[string]interface{} `json:"payload"`
	RetryCount    int                    `json:"retry_count"`
	EffectiveDate time.Time              `json:"effective_date"`
	TraceID       string                 `json:"trace_id"`
	CreatedAt     time.Time              `json:"created_at"`
	UpdatedAt     time.Time              `json:"updated_at"`
}

// LedgerTransaction is an append-only financial record. Rows never mutate
// after insert except for the one-way LOCKED -> CLEARED|FAILED transition.
type LedgerTransaction struct {
	ID            string          `json:"id"`
	EmployerID    string          `json:"employer_id"`
	EndorsementID string          `json:"endorsement_id,omitempty"`
	Type          string          `json:"type"`
	Amount        decimal.Decimal `json:"amount"`
	Status        string          `json:"status"`
	ExternalRef   string          `json:"external_ref,omitempty"`
	CreatedAt     time.Time       `json:"created_at"`
}

// IsTerminalStatus reports whether a request status admits no further
// lifecycle transition.
func IsTerminalStatus(status string) bool {
	return status == StatusActive || status == StatusFailed
}

// TypePriority orders heterogeneous requests by financial effect: deletions
// release funds and go first, additions consume funds and go last.
func TypePriority(requestType string) int {
	switch requestType {
	case TypeDeletion:
		return 1
	case TypeModification:
		return 2
	case TypeAddition:
		return 3
	default:
		return 4
	}
}
