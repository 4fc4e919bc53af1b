package events

import (
	"time"

	"github.com/shopspring/decimal"
)

// Pipeline event payloads. These structs are the JSON contracts between the
// pipeline stages; both producers and consumers in this module use them, so
// the wire shape lives in one place.

// IngestedEvent is the envelope on endorsement.ingested and
// endorsement.prioritized.
type IngestedEvent struct {
	EndorsementID string                 `json:"endorsement_id"`
	EmployerID    string                 `json:"employer_id"`
	Type          string                 `json:"type"`
	EffectiveDate time.Time              `json:"effective_date"`
	Payload       map[string]interface{} `json:"payload"`
	TraceID       string                 `json:"trace_id,omitempty"`
}

// CheckFundsEvent asks the ledger to reserve funds for an endorsement.
// Amount is optional; when absent the ledger resolves it from the payload or
// the pricing stub.
type CheckFundsEvent struct {
	EndorsementID string                 `json:"endorsement_id"`
	EmployerID    string                 `json:"employer_id"`
	RequestType   string                 `json:"request_type"`
	EffectiveDate time.Time              `json:"effective_date"`
	Amount        *decimal.Decimal       `json:"amount,omitempty"`
	Payload       map[string]interface{} `json:"payload"`
	TraceID       string                 `json:"trace_id,omitempty"`
}

// Ledger reservation outcome statuses carried by FundsLockedEvent.
const (
	ReservationLocked = "LOCKED"
	ReservationOnHold = "ON_HOLD"
	ReservationFailed = "FAILED"
)

// FundsLockedEvent is the ledger's answer to a check_funds request.
type FundsLockedEvent struct {
	EndorsementID string           `json:"endorsement_id"`
	EmployerID    string           `json:"employer_id"`
	LockedAmount  decimal.Decimal  `json:"locked_amount"`
	ReservationID string           `json:"reservation_id"`
	Status        string           `json:"status"`
	NewBalance    *decimal.Decimal `json:"new_balance,omitempty"`
	RequestType   string           `json:"request_type,omitempty"`
	Message       string           `json:"message,omitempty"`
	TraceID       string           `json:"trace_id,omitempty"`
}

// BalanceIncreasedEvent is raised whenever the ledger credits an employer.
// It is the hold-release trigger.
type BalanceIncreasedEvent struct {
	EmployerID   string          `json:"employer_id"`
	ChangeAmount decimal.Decimal `json:"change_amount"`
	NewBalance   decimal.Decimal `json:"new_balance"`
	Timestamp    time.Time       `json:"timestamp"`
	Source       string          `json:"source,omitempty"`
}

// LedgerContext rides along on insurer requests so downstream consumers see
// what was reserved.
type LedgerContext struct {
	LockedAmount  decimal.Decimal  `json:"locked_amount"`
	ReservationID string           `json:"reservation_id"`
	NewBalance    *decimal.Decimal `json:"new_balance,omitempty"`
}

// InsurerRequestEvent instructs the gateway to dispatch an endorsement to the
// insurer. Retry messages additionally carry RetryDelaySeconds and LastError.
type InsurerRequestEvent struct {
	EndorsementID     string                 `json:"endorsement_id"`
	EmployerID        string                 `json:"employer_id"`
	RequestType       string                 `json:"request_type"`
	TraceID           string                 `json:"trace_id,omitempty"`
	Payload           map[string]interface{} `json:"payload"`
	LedgerContext     LedgerContext          `json:"ledger_context"`
	InsurerID         string                 `json:"insurer_id,omitempty"`
	RetryCount        int                    `json:"retry_count"`
	RetryDelaySeconds int                    `json:"retry_delay_seconds,omitempty"`
	LastError         *ErrorDetail           `json:"last_error,omitempty"`
}

// Gateway outcome statuses and error classes.
const (
	OutcomeSuccess = "SUCCESS"
	OutcomeFailure = "FAILURE"

	ErrorTypeNone      = "NONE"
	ErrorTypeBusiness  = "BUSINESS"
	ErrorTypeTechnical = "TECHNICAL"
)

// ErrorDetail is a compact error description carried on outcome, retry and
// DLQ messages.
type ErrorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message,omitempty"`
}

// InsurerResponse is a compact snapshot of the insurer's reply.
type InsurerResponse struct {
	StatusCode int               `json:"status_code"`
	Headers    map[string]string `json:"headers,omitempty"`
	Body       string            `json:"body,omitempty"`
}

// InsurerOutcomeEvent is the gateway's completion event. The topic is named
// insurer.success for historical reasons; it carries failures too.
type InsurerOutcomeEvent struct {
	EndorsementID   string                 `json:"endorsement_id"`
	EmployerID      string                 `json:"employer_id"`
	RequestType     string                 `json:"request_type,omitempty"`
	TraceID         string                 `json:"trace_id,omitempty"`
	Payload         map[string]interface{} `json:"payload,omitempty"`
	LedgerContext   LedgerContext          `json:"ledger_context"`
	InsurerID       string                 `json:"insurer_id,omitempty"`
	Status          string                 `json:"status"`
	Error           *ErrorDetail           `json:"error,omitempty"`
	ErrorType       string                 `json:"error_type,omitempty"`
	RetryCount      int                    `json:"retry_count"`
	InsurerResponse *InsurerResponse       `json:"insurer_response,omitempty"`
}

// DeadLetterEvent wraps a message that exhausted its handling options.
type DeadLetterEvent struct {
	Original InsurerOutcomeEvent `json:"original"`
	Error    ErrorDetail         `json:"error"`
	FailedAt time.Time           `json:"failed_at"`
}

// CompletedEvent announces a terminal ACTIVE endorsement.
type CompletedEvent struct {
	EndorsementID   string           `json:"endorsement_id"`
	EmployerID      string           `json:"employer_id"`
	TraceID         string           `json:"trace_id,omitempty"`
	RetryCount      int              `json:"retry_count"`
	Status          string           `json:"status"`
	InsurerResponse *InsurerResponse `json:"insurer_response,omitempty"`
}
