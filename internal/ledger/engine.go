// Package ledger implements the Ledger Engine: fund reservation with
// overdraft parking, the balance-increase side channel, and the hold-release
// consumer that wakes parked endorsements.
package ledger

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/ems/backend/internal/core"
	"github.com/ems/backend/internal/database"
	"github.com/ems/backend/internal/events"
	"github.com/ems/backend/internal/metrics"
)

// Reserver is the transactional reserve-or-park operation the engine drives.
type Reserver interface {
	ReserveFunds(ctx context.Context, employerID, endorsementID string, amount decimal.Decimal, credit bool) (*database.Reservation, error)
}

// Topics the engine publishes to.
type Topics struct {
	FundsLocked      string
	BalanceIncreased string
}

// Engine consumes ledger.check_funds and answers with ledger.funds_locked.
type Engine struct {
	store    Reserver
	producer events.Producer
	pricing  Pricing
	topics   Topics
	metrics  *metrics.Metrics
}

func NewEngine(store Reserver, producer events.Producer, pricing Pricing, topics Topics, m *metrics.Metrics) *Engine {
	return &Engine{store: store, producer: producer, pricing: pricing, topics: topics, metrics: m}
}

func (e *Engine) Name() string { return "ledger.check_funds" }

func (e *Engine) Handle(ctx context.Context, msg events.Message, interim *events.InterimOutput) (*events.InterimOutput, error) {
	var event events.CheckFundsEvent
	if err := msg.Decode(&event); err != nil {
		return interim, err
	}

	amount, err := resolveAmount(&amountSource{
		Amount:      event.Amount,
		RequestType: event.RequestType,
		Payload:     event.Payload,
	}, e.pricing)
	if err != nil {
		return interim, err
	}

	credit := isCredit(event.RequestType)
	headers := events.BaseHeaders("ledger", event.TraceID, event.EmployerID)

	reservation, err := e.store.ReserveFunds(ctx, event.EmployerID, event.EndorsementID, amount, credit)
	if err != nil {
		if errors.Is(err, database.ErrNotFound) {
			// Unknown employer is not retryable; answer FAILED so the
			// orchestrator can close the request out.
			return interim, e.publishOutcome(ctx, &event, events.FundsLockedEvent{
				EndorsementID: event.EndorsementID,
				EmployerID:    event.EmployerID,
				LockedAmount:  amount,
				ReservationID: newReservationID(),
				Status:        events.ReservationFailed,
				RequestType:   event.RequestType,
				Message:       "Employer not found",
				TraceID:       event.TraceID,
			}, headers)
		}
		return interim, err
	}

	if reservation.Parked {
		e.metrics.LedgerTransactions.WithLabelValues(core.TxnDebit, core.TxnOnHoldFunds).Inc()
		slog.Info("funds parked",
			"endorsement_id", event.EndorsementID,
			"employer_id", event.EmployerID,
			"amount", amount)
		return interim, e.publishOutcome(ctx, &event, events.FundsLockedEvent{
			EndorsementID: event.EndorsementID,
			EmployerID:    event.EmployerID,
			LockedAmount:  amount,
			ReservationID: newReservationID(),
			Status:        events.ReservationOnHold,
			RequestType:   event.RequestType,
			Message:       "Insufficient funds",
			TraceID:       event.TraceID,
		}, headers)
	}

	txnType := core.TxnDebit
	if credit {
		txnType = core.TxnCredit
	}
	e.metrics.LedgerTransactions.WithLabelValues(txnType, core.TxnLocked).Inc()

	if reservation.LowBalance {
		e.metrics.LowBalanceEvents.Inc()
		slog.Warn("employer balance below threshold",
			"employer_id", event.EmployerID,
			"new_balance", reservation.NewBalance)
	}

	if credit && amount.IsPositive() {
		increase := events.BalanceIncreasedEvent{
			EmployerID:   event.EmployerID,
			ChangeAmount: amount,
			NewBalance:   reservation.NewBalance,
			Timestamp:    time.Now().UTC(),
			Source:       "endorsement_credit",
		}
		if err := events.PublishJSON(ctx, e.producer, e.topics.BalanceIncreased, event.EmployerID, increase, headers); err != nil {
			// The reservation is committed; the next credit retriggers
			// hold-release, so log and continue.
			slog.Error("publish balance_increased failed",
				"employer_id", event.EmployerID, "error", err)
		}
	}

	newBalance := reservation.NewBalance
	return interim, e.publishOutcome(ctx, &event, events.FundsLockedEvent{
		EndorsementID: event.EndorsementID,
		EmployerID:    event.EmployerID,
		LockedAmount:  amount,
		ReservationID: newReservationID(),
		Status:        events.ReservationLocked,
		NewBalance:    &newBalance,
		RequestType:   event.RequestType,
		TraceID:       event.TraceID,
	}, headers)
}

func (e *Engine) publishOutcome(ctx context.Context, event *events.CheckFundsEvent, outcome events.FundsLockedEvent, headers map[string]string) error {
	if err := events.PublishJSON(ctx, e.producer, e.topics.FundsLocked, event.EndorsementID, outcome, headers); err != nil {
		return err
	}
	e.metrics.MessagesProduced.WithLabelValues(e.topics.FundsLocked).Inc()
	return nil
}

func newReservationID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")
}
