package ledger

import (
	"context"
	"errors"
	"log/slog"

	"github.com/ems/backend/internal/core"
	"github.com/ems/backend/internal/database"
	"github.com/ems/backend/internal/events"
)

// OnHoldLister exposes the parked-request queries and status writes the
// hold-release path needs.
type OnHoldLister interface {
	ListOnHold(ctx context.Context, employerID string) ([]*core.EndorsementRequest, error)
	UpdateStatus(ctx context.Context, id, employerID, status string, retryCount int) (*core.EndorsementRequest, error)
}

// HoldRelease consumes ledger.balance_increased and lifts parked requests
// back into the ledger check, in original arrival order.
type HoldRelease struct {
	store           OnHoldLister
	producer        events.Producer
	checkFundsTopic string
}

func NewHoldRelease(store OnHoldLister, producer events.Producer, checkFundsTopic string) *HoldRelease {
	return &HoldRelease{store: store, producer: producer, checkFundsTopic: checkFundsTopic}
}

func (h *HoldRelease) Name() string { return "ledger.hold_release" }

func (h *HoldRelease) Handle(ctx context.Context, msg events.Message, interim *events.InterimOutput) (*events.InterimOutput, error) {
	var event events.BalanceIncreasedEvent
	if err := msg.Decode(&event); err != nil {
		return interim, err
	}

	parked, err := h.store.ListOnHold(ctx, event.EmployerID)
	if err != nil {
		return interim, err
	}
	if len(parked) == 0 {
		return interim, nil
	}

	slog.Info("releasing parked endorsements",
		"employer_id", event.EmployerID, "count", len(parked))

	for _, request := range parked {
		if _, err := h.store.UpdateStatus(ctx, request.ID, request.EmployerID, core.StatusValidated, -1); err != nil {
			if errors.Is(err, database.ErrStaleTransition) {
				continue
			}
			return interim, err
		}

		check := events.CheckFundsEvent{
			EndorsementID: request.ID,
			EmployerID:    request.EmployerID,
			RequestType:   request.Type,
			EffectiveDate: request.EffectiveDate,
			Payload:       request.Payload,
			TraceID:       request.TraceID,
		}
		headers := events.BaseHeaders("hold_release", request.TraceID, request.EmployerID)
		// Fire and forget. The VALIDATED write persisted, so the next
		// balance increase picks a failed republication back up.
		if err := events.PublishJSON(ctx, h.producer, h.checkFundsTopic, request.ID, check, headers); err != nil {
			slog.Error("republish check_funds failed",
				"endorsement_id", request.ID, "error", err)
		}
	}
	return interim, nil
}
