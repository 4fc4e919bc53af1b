package orchestrator

import (
	"context"
	"log/slog"
	"strconv"
	"time"

	"github.com/ems/backend/internal/core"
	"github.com/ems/backend/internal/events"
)

// OutcomeHandler consumes insurer.success (the gateway outcome topic, which
// carries failures too) and finalises, retries, or dead-letters.
type OutcomeHandler struct {
	o   *Orchestrator
	now func() time.Time
}

func (o *Orchestrator) Outcome() *OutcomeHandler {
	return &OutcomeHandler{o: o, now: time.Now}
}

// SetClock overrides the clock for tests.
func (h *OutcomeHandler) SetClock(now func() time.Time) { h.now = now }

func (h *OutcomeHandler) Name() string { return "orchestrator.outcome" }

func (h *OutcomeHandler) Handle(ctx context.Context, msg events.Message, interim *events.InterimOutput) (*events.InterimOutput, error) {
	var event events.InsurerOutcomeEvent
	if err := msg.Decode(&event); err != nil {
		return interim, err
	}

	if event.Status == events.OutcomeSuccess {
		return interim, h.finalize(ctx, &event)
	}

	errorType := event.ErrorType
	if errorType == "" {
		errorType = events.ErrorTypeTechnical
	}
	if errorType == events.ErrorTypeBusiness {
		return interim, h.failAndDeadLetter(ctx, &event, "business failure")
	}

	nextRetry := event.RetryCount + 1
	if nextRetry > h.o.cfg.MaxRetries {
		return interim, h.failAndDeadLetter(ctx, &event, "retries exhausted")
	}
	return interim, h.scheduleRetry(ctx, &event, nextRetry)
}

func (h *OutcomeHandler) finalize(ctx context.Context, event *events.InsurerOutcomeEvent) error {
	// A row already at CONFIRMED means a previous delivery crashed before
	// reaching ACTIVE; resume the remaining steps. Settling an already-settled
	// reservation is a no-op and the completion event is at-least-once.
	request, moved, err := h.o.transition(ctx, event.EndorsementID, event.EmployerID, core.StatusConfirmed, event.RetryCount)
	if err != nil {
		return err
	}
	if !moved && (request == nil || request.Status != core.StatusConfirmed) {
		return nil
	}

	if err := h.o.ledger.SettleReservation(ctx, event.EmployerID, event.EndorsementID, true, h.o.cfg.RefundOnFailure); err != nil {
		// The request row is authoritative; reconciliation catches the row.
		slog.Error("clear reservation failed",
			"endorsement_id", event.EndorsementID, "error", err)
	}

	completed := events.CompletedEvent{
		EndorsementID:   event.EndorsementID,
		EmployerID:      event.EmployerID,
		TraceID:         event.TraceID,
		RetryCount:      request.RetryCount,
		Status:          core.StatusActive,
		InsurerResponse: event.InsurerResponse,
	}
	headers := events.BaseHeaders("orchestrator", event.TraceID, event.EmployerID)
	if err := events.PublishJSON(ctx, h.o.producer, h.o.topics.Completed, event.EndorsementID, completed, headers); err != nil {
		return err
	}

	_, _, err = h.o.transition(ctx, event.EndorsementID, event.EmployerID, core.StatusActive, -1)
	return err
}

func (h *OutcomeHandler) scheduleRetry(ctx context.Context, event *events.InsurerOutcomeEvent, nextRetry int) error {
	delay := h.o.RetryDelaySeconds(nextRetry)

	retry := events.InsurerRequestEvent{
		EndorsementID:     event.EndorsementID,
		EmployerID:        event.EmployerID,
		RequestType:       event.RequestType,
		TraceID:           event.TraceID,
		Payload:           event.Payload,
		LedgerContext:     event.LedgerContext,
		InsurerID:         event.InsurerID,
		RetryCount:        nextRetry,
		RetryDelaySeconds: delay,
		LastError:         event.Error,
	}

	headers := events.BaseHeaders("orchestrator", event.TraceID, event.EmployerID)
	headers[events.HeaderRetryAfter] = strconv.Itoa(delay)
	headers[events.HeaderVisibleAfter] = strconv.FormatInt(h.now().Add(time.Duration(delay)*time.Second).Unix(), 10)

	if err := events.PublishJSON(ctx, h.o.producer, h.o.topics.InsurerRetry, event.EndorsementID, retry, headers); err != nil {
		return err
	}

	_, _, err := h.o.transition(ctx, event.EndorsementID, event.EmployerID, core.StatusSent, nextRetry)
	if err != nil {
		return err
	}
	slog.Info("retry scheduled",
		"endorsement_id", event.EndorsementID,
		"retry", nextRetry,
		"delay_seconds", delay)
	return nil
}

func (h *OutcomeHandler) failAndDeadLetter(ctx context.Context, event *events.InsurerOutcomeEvent, reason string) error {
	if _, _, err := h.o.transition(ctx, event.EndorsementID, event.EmployerID, core.StatusFailed, event.RetryCount); err != nil {
		return err
	}

	if err := h.o.ledger.SettleReservation(ctx, event.EmployerID, event.EndorsementID, false, h.o.cfg.RefundOnFailure); err != nil {
		slog.Error("settle failed reservation",
			"endorsement_id", event.EndorsementID, "error", err)
	}

	detail := events.ErrorDetail{Code: "UNKNOWN", Message: reason}
	if event.Error != nil {
		detail = *event.Error
	}
	dead := events.DeadLetterEvent{
		Original: *event,
		Error:    detail,
		FailedAt: h.now().UTC(),
	}
	headers := events.BaseHeaders("orchestrator", event.TraceID, event.EmployerID)
	if err := events.PublishJSON(ctx, h.o.producer, h.o.topics.InsurerDLQ, event.EndorsementID, dead, headers); err != nil {
		return err
	}

	slog.Warn("endorsement dead-lettered",
		"endorsement_id", event.EndorsementID,
		"reason", reason,
		"error_code", detail.Code)
	return nil
}
