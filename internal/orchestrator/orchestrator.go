// Package orchestrator drives the endorsement state machine. It owns every
// status transition and never touches the employer balance; the ledger does
// that on its own topic.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"

	"github.com/ems/backend/internal/core"
	"github.com/ems/backend/internal/database"
	"github.com/ems/backend/internal/events"
	"github.com/ems/backend/internal/metrics"
)

// StatusStore is the endorsement persistence surface the orchestrator needs.
type StatusStore interface {
	GetByID(ctx context.Context, id, employerID string) (*core.EndorsementRequest, error)
	UpdateStatus(ctx context.Context, id, employerID, status string, retryCount int) (*core.EndorsementRequest, error)
}

// Settler gives the endorsement's LOCKED ledger row its terminal disposition.
type Settler interface {
	SettleReservation(ctx context.Context, employerID, endorsementID string, success, refundOnFailure bool) error
}

// Topics the orchestrator publishes to.
type Topics struct {
	CheckFunds     string
	InsurerRequest string
	InsurerRetry   string
	InsurerDLQ     string
	Completed      string
}

// Config tunes the retry policy.
type Config struct {
	MaxRetries      int
	BackoffBase     int
	RefundOnFailure bool
}

// Orchestrator hosts the three pipeline handlers.
type Orchestrator struct {
	store    StatusStore
	ledger   Settler
	producer events.Producer
	topics   Topics
	cfg      Config
	metrics  *metrics.Metrics
}

func New(store StatusStore, ledger Settler, producer events.Producer, topics Topics, cfg Config, m *metrics.Metrics) *Orchestrator {
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	if cfg.BackoffBase < 2 {
		cfg.BackoffBase = 2
	}
	return &Orchestrator{store: store, ledger: ledger, producer: producer, topics: topics, cfg: cfg, metrics: m}
}

// transition moves the row and records the metric. ErrStaleTransition is a
// logged no-op: the row already moved past the target, usually a redelivered
// message.
func (o *Orchestrator) transition(ctx context.Context, id, employerID, status string, retryCount int) (*core.EndorsementRequest, bool, error) {
	request, err := o.store.UpdateStatus(ctx, id, employerID, status, retryCount)
	if errors.Is(err, database.ErrStaleTransition) {
		return request, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	o.metrics.EndorsementsProcessed.WithLabelValues(status, request.Type).Inc()
	return request, true, nil
}

// RetryDelaySeconds computes the backoff for the given retry ordinal
// (1-based): base^retry minutes.
func (o *Orchestrator) RetryDelaySeconds(retry int) int {
	return int(math.Pow(float64(o.cfg.BackoffBase), float64(retry))) * 60
}

// PrioritizedHandler consumes endorsement.prioritized: VALIDATED, then hand
// off to the ledger.
type PrioritizedHandler struct{ o *Orchestrator }

func (o *Orchestrator) Prioritized() *PrioritizedHandler { return &PrioritizedHandler{o: o} }

func (h *PrioritizedHandler) Name() string { return "orchestrator.prioritized" }

func (h *PrioritizedHandler) Handle(ctx context.Context, msg events.Message, interim *events.InterimOutput) (*events.InterimOutput, error) {
	var event events.IngestedEvent
	if err := msg.Decode(&event); err != nil {
		return interim, err
	}
	if event.EndorsementID == "" || event.EmployerID == "" {
		return interim, fmt.Errorf("prioritized event missing ids")
	}

	request, moved, err := h.o.transition(ctx, event.EndorsementID, event.EmployerID, core.StatusValidated, -1)
	if err != nil {
		return interim, err
	}
	if !moved {
		return interim, nil
	}

	check := events.CheckFundsEvent{
		EndorsementID: request.ID,
		EmployerID:    request.EmployerID,
		RequestType:   request.Type,
		EffectiveDate: request.EffectiveDate,
		Payload:       request.Payload,
		TraceID:       request.TraceID,
	}
	headers := events.BaseHeaders("orchestrator", request.TraceID, request.EmployerID)
	return interim, events.PublishJSON(ctx, h.o.producer, h.o.topics.CheckFunds, request.ID, check, headers)
}

// FundsLockedHandler consumes ledger.funds_locked and branches on the
// reservation status.
type FundsLockedHandler struct{ o *Orchestrator }

func (o *Orchestrator) FundsLocked() *FundsLockedHandler { return &FundsLockedHandler{o: o} }

func (h *FundsLockedHandler) Name() string { return "orchestrator.funds_locked" }

func (h *FundsLockedHandler) Handle(ctx context.Context, msg events.Message, interim *events.InterimOutput) (*events.InterimOutput, error) {
	var event events.FundsLockedEvent
	if err := msg.Decode(&event); err != nil {
		return interim, err
	}

	switch event.Status {
	case events.ReservationLocked:
		return interim, h.dispatchToInsurer(ctx, &event)
	case events.ReservationOnHold:
		_, _, err := h.o.transition(ctx, event.EndorsementID, event.EmployerID, core.StatusOnHold, -1)
		return interim, err
	default:
		_, moved, err := h.o.transition(ctx, event.EndorsementID, event.EmployerID, core.StatusFailed, -1)
		if err != nil {
			return interim, err
		}
		if moved {
			slog.Warn("endorsement failed at ledger",
				"endorsement_id", event.EndorsementID, "message", event.Message)
		}
		return interim, nil
	}
}

func (h *FundsLockedHandler) dispatchToInsurer(ctx context.Context, event *events.FundsLockedEvent) error {
	// A stale first transition can mean the row already moved past this
	// handler entirely, or that a previous delivery crashed mid-way. Resume
	// when the row sits on this handler's own path (FUNDS_LOCKED before the
	// SENT write, SENT before the publish); the gateway idempotency key
	// absorbs a duplicate dispatch.
	current, moved, err := h.o.transition(ctx, event.EndorsementID, event.EmployerID, core.StatusFundsLocked, -1)
	if err != nil {
		return err
	}
	if !moved && (current == nil ||
		(current.Status != core.StatusFundsLocked && current.Status != core.StatusSent)) {
		return nil
	}
	request, moved, err := h.o.transition(ctx, event.EndorsementID, event.EmployerID, core.StatusSent, -1)
	if err != nil {
		return err
	}
	if !moved {
		return nil
	}

	dispatch := events.InsurerRequestEvent{
		EndorsementID: request.ID,
		EmployerID:    request.EmployerID,
		RequestType:   request.Type,
		TraceID:       request.TraceID,
		Payload:       request.Payload,
		LedgerContext: events.LedgerContext{
			LockedAmount:  event.LockedAmount,
			ReservationID: event.ReservationID,
			NewBalance:    event.NewBalance,
		},
		InsurerID:  ResolveInsurerID(request.Payload),
		RetryCount: request.RetryCount,
	}
	headers := events.BaseHeaders("orchestrator", request.TraceID, request.EmployerID)
	return events.PublishJSON(ctx, h.o.producer, h.o.topics.InsurerRequest, request.ID, dispatch, headers)
}

// ResolveInsurerID derives the insurer from the endorsement payload:
// payload.coverage.insurer_id, else payload.insurer_id.
func ResolveInsurerID(payload map[string]interface{}) string {
	if coverage, ok := payload["coverage"].(map[string]interface{}); ok {
		if id, ok := coverage["insurer_id"].(string); ok && id != "" {
			return id
		}
	}
	if id, ok := payload["insurer_id"].(string); ok {
		return id
	}
	return ""
}
