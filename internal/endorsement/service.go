// Package endorsement implements the ingress service: validation, the 24h
// duplicate-payload guard, persistence, and the hand-off to the scheduler
// topic.
package endorsement

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/ems/backend/internal/core"
	"github.com/ems/backend/internal/database"
	"github.com/ems/backend/internal/events"
	"github.com/ems/backend/internal/ids"
	"github.com/ems/backend/internal/infra"
	"github.com/ems/backend/internal/metrics"
)

// ErrDuplicate rejects a payload identical to one the employer submitted
// within the dedup window.
var ErrDuplicate = errors.New("duplicate endorsement payload")

// ValidationError rejects a submission before it enters the pipeline.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// EmployerGetter confirms the employer exists before anything is persisted.
type EmployerGetter interface {
	GetByID(ctx context.Context, id string) (*core.Employer, error)
}

// RequestCreator persists the accepted request.
type RequestCreator interface {
	Create(ctx context.Context, r *core.EndorsementRequest) error
}

// SubmitInput is one endorsement submission.
type SubmitInput struct {
	EmployerID    string                 `json:"employer_id"`
	Type          string                 `json:"type"`
	EffectiveDate time.Time              `json:"effective_date"`
	Payload       map[string]interface{} `json:"payload"`
	TraceID       string                 `json:"trace_id"`
}

// Service is the ingress pipeline entry point.
type Service struct {
	employers     EmployerGetter
	requests      RequestCreator
	kv            infra.KVStore
	producer      events.Producer
	ingestedTopic string
	dedupWindow   time.Duration
	metrics       *metrics.Metrics
}

func NewService(employers EmployerGetter, requests RequestCreator, kv infra.KVStore, producer events.Producer, ingestedTopic string, dedupWindow time.Duration, m *metrics.Metrics) *Service {
	return &Service{
		employers:     employers,
		requests:      requests,
		kv:            kv,
		producer:      producer,
		ingestedTopic: ingestedTopic,
		dedupWindow:   dedupWindow,
		metrics:       m,
	}
}

// Submit validates, dedups, persists and publishes one endorsement. The
// returned request is in status RECEIVED.
func (s *Service) Submit(ctx context.Context, input SubmitInput) (*core.EndorsementRequest, error) {
	if err := validate(&input); err != nil {
		return nil, err
	}
	if _, err := s.employers.GetByID(ctx, input.EmployerID); err != nil {
		if errors.Is(err, database.ErrNotFound) {
			return nil, &ValidationError{Field: "employer_id", Reason: "unknown employer"}
		}
		return nil, err
	}

	fingerprint, err := Fingerprint(input.Type, input.EffectiveDate, input.Payload)
	if err != nil {
		return nil, err
	}
	dedupKey := fmt.Sprintf("dedup:%s:%s", input.EmployerID, fingerprint)
	fresh, err := s.kv.SetNX(ctx, dedupKey, "1", s.dedupWindow)
	if err != nil {
		return nil, fmt.Errorf("dedup guard: %w", err)
	}
	if !fresh {
		return nil, ErrDuplicate
	}

	request := &core.EndorsementRequest{
		ID:            ids.New(),
		EmployerID:    input.EmployerID,
		Type:          input.Type,
		Status:        core.StatusReceived,
		Payload:       input.Payload,
		EffectiveDate: input.EffectiveDate,
		TraceID:       input.TraceID,
	}
	if request.TraceID == "" {
		request.TraceID = ids.New()
	}
	if err := s.requests.Create(ctx, request); err != nil {
		// Free the fingerprint so the client can resubmit after a store
		// failure.
		if delErr := s.kv.Del(ctx, dedupKey); delErr != nil {
			slog.Warn("release dedup key failed", "key", dedupKey, "error", delErr)
		}
		return nil, err
	}
	s.metrics.EndorsementsProcessed.WithLabelValues(core.StatusReceived, request.Type).Inc()

	ingested := events.IngestedEvent{
		EndorsementID: request.ID,
		EmployerID:    request.EmployerID,
		Type:          request.Type,
		EffectiveDate: request.EffectiveDate,
		Payload:       request.Payload,
		TraceID:       request.TraceID,
	}
	headers := events.BaseHeaders("ingress", request.TraceID, request.EmployerID)
	if err := events.PublishJSON(ctx, s.producer, s.ingestedTopic, request.ID, ingested, headers); err != nil {
		// The row is persisted; replay re-drives the scheduler.
		slog.Error("publish ingested failed", "endorsement_id", request.ID, "error", err)
	} else {
		s.metrics.MessagesProduced.WithLabelValues(s.ingestedTopic).Inc()
	}
	return request, nil
}

func validate(input *SubmitInput) error {
	if input.EmployerID == "" {
		return &ValidationError{Field: "employer_id", Reason: "required"}
	}
	switch input.Type {
	case core.TypeAddition, core.TypeDeletion, core.TypeModification:
	default:
		return &ValidationError{Field: "type", Reason: "must be ADDITION, DELETION or MODIFICATION"}
	}
	if input.EffectiveDate.IsZero() {
		return &ValidationError{Field: "effective_date", Reason: "required"}
	}
	if len(input.Payload) == 0 {
		return &ValidationError{Field: "payload", Reason: "required"}
	}
	return nil
}

// Fingerprint hashes the canonical JSON of the submission. encoding/json
// sorts object keys, so semantically identical payloads hash identically.
// The effective date participates: the same change on a different date is a
// distinct request.
func Fingerprint(requestType string, effectiveDate time.Time, payload map[string]interface{}) (string, error) {
	canonical, err := json.Marshal(map[string]interface{}{
		"type":           requestType,
		"effective_date": effectiveDate.UTC().Format("2006-01-02"),
		"payload":        payload,
	})
	if err != nil {
		return "", fmt.Errorf("fingerprint payload: %w", err)
	}
	sum := sha256.Sum256(canonical)
	return hex.EncodeToString(sum[:]), nil
}
