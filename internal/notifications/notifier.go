// Package notifications delivers completion webhooks to employer-configured
// endpoints. Delivery is durable through Cloud Tasks, with an in-memory
// worker pool for local runs and as fallback.
package notifications

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/ems/backend/internal/core"
	"github.com/ems/backend/internal/database"
	"github.com/ems/backend/internal/events"
)

// EventCompleted is the notification type for terminal ACTIVE endorsements.
const EventCompleted = "endorsement.completed"

// Notification is the payload POSTed to the employer's webhook.
type Notification struct {
	ID         string                 `json:"id"`
	Type       string                 `json:"type"`
	Timestamp  time.Time              `json:"timestamp"`
	EmployerID string                 `json:"employer_id"`
	Data       map[string]interface{} `json:"data"`
}

// Target is one delivery destination.
type Target struct {
	URL    string
	Secret string
}

// Emitter delivers notifications. The Cloud Tasks dispatcher and the
// in-memory pool both satisfy it.
type Emitter interface {
	Emit(target Target, n *Notification)
	Shutdown()
}

// SignPayload creates the HMAC-SHA256 signature employers verify deliveries
// with.
func SignPayload(payload []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}

// EmployerGetter loads the employer whose config names the webhook target.
type EmployerGetter interface {
	GetByID(ctx context.Context, id string) (*core.Employer, error)
}

// CompletedHandler consumes endorsement.completed and hands deliveries to
// the emitter. Employers without a webhook URL are skipped.
type CompletedHandler struct {
	employers EmployerGetter
	emitter   Emitter
}

func NewCompletedHandler(employers EmployerGetter, emitter Emitter) *CompletedHandler {
	return &CompletedHandler{employers: employers, emitter: emitter}
}

func (h *CompletedHandler) Name() string { return "notifications.completed" }

func (h *CompletedHandler) Handle(ctx context.Context, msg events.Message, interim *events.InterimOutput) (*events.InterimOutput, error) {
	var event events.CompletedEvent
	if err := msg.Decode(&event); err != nil {
		return interim, err
	}

	employer, err := h.employers.GetByID(ctx, event.EmployerID)
	if err != nil {
		if errors.Is(err, database.ErrNotFound) {
			return interim, nil
		}
		return interim, err
	}
	if employer.Config.WebhookURL == "" {
		return interim, nil
	}

	data := map[string]interface{}{
		"endorsement_id": event.EndorsementID,
		"status":         event.Status,
		"retry_count":    event.RetryCount,
	}
	if event.TraceID != "" {
		data["trace_id"] = event.TraceID
	}
	if event.InsurerResponse != nil {
		data["insurer_status_code"] = event.InsurerResponse.StatusCode
	}

	h.emitter.Emit(
		Target{URL: employer.Config.WebhookURL, Secret: employer.Config.WebhookSecret},
		&Notification{
			ID:         fmt.Sprintf("ntf-%d", time.Now().UnixNano()),
			Type:       EventCompleted,
			Timestamp:  time.Now().UTC(),
			EmployerID: event.EmployerID,
			Data:       data,
		})
	return interim, nil
}
