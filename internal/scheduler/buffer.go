// Package scheduler implements the Smart Scheduler: per-employer tumbling
// windows over freshly ingested endorsements, with priority reordering on
// window expiry. Deletions release funds, so they leave the window first and
// give additions in the same batch the best chance of clearing.
package scheduler

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/ems/backend/internal/events"
	"github.com/ems/backend/internal/infra"
)

const (
	queueKeyPrefix      = "scheduler:queue:"
	windowKeyPrefix     = "scheduler:window:"
	processingKeyPrefix = "scheduler:processing:"
	activeEmployersKey  = "scheduler:active_employers"
)

// Buffer accumulates ingested endorsements per employer and opens the
// employer's tumbling window on first arrival.
type Buffer struct {
	kv     infra.KVStore
	window time.Duration
	now    func() time.Time
}

func NewBuffer(kv infra.KVStore, window time.Duration) *Buffer {
	return &Buffer{kv: kv, window: window, now: time.Now}
}

// SetClock overrides the clock for tests.
func (b *Buffer) SetClock(now func() time.Time) { b.now = now }

// Add appends the event to the employer's queue, marks the employer active,
// and opens the window if none is running. The window key holds the expiry
// wall-clock second; its TTL is a safety net twice the window length.
func (b *Buffer) Add(ctx context.Context, event events.IngestedEvent) error {
	serialized, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal scheduler item: %w", err)
	}

	if err := b.kv.RPush(ctx, queueKeyPrefix+event.EmployerID, string(serialized)); err != nil {
		return fmt.Errorf("buffer endorsement %s: %w", event.EndorsementID, err)
	}
	if err := b.kv.SAdd(ctx, activeEmployersKey, event.EmployerID); err != nil {
		return fmt.Errorf("mark employer active: %w", err)
	}

	expiry := b.now().Add(b.window).Unix()
	_, err = b.kv.SetNX(ctx, windowKeyPrefix+event.EmployerID,
		strconv.FormatInt(expiry, 10), 2*b.window)
	if err != nil {
		return fmt.Errorf("open window for %s: %w", event.EmployerID, err)
	}
	return nil
}

// IngestHandler adapts Buffer to the consumer handler contract on the
// endorsement.ingested topic.
type IngestHandler struct {
	buffer *Buffer
}

func NewIngestHandler(buffer *Buffer) *IngestHandler {
	return &IngestHandler{buffer: buffer}
}

func (h *IngestHandler) Name() string { return "scheduler.ingest" }

func (h *IngestHandler) Handle(ctx context.Context, msg events.Message, interim *events.InterimOutput) (*events.InterimOutput, error) {
	var event events.IngestedEvent
	if err := msg.Decode(&event); err != nil {
		return interim, err
	}
	if event.EndorsementID == "" || event.EmployerID == "" {
		return interim, fmt.Errorf("ingested event missing ids (endorsement=%q employer=%q)",
			event.EndorsementID, event.EmployerID)
	}
	return interim, h.buffer.Add(ctx, event)
}
