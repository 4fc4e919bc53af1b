package scheduler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"time"

	"github.com/ems/backend/internal/core"
	"github.com/ems/backend/internal/events"
	"github.com/ems/backend/internal/infra"
	"github.com/ems/backend/internal/metrics"
)

// Sweeper visits every active employer and flushes expired windows. The
// rename-then-pop sequence is what makes the flush safe against concurrent
// appends: writers that lose the race keep appending to a fresh queue key
// which the next sweep picks up.
type Sweeper struct {
	kv       infra.KVStore
	producer events.Producer
	topic    string
	metrics  *metrics.Metrics
	now      func() time.Time
}

func NewSweeper(kv infra.KVStore, producer events.Producer, prioritizedTopic string, m *metrics.Metrics) *Sweeper {
	return &Sweeper{kv: kv, producer: producer, topic: prioritizedTopic, metrics: m, now: time.Now}
}

// SetClock overrides the clock for tests.
func (s *Sweeper) SetClock(now func() time.Time) { s.now = now }

// Sweep runs one pass over the active employer set.
func (s *Sweeper) Sweep(ctx context.Context) error {
	employers, err := s.kv.SMembers(ctx, activeEmployersKey)
	if err != nil {
		return fmt.Errorf("list active employers: %w", err)
	}

	for _, employerID := range employers {
		if err := s.sweepEmployer(ctx, employerID); err != nil {
			slog.Error("sweep failed", "employer_id", employerID, "error", err)
		}
	}
	return nil
}

func (s *Sweeper) sweepEmployer(ctx context.Context, employerID string) error {
	expired, err := s.windowExpired(ctx, employerID)
	if err != nil {
		return err
	}
	if !expired {
		return nil
	}

	processingKey := fmt.Sprintf("%s%s:%d", processingKeyPrefix, employerID, s.now().Unix())
	if err := s.kv.Rename(ctx, queueKeyPrefix+employerID, processingKey); err != nil {
		// Queue gone, usually a concurrent sweeper won the rename. Clean up
		// the bookkeeping silently.
		s.cleanup(ctx, employerID)
		return nil
	}
	s.cleanup(ctx, employerID)

	items, err := s.kv.LRange(ctx, processingKey, 0, -1)
	if err != nil {
		return fmt.Errorf("drain processing key: %w", err)
	}
	if err := s.kv.Del(ctx, processingKey); err != nil {
		slog.Warn("delete processing key failed", "key", processingKey, "error", err)
	}
	if len(items) == 0 {
		return nil
	}

	batch := decodeItems(items)
	// Stable: equal priorities keep FIFO arrival order.
	sort.SliceStable(batch, func(i, j int) bool {
		return core.TypePriority(batch[i].Type) < core.TypePriority(batch[j].Type)
	})

	for _, event := range batch {
		headers := events.BaseHeaders("scheduler", event.TraceID, event.EmployerID)
		if err := events.PublishJSON(ctx, s.producer, s.topic, event.EndorsementID, event, headers); err != nil {
			// Not requeued. The row is authoritative in the database; replay
			// re-drives the orchestrator.
			slog.Error("publish prioritized failed",
				"endorsement_id", event.EndorsementID, "error", err)
			continue
		}
		s.metrics.MessagesProduced.WithLabelValues(s.topic).Inc()
	}

	s.metrics.SchedulerBatches.Inc()
	slog.Info("window flushed", "employer_id", employerID, "count", len(batch))
	return nil
}

// windowExpired reports whether the employer's window is absent or past its
// expiry second.
func (s *Sweeper) windowExpired(ctx context.Context, employerID string) (bool, error) {
	raw, err := s.kv.Get(ctx, windowKeyPrefix+employerID)
	if errors.Is(err, infra.ErrKeyNotFound) {
		return true, nil
	}
	if err != nil {
		return false, fmt.Errorf("read window key: %w", err)
	}
	expiry, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		// Corrupt window key; treat as expired so the batch is not stuck.
		return true, nil
	}
	return s.now().Unix() >= expiry, nil
}

func (s *Sweeper) cleanup(ctx context.Context, employerID string) {
	if err := s.kv.Del(ctx, windowKeyPrefix+employerID); err != nil {
		slog.Warn("delete window key failed", "employer_id", employerID, "error", err)
	}
	if err := s.kv.SRem(ctx, activeEmployersKey, employerID); err != nil {
		slog.Warn("remove active employer failed", "employer_id", employerID, "error", err)
	}
}

func decodeItems(items []string) []events.IngestedEvent {
	batch := make([]events.IngestedEvent, 0, len(items))
	for _, raw := range items {
		var event events.IngestedEvent
		if err := json.Unmarshal([]byte(raw), &event); err != nil {
			slog.Error("drop undecodable scheduler item", "error", err)
			continue
		}
		batch = append(batch, event)
	}
	return batch
}
