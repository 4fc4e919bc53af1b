package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ems/backend/internal/audit"
	"github.com/ems/backend/internal/config"
	"github.com/ems/backend/internal/events"
	"github.com/ems/backend/internal/metrics"
)

func newTestService(t *testing.T, url string) (*Service, *audit.MemoryStore, *events.MemoryBus) {
	t.Helper()
	registry := NewStrategyRegistry()
	registry.Register(NewHTTPStrategy(5 * time.Second))

	store := audit.NewMemoryStore()
	bus := events.NewMemoryBus()
	svc := NewService(registry, store, bus, "insurer.success", config.InsurerConfig{
		TimeoutSeconds: 5,
		Gateways: map[string]config.GatewayEntry{
			"acme": {URL: url, Method: "POST", Protocol: ProtocolREST,
				Headers: map[string]string{"Authorization": "Bearer supersecret"}},
		},
	}, metrics.New())
	svc.SetClock(time.Now, func(context.Context, time.Duration) error { return nil })
	return svc, store, bus
}

func requestMessage(t *testing.T, event events.InsurerRequestEvent, headers map[string]string) events.Message {
	t.Helper()
	value, err := json.Marshal(event)
	require.NoError(t, err)
	return events.Message{Topic: "insurer.request", Key: event.EndorsementID, Value: value, Headers: headers}
}

func baseEvent() events.InsurerRequestEvent {
	return events.InsurerRequestEvent{
		EndorsementID: "end-1",
		EmployerID:    "emp-1",
		TraceID:       "trace-1",
		Payload: map[string]interface{}{
			"coverage": map[string]interface{}{"insurer_id": "acme"},
			"ssn":      "123-45-6789",
		},
	}
}

func publishedOutcome(t *testing.T, bus *events.MemoryBus) events.InsurerOutcomeEvent {
	t.Helper()
	published := bus.PublishedTo("insurer.success")
	require.Len(t, published, 1)
	var outcome events.InsurerOutcomeEvent
	require.NoError(t, json.Unmarshal(published[0].Value, &outcome))
	return outcome
}

func TestDispatchSuccess(t *testing.T) {
	var got *http.Request
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = r.Clone(r.Context())
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	svc, store, bus := newTestService(t, server.URL)
	_, err := svc.Handle(context.Background(), requestMessage(t, baseEvent(), nil), events.NewInterimOutput())
	require.NoError(t, err)

	require.NotNil(t, got)
	assert.Equal(t, "end-1-acme-0", got.Header.Get("X-Idempotency-Key"))
	assert.Equal(t, "trace-1", got.Header.Get("X-Trace-Id"))
	assert.Equal(t, "Bearer supersecret", got.Header.Get("Authorization"))

	outcome := publishedOutcome(t, bus)
	assert.Equal(t, events.OutcomeSuccess, outcome.Status)
	assert.Equal(t, "acme", outcome.InsurerID)
	require.NotNil(t, outcome.InsurerResponse)
	assert.Equal(t, 200, outcome.InsurerResponse.StatusCode)

	docs := store.Documents()
	require.Len(t, docs, 1, "exactly one audit document per attempt")
	assert.Equal(t, audit.StatusSuccess, docs[0].Status)
	assert.Equal(t, "***", docs[0].Request.Headers["Authorization"])
	assert.Equal(t, "***", docs[0].Request.Body["ssn"])
	assert.Equal(t, "end-1-acme-0", docs[0].IdempotencyKey)
}

func TestDispatchClassifies4xxAsBusiness(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusUnprocessableEntity)
	}))
	defer server.Close()

	svc, store, bus := newTestService(t, server.URL)
	_, err := svc.Handle(context.Background(), requestMessage(t, baseEvent(), nil), events.NewInterimOutput())
	require.NoError(t, err)

	outcome := publishedOutcome(t, bus)
	assert.Equal(t, events.OutcomeFailure, outcome.Status)
	assert.Equal(t, events.ErrorTypeBusiness, outcome.ErrorType)
	require.NotNil(t, outcome.Error)
	assert.Equal(t, "HTTP_422", outcome.Error.Code)

	docs := store.Documents()
	require.Len(t, docs, 1)
	assert.Equal(t, audit.StatusFailure, docs[0].Status)
}

func TestDispatchClassifies5xxAsTechnical(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer server.Close()

	svc, _, bus := newTestService(t, server.URL)
	_, err := svc.Handle(context.Background(), requestMessage(t, baseEvent(), nil), events.NewInterimOutput())
	require.NoError(t, err)

	outcome := publishedOutcome(t, bus)
	assert.Equal(t, events.ErrorTypeTechnical, outcome.ErrorType)
	assert.Equal(t, "HTTP_503", outcome.Error.Code)
}

func TestDispatchTransportFailureIsTechnical(t *testing.T) {
	// Closed server: connection refused.
	server := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	url := server.URL
	server.Close()

	svc, store, bus := newTestService(t, url)
	_, err := svc.Handle(context.Background(), requestMessage(t, baseEvent(), nil), events.NewInterimOutput())
	require.NoError(t, err)

	outcome := publishedOutcome(t, bus)
	assert.Equal(t, events.ErrorTypeTechnical, outcome.ErrorType)
	assert.Equal(t, "TRANSPORT_ERROR", outcome.Error.Code)
	require.Len(t, store.Documents(), 1)
}

func TestDispatchMissingInsurerIDShortCircuits(t *testing.T) {
	svc, store, bus := newTestService(t, "http://unused")
	event := baseEvent()
	event.Payload = map[string]interface{}{"employee_code": "e42"}

	_, err := svc.Handle(context.Background(), requestMessage(t, event, nil), events.NewInterimOutput())
	require.NoError(t, err)

	outcome := publishedOutcome(t, bus)
	assert.Equal(t, events.OutcomeFailure, outcome.Status)
	assert.Equal(t, "INSURER_ID_MISSING", outcome.Error.Code)
	assert.Len(t, store.Documents(), 1, "short circuits are still audited")
}

func TestDispatchUnknownInsurerShortCircuits(t *testing.T) {
	svc, store, bus := newTestService(t, "http://unused")
	event := baseEvent()
	event.Payload = map[string]interface{}{"insurer_id": "nobody"}

	_, err := svc.Handle(context.Background(), requestMessage(t, event, nil), events.NewInterimOutput())
	require.NoError(t, err)

	outcome := publishedOutcome(t, bus)
	assert.Equal(t, "GATEWAY_CONFIG_MISSING", outcome.Error.Code)
	assert.Equal(t, events.ErrorTypeTechnical, outcome.ErrorType)
	require.Len(t, store.Documents(), 1)
}

func TestDispatchHonorsVisibleAfter(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	svc, _, _ := newTestService(t, server.URL)

	now := time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)
	var slept time.Duration
	svc.SetClock(func() time.Time { return now }, func(_ context.Context, d time.Duration) error {
		slept = d
		return nil
	})

	event := baseEvent()
	event.RetryCount = 1
	event.RetryDelaySeconds = 120
	headers := map[string]string{
		events.HeaderVisibleAfter: strconv.FormatInt(now.Add(45*time.Second).Unix(), 10),
	}
	_, err := svc.Handle(context.Background(), requestMessage(t, event, headers), events.NewInterimOutput())
	require.NoError(t, err)

	assert.Equal(t, 45*time.Second, slept, "only the remaining delay is waited out")
}

func TestDispatchPastVisibilityDoesNotSleep(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	svc, _, _ := newTestService(t, server.URL)
	now := time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)
	slept := false
	svc.SetClock(func() time.Time { return now }, func(context.Context, time.Duration) error {
		slept = true
		return nil
	})

	event := baseEvent()
	event.RetryDelaySeconds = 120
	headers := map[string]string{
		events.HeaderVisibleAfter: strconv.FormatInt(now.Add(-10*time.Second).Unix(), 10),
	}
	_, err := svc.Handle(context.Background(), requestMessage(t, event, headers), events.NewInterimOutput())
	require.NoError(t, err)
	assert.False(t, slept)
}

func TestIdempotencyKeyChangesPerRetry(t *testing.T) {
	assert.Equal(t, "end-1-acme-0", IdempotencyKey("end-1", "acme", 0))
	assert.Equal(t, "end-1-acme-2", IdempotencyKey("end-1", "acme", 2))
}
