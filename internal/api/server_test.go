package api

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ems/backend/internal/core"
	"github.com/ems/backend/internal/database"
	"github.com/ems/backend/internal/endorsement"
	"github.com/ems/backend/internal/events"
	"github.com/ems/backend/internal/infra"
	"github.com/ems/backend/internal/ledger"
	"github.com/ems/backend/internal/metrics"
)

type fakeEmployers struct{}

func (fakeEmployers) GetByID(_ context.Context, id string) (*core.Employer, error) {
	if id != "emp-1" {
		return nil, database.ErrNotFound
	}
	return &core.Employer{ID: id}, nil
}

type fakeRequests struct{}

func (fakeRequests) Create(context.Context, *core.EndorsementRequest) error { return nil }

type fakeLedger struct{}

func (fakeLedger) TopUp(_ context.Context, employerID string, amount decimal.Decimal, _ string) (decimal.Decimal, error) {
	if employerID != "emp-1" {
		return decimal.Zero, database.ErrNotFound
	}
	return amount.Add(decimal.RequireFromString("100.00")), nil
}

func newTestServer() *Server {
	m := metrics.New()
	bus := events.NewMemoryBus()
	ingress := endorsement.NewService(fakeEmployers{}, fakeRequests{}, infra.NewMemoryKV(), bus,
		"endorsement.ingested", 24*time.Hour, m)
	topups := ledger.NewTopUpService(fakeLedger{}, bus, "ledger.balance_increased")
	return NewServer(ingress, topups, m)
}

func post(t *testing.T, handler http.Handler, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	return rec
}

func TestSubmitEndorsementAccepted(t *testing.T) {
	srv := newTestServer()
	rec := post(t, srv.Handler(), "/v1/endorsements", `{
		"employer_id": "emp-1",
		"type": "ADDITION",
		"effective_date": "2026-09-01",
		"payload": {"employee_code": "e42"}
	}`)

	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	assert.Contains(t, rec.Body.String(), `"status":"RECEIVED"`)
	assert.Contains(t, rec.Body.String(), "endorsement_id")
	assert.Contains(t, rec.Body.String(), "trace_id")
}

func TestSubmitEndorsementDuplicate(t *testing.T) {
	srv := newTestServer()
	body := `{
		"employer_id": "emp-1",
		"type": "ADDITION",
		"effective_date": "2026-09-01",
		"payload": {"employee_code": "e42"}
	}`
	require.Equal(t, http.StatusAccepted, post(t, srv.Handler(), "/v1/endorsements", body).Code)

	rec := post(t, srv.Handler(), "/v1/endorsements", body)
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Contains(t, rec.Body.String(), "DUPLICATE_REQUEST")
}

func TestSubmitEndorsementValidation(t *testing.T) {
	srv := newTestServer()

	rec := post(t, srv.Handler(), "/v1/endorsements", `{"employer_id": "emp-1", "type": "UPSERT",
		"effective_date": "2026-09-01", "payload": {"x": 1}}`)
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	assert.Contains(t, rec.Body.String(), "VALIDATION_FAILED")

	rec = post(t, srv.Handler(), "/v1/endorsements", `{"employer_id": "emp-1", "type": "ADDITION",
		"effective_date": "September 1st", "payload": {"x": 1}}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "INVALID_EFFECTIVE_DATE")

	rec = post(t, srv.Handler(), "/v1/endorsements", `{not json`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "MALFORMED_JSON")
}

func TestTopUp(t *testing.T) {
	srv := newTestServer()
	rec := post(t, srv.Handler(), "/v1/employers/emp-1/topups", `{"amount": "250.00", "external_ref": "pay-1"}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Contains(t, rec.Body.String(), `"new_balance":"350.00"`)
}

func TestTopUpRejectsBadAmount(t *testing.T) {
	srv := newTestServer()
	for _, amount := range []string{`"-5.00"`, `"0"`, `"lots"`} {
		rec := post(t, srv.Handler(), "/v1/employers/emp-1/topups", `{"amount": `+amount+`}`)
		assert.Equal(t, http.StatusUnprocessableEntity, rec.Code, amount)
		assert.Contains(t, rec.Body.String(), "INVALID_AMOUNT")
	}
}

func TestTopUpUnknownEmployer(t *testing.T) {
	srv := newTestServer()
	rec := post(t, srv.Handler(), "/v1/employers/emp-ghost/topups", `{"amount": "10.00"}`)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Contains(t, rec.Body.String(), "EMPLOYER_NOT_FOUND")
}

func TestMetricsEndpoint(t *testing.T) {
	srv := newTestServer()
	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
}
