package endorsement

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ems/backend/internal/core"
	"github.com/ems/backend/internal/database"
	"github.com/ems/backend/internal/events"
	"github.com/ems/backend/internal/infra"
	"github.com/ems/backend/internal/metrics"
)

type fakeEmployers struct {
	known map[string]bool
}

func (f *fakeEmployers) GetByID(_ context.Context, id string) (*core.Employer, error) {
	if !f.known[id] {
		return nil, database.ErrNotFound
	}
	return &core.Employer{ID: id}, nil
}

type fakeRequests struct {
	created   []*core.EndorsementRequest
	createErr error
}

func (f *fakeRequests) Create(_ context.Context, r *core.EndorsementRequest) error {
	if f.createErr != nil {
		return f.createErr
	}
	f.created = append(f.created, r)
	return nil
}

func newTestService(requests *fakeRequests) (*Service, *infra.MemoryKV, *events.MemoryBus) {
	kv := infra.NewMemoryKV()
	bus := events.NewMemoryBus()
	employers := &fakeEmployers{known: map[string]bool{"emp-1": true}}
	svc := NewService(employers, requests, kv, bus, "endorsement.ingested", 24*time.Hour, metrics.New())
	return svc, kv, bus
}

func validInput() SubmitInput {
	return SubmitInput{
		EmployerID:    "emp-1",
		Type:          core.TypeAddition,
		EffectiveDate: time.Date(2026, 9, 1, 0, 0, 0, 0, time.UTC),
		Payload: map[string]interface{}{
			"employee_code": "e42",
			"coverage":      map[string]interface{}{"insurer_id": "acme", "amount": "200.00"},
		},
		TraceID: "trace-1",
	}
}

func TestSubmitAcceptsAndPublishes(t *testing.T) {
	requests := &fakeRequests{}
	svc, _, bus := newTestService(requests)

	request, err := svc.Submit(context.Background(), validInput())
	require.NoError(t, err)

	assert.Equal(t, core.StatusReceived, request.Status)
	assert.NotEmpty(t, request.ID)
	assert.Equal(t, "trace-1", request.TraceID)
	require.Len(t, requests.created, 1)

	published := bus.PublishedTo("endorsement.ingested")
	require.Len(t, published, 1)
	assert.Equal(t, request.ID, published[0].Key)
	assert.Equal(t, "trace-1", published[0].Header(events.HeaderTraceID))
	assert.Equal(t, "emp-1", published[0].Header(events.HeaderEmployerID))

	var ingested events.IngestedEvent
	require.NoError(t, json.Unmarshal(published[0].Value, &ingested))
	assert.Equal(t, request.ID, ingested.EndorsementID)
	assert.Equal(t, core.TypeAddition, ingested.Type)
}

func TestSubmitGeneratesTraceIDWhenAbsent(t *testing.T) {
	svc, _, _ := newTestService(&fakeRequests{})
	input := validInput()
	input.TraceID = ""

	request, err := svc.Submit(context.Background(), input)
	require.NoError(t, err)
	assert.NotEmpty(t, request.TraceID)
}

func TestSubmitValidation(t *testing.T) {
	svc, _, _ := newTestService(&fakeRequests{})

	cases := []struct {
		name   string
		mutate func(*SubmitInput)
		field  string
	}{
		{"missing employer", func(in *SubmitInput) { in.EmployerID = "" }, "employer_id"},
		{"bad type", func(in *SubmitInput) { in.Type = "UPSERT" }, "type"},
		{"missing effective date", func(in *SubmitInput) { in.EffectiveDate = time.Time{} }, "effective_date"},
		{"empty payload", func(in *SubmitInput) { in.Payload = nil }, "payload"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			input := validInput()
			tc.mutate(&input)
			_, err := svc.Submit(context.Background(), input)
			var verr *ValidationError
			require.ErrorAs(t, err, &verr)
			assert.Equal(t, tc.field, verr.Field)
		})
	}
}

func TestSubmitUnknownEmployerRejected(t *testing.T) {
	svc, _, _ := newTestService(&fakeRequests{})
	input := validInput()
	input.EmployerID = "emp-ghost"

	_, err := svc.Submit(context.Background(), input)
	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "employer_id", verr.Field)
}

func TestSubmitRejectsDuplicateWithinWindow(t *testing.T) {
	requests := &fakeRequests{}
	svc, _, _ := newTestService(requests)

	_, err := svc.Submit(context.Background(), validInput())
	require.NoError(t, err)

	_, err = svc.Submit(context.Background(), validInput())
	assert.ErrorIs(t, err, ErrDuplicate)
	assert.Len(t, requests.created, 1, "only the first submission persisted")
}

func TestSubmitDifferentEffectiveDateIsNotADuplicate(t *testing.T) {
	requests := &fakeRequests{}
	svc, _, _ := newTestService(requests)

	_, err := svc.Submit(context.Background(), validInput())
	require.NoError(t, err)

	input := validInput()
	input.EffectiveDate = input.EffectiveDate.AddDate(0, 1, 0)
	_, err = svc.Submit(context.Background(), input)
	require.NoError(t, err)
	assert.Len(t, requests.created, 2)
}

func TestSubmitReleasesDedupKeyOnStoreFailure(t *testing.T) {
	requests := &fakeRequests{createErr: errors.New("connection reset")}
	svc, _, _ := newTestService(requests)

	_, err := svc.Submit(context.Background(), validInput())
	require.Error(t, err)
	require.NotErrorIs(t, err, ErrDuplicate)

	// The fingerprint is free again, so a resubmission goes through.
	requests.createErr = nil
	_, err = svc.Submit(context.Background(), validInput())
	require.NoError(t, err)
}

func TestFingerprintStableUnderKeyOrder(t *testing.T) {
	date := time.Date(2026, 9, 1, 0, 0, 0, 0, time.UTC)
	a, err := Fingerprint(core.TypeAddition, date, map[string]interface{}{
		"employee_code": "e42",
		"plan":          "gold",
	})
	require.NoError(t, err)
	b, err := Fingerprint(core.TypeAddition, date, map[string]interface{}{
		"plan":          "gold",
		"employee_code": "e42",
	})
	require.NoError(t, err)
	assert.Equal(t, a, b)

	c, err := Fingerprint(core.TypeAddition, date.AddDate(0, 0, 1), map[string]interface{}{
		"employee_code": "e42",
		"plan":          "gold",
	})
	require.NoError(t, err)
	assert.NotEqual(t, a, c)
}
