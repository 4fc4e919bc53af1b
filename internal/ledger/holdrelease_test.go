package ledger

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ems/backend/internal/core"
	"github.com/ems/backend/internal/database"
	"github.com/ems/backend/internal/events"
)

type fakeOnHoldStore struct {
	parked      []*core.EndorsementRequest
	transitions []string
	staleFor    map[string]bool
}

func (f *fakeOnHoldStore) ListOnHold(_ context.Context, employerID string) ([]*core.EndorsementRequest, error) {
	var out []*core.EndorsementRequest
	for _, r := range f.parked {
		if r.EmployerID == employerID {
			out = append(out, r)
		}
	}
	return out, nil
}

func (f *fakeOnHoldStore) UpdateStatus(_ context.Context, id, _, status string, _ int) (*core.EndorsementRequest, error) {
	if f.staleFor[id] {
		return nil, database.ErrStaleTransition
	}
	f.transitions = append(f.transitions, id+":"+status)
	for _, r := range f.parked {
		if r.ID == id {
			r.Status = status
			return r, nil
		}
	}
	return nil, database.ErrNotFound
}

func balanceIncreasedMessage(t *testing.T, employerID string) events.Message {
	t.Helper()
	value, err := json.Marshal(events.BalanceIncreasedEvent{
		EmployerID:   employerID,
		ChangeAmount: decimal.RequireFromString("300.00"),
		NewBalance:   decimal.RequireFromString("350.00"),
		Timestamp:    time.Now().UTC(),
		Source:       "top_up",
	})
	require.NoError(t, err)
	return events.Message{Topic: "ledger.balance_increased", Key: employerID, Value: value}
}

func TestHoldReleaseLiftsParkedRequestsInArrivalOrder(t *testing.T) {
	store := &fakeOnHoldStore{parked: []*core.EndorsementRequest{
		{ID: "end-1", EmployerID: "emp-1", Type: core.TypeAddition, Status: core.StatusOnHold,
			Payload: map[string]interface{}{"amount": "200.00"}, TraceID: "t1"},
		{ID: "end-2", EmployerID: "emp-1", Type: core.TypeAddition, Status: core.StatusOnHold,
			Payload: map[string]interface{}{"amount": "50.00"}, TraceID: "t2"},
		{ID: "end-3", EmployerID: "emp-2", Type: core.TypeAddition, Status: core.StatusOnHold},
	}}
	bus := events.NewMemoryBus()
	release := NewHoldRelease(store, bus, "ledger.check_funds")

	_, err := release.Handle(context.Background(), balanceIncreasedMessage(t, "emp-1"), events.NewInterimOutput())
	require.NoError(t, err)

	assert.Equal(t, []string{"end-1:VALIDATED", "end-2:VALIDATED"}, store.transitions,
		"released in arrival order, other employers untouched")

	published := bus.PublishedTo("ledger.check_funds")
	require.Len(t, published, 2)
	assert.Equal(t, "end-1", published[0].Key)
	assert.Equal(t, "end-2", published[1].Key)

	var check events.CheckFundsEvent
	require.NoError(t, json.Unmarshal(published[0].Value, &check))
	assert.Equal(t, "emp-1", check.EmployerID)
	assert.Equal(t, core.TypeAddition, check.RequestType)
	assert.Equal(t, "t1", check.TraceID)
}

func TestHoldReleaseSkipsStaleTransitions(t *testing.T) {
	store := &fakeOnHoldStore{
		parked: []*core.EndorsementRequest{
			{ID: "end-1", EmployerID: "emp-1", Type: core.TypeAddition, Status: core.StatusOnHold},
			{ID: "end-2", EmployerID: "emp-1", Type: core.TypeAddition, Status: core.StatusOnHold},
		},
		staleFor: map[string]bool{"end-1": true},
	}
	bus := events.NewMemoryBus()
	release := NewHoldRelease(store, bus, "ledger.check_funds")

	_, err := release.Handle(context.Background(), balanceIncreasedMessage(t, "emp-1"), events.NewInterimOutput())
	require.NoError(t, err)

	published := bus.PublishedTo("ledger.check_funds")
	require.Len(t, published, 1)
	assert.Equal(t, "end-2", published[0].Key)
}

func TestHoldReleaseNoParkedRequestsIsQuiet(t *testing.T) {
	store := &fakeOnHoldStore{}
	bus := events.NewMemoryBus()
	release := NewHoldRelease(store, bus, "ledger.check_funds")

	_, err := release.Handle(context.Background(), balanceIncreasedMessage(t, "emp-1"), events.NewInterimOutput())
	require.NoError(t, err)
	assert.Empty(t, bus.Published())
}
