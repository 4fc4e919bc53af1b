package notifications

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ems/backend/internal/core"
	"github.com/ems/backend/internal/database"
	"github.com/ems/backend/internal/events"
)

type fakeEmployers struct {
	employers map[string]*core.Employer
}

func (f *fakeEmployers) GetByID(_ context.Context, id string) (*core.Employer, error) {
	if e, ok := f.employers[id]; ok {
		return e, nil
	}
	return nil, database.ErrNotFound
}

type capturingEmitter struct {
	targets []Target
	sent    []*Notification
}

func (c *capturingEmitter) Emit(target Target, n *Notification) {
	c.targets = append(c.targets, target)
	c.sent = append(c.sent, n)
}

func (c *capturingEmitter) Shutdown() {}

func completedMessage(t *testing.T, event events.CompletedEvent) events.Message {
	t.Helper()
	value, err := json.Marshal(event)
	require.NoError(t, err)
	return events.Message{Topic: "endorsement.completed", Key: event.EndorsementID, Value: value}
}

func TestCompletedHandlerEmitsWebhook(t *testing.T) {
	employers := &fakeEmployers{employers: map[string]*core.Employer{
		"emp-1": {ID: "emp-1", Config: core.EmployerConfig{
			WebhookURL:    "https://employer.example.com/hooks",
			WebhookSecret: "s3cret",
		}},
	}}
	emitter := &capturingEmitter{}
	handler := NewCompletedHandler(employers, emitter)

	msg := completedMessage(t, events.CompletedEvent{
		EndorsementID:   "end-1",
		EmployerID:      "emp-1",
		Status:          core.StatusActive,
		RetryCount:      1,
		TraceID:         "trace-1",
		InsurerResponse: &events.InsurerResponse{StatusCode: 200},
	})
	_, err := handler.Handle(context.Background(), msg, events.NewInterimOutput())
	require.NoError(t, err)

	require.Len(t, emitter.sent, 1)
	assert.Equal(t, "https://employer.example.com/hooks", emitter.targets[0].URL)
	assert.Equal(t, "s3cret", emitter.targets[0].Secret)

	n := emitter.sent[0]
	assert.Equal(t, EventCompleted, n.Type)
	assert.Equal(t, "emp-1", n.EmployerID)
	assert.Equal(t, "end-1", n.Data["endorsement_id"])
	assert.Equal(t, core.StatusActive, n.Data["status"])
	assert.Equal(t, 1, n.Data["retry_count"])
	assert.Equal(t, "trace-1", n.Data["trace_id"])
	assert.Equal(t, 200, n.Data["insurer_status_code"])
}

func TestCompletedHandlerSkipsEmployersWithoutWebhook(t *testing.T) {
	employers := &fakeEmployers{employers: map[string]*core.Employer{
		"emp-1": {ID: "emp-1"},
	}}
	emitter := &capturingEmitter{}
	handler := NewCompletedHandler(employers, emitter)

	msg := completedMessage(t, events.CompletedEvent{EndorsementID: "end-1", EmployerID: "emp-1"})
	_, err := handler.Handle(context.Background(), msg, events.NewInterimOutput())
	require.NoError(t, err)
	assert.Empty(t, emitter.sent)
}

func TestCompletedHandlerSkipsUnknownEmployer(t *testing.T) {
	handler := NewCompletedHandler(&fakeEmployers{}, &capturingEmitter{})
	msg := completedMessage(t, events.CompletedEvent{EndorsementID: "end-1", EmployerID: "emp-ghost"})
	_, err := handler.Handle(context.Background(), msg, events.NewInterimOutput())
	require.NoError(t, err)
}

func TestDispatcherDeliversSignedPayload(t *testing.T) {
	received := make(chan *http.Request, 1)
	var body []byte
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ = io.ReadAll(r.Body)
		received <- r.Clone(r.Context())
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	d := NewDispatcher(1)
	d.Emit(Target{URL: server.URL, Secret: "s3cret"}, &Notification{
		ID:         "ntf-1",
		Type:       EventCompleted,
		Timestamp:  time.Now().UTC(),
		EmployerID: "emp-1",
		Data:       map[string]interface{}{"endorsement_id": "end-1"},
	})
	d.Shutdown()

	select {
	case r := <-received:
		assert.Equal(t, EventCompleted, r.Header.Get("X-EMS-Event-Type"))
		assert.Equal(t, "ntf-1", r.Header.Get("X-EMS-Event-ID"))
		assert.Equal(t, "1", r.Header.Get("X-EMS-Delivery-Attempt"))
		assert.Equal(t, "sha256="+SignPayload(body, "s3cret"), r.Header.Get("X-EMS-Signature"))
	case <-time.After(2 * time.Second):
		t.Fatal("webhook never delivered")
	}
}

func TestSignPayloadIsDeterministic(t *testing.T) {
	a := SignPayload([]byte(`{"a":1}`), "secret")
	b := SignPayload([]byte(`{"a":1}`), "secret")
	c := SignPayload([]byte(`{"a":1}`), "other")
	assert.Equal(t, a, b)
	assert.NotEqual(t, a, c)
	assert.Len(t, a, 64)
}
