package events

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryBusRecordsAndFansOut(t *testing.T) {
	bus := NewMemoryBus()
	sub := bus.Subscribe("alpha")

	require.NoError(t, bus.Publish(context.Background(), Message{Topic: "alpha", Key: "k1", Value: []byte("1")}))
	require.NoError(t, bus.Publish(context.Background(), Message{Topic: "beta", Key: "k2", Value: []byte("2")}))

	assert.Len(t, bus.Published(), 2)
	assert.Len(t, bus.PublishedTo("alpha"), 1)
	assert.Len(t, bus.PublishedTo("beta"), 1)

	select {
	case msg := <-sub:
		assert.Equal(t, "k1", msg.Key)
	case <-time.After(time.Second):
		t.Fatal("subscriber never received the message")
	}
}

func TestMemoryBusWaitFor(t *testing.T) {
	bus := NewMemoryBus()
	go func() {
		time.Sleep(10 * time.Millisecond)
		_ = bus.Publish(context.Background(), Message{Topic: "alpha", Key: "k1"})
	}()
	msgs := bus.WaitFor("alpha", 1, time.Second)
	require.Len(t, msgs, 1)
}

func TestPublishJSONSetsEnvelope(t *testing.T) {
	bus := NewMemoryBus()
	headers := BaseHeaders("ingress", "trace-1", "emp-1")
	err := PublishJSON(context.Background(), bus, "alpha", "k1", map[string]string{"hello": "world"}, headers)
	require.NoError(t, err)

	published := bus.PublishedTo("alpha")
	require.Len(t, published, 1)
	assert.JSONEq(t, `{"hello":"world"}`, string(published[0].Value))
	assert.Equal(t, "ingress", published[0].Header(HeaderSource))
	assert.Equal(t, "trace-1", published[0].Header(HeaderTraceID))
	assert.Equal(t, "emp-1", published[0].Header(HeaderEmployerID))
	assert.Equal(t, "", published[0].Header("absent"))
}

func TestBaseHeadersSkipsEmptyValues(t *testing.T) {
	headers := BaseHeaders("worker", "", "")
	assert.Equal(t, map[string]string{HeaderSource: "worker"}, headers)
}

func TestMessageDecodeReportsTopic(t *testing.T) {
	msg := Message{Topic: "alpha", Value: []byte("{not json")}
	var out map[string]interface{}
	err := msg.Decode(&out)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "alpha")
}
