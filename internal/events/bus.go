// Package events provides the bus plumbing for the endorsement pipeline:
// the message envelope, producer interfaces, the handler registry, and the
// consumer loop. The durable implementation rides on Google Cloud Pub/Sub
// with per-endorsement ordering keys; an in-memory bus backs tests and local
// development.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"
)

// Standard message header names.
const (
	HeaderTraceID    = "trace_id"
	HeaderSource     = "source"
	HeaderEmployerID = "employer_id"
	HeaderRetryAfter = "retry_after_seconds"
	// HeaderVisibleAfter carries the wall-clock unix second before which a
	// delayed retry must not be executed. Consumers honour the remaining
	// delay; a worker crash only forfeits the in-process wait because the
	// message stays on the broker.
	HeaderVisibleAfter = "visible_after"
)

// Message is the bus envelope. Key is the partition/ordering key — the
// endorsement id for lifecycle events, the employer id for balance events —
// so all events of one entity flow in order.
type Message struct {
	Topic   string
	Key     string
	Value   []byte
	Headers map[string]string
}

// Header returns a header value or "".
func (m Message) Header(name string) string {
	if m.Headers == nil {
		return ""
	}
	return m.Headers[name]
}

// Decode unmarshals the message value into v.
func (m Message) Decode(v interface{}) error {
	if err := json.Unmarshal(m.Value, v); err != nil {
		return fmt.Errorf("decode %s message: %w", m.Topic, err)
	}
	return nil
}

// Producer publishes messages to the bus.
type Producer interface {
	Publish(ctx context.Context, msg Message) error
}

// PublishJSON marshals payload and publishes it on topic with the given key
// and headers.
func PublishJSON(ctx context.Context, p Producer, topic, key string, payload interface{}, headers map[string]string) error {
	value, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal %s payload: %w", topic, err)
	}
	return p.Publish(ctx, Message{Topic: topic, Key: key, Value: value, Headers: headers})
}

// BaseHeaders builds the header set every pipeline message carries.
func BaseHeaders(source, traceID, employerID string) map[string]string {
	headers := map[string]string{HeaderSource: source}
	if traceID != "" {
		headers[HeaderTraceID] = traceID
	}
	if employerID != "" {
		headers[HeaderEmployerID] = employerID
	}
	return headers
}

// MemoryBus is an in-process producer that records published messages and
// optionally fans them out to subscribers. Used by tests and local runs.
type MemoryBus struct {
	mu        sync.RWMutex
	published []Message
	subs      map[string][]chan Message
}

func NewMemoryBus() *MemoryBus {
	return &MemoryBus{subs: make(map[string][]chan Message)}
}

func (b *MemoryBus) Publish(_ context.Context, msg Message) error {
	b.mu.Lock()
	b.published = append(b.published, msg)
	subs := append([]chan Message(nil), b.subs[msg.Topic]...)
	b.mu.Unlock()

	for _, ch := range subs {
		select {
		case ch <- msg:
		default:
			// Subscriber buffer full; the authoritative record is in the
			// store, drop rather than block the publisher.
		}
	}
	return nil
}

// Subscribe returns a buffered channel receiving future messages on topic.
func (b *MemoryBus) Subscribe(topic string) chan Message {
	ch := make(chan Message, 100)
	b.mu.Lock()
	b.subs[topic] = append(b.subs[topic], ch)
	b.mu.Unlock()
	return ch
}

// Published returns a snapshot of everything published so far.
func (b *MemoryBus) Published() []Message {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return append([]Message(nil), b.published...)
}

// PublishedTo returns the messages published to one topic.
func (b *MemoryBus) PublishedTo(topic string) []Message {
	b.mu.RLock()
	defer b.mu.RUnlock()
	var out []Message
	for _, m := range b.published {
		if m.Topic == topic {
			out = append(out, m)
		}
	}
	return out
}

// WaitFor blocks until at least n messages have been published to topic or
// the timeout elapses.
func (b *MemoryBus) WaitFor(topic string, n int, timeout time.Duration) []Message {
	deadline := time.Now().Add(timeout)
	for {
		msgs := b.PublishedTo(topic)
		if len(msgs) >= n || time.Now().After(deadline) {
			return msgs
		}
		time.Sleep(5 * time.Millisecond)
	}
}
