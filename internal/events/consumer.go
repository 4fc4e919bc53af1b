package events

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"cloud.google.com/go/pubsub"
)

// InterimOutput is a mutable document passed through the handler chain of a
// single consumer, enabling lightweight stage-to-stage data passing within
// the process (not across topics).
type InterimOutput struct {
	Data map[string]interface{}
}

func NewInterimOutput() *InterimOutput {
	return &InterimOutput{Data: make(map[string]interface{})}
}

// Handler processes one message and returns the updated interim output.
type Handler interface {
	Name() string
	Handle(ctx context.Context, msg Message, interim *InterimOutput) (*InterimOutput, error)
}

// BulkHandler is the optional fast path for handlers that benefit from
// seeing a whole batch at once.
type BulkHandler interface {
	Handler
	BulkHandle(ctx context.Context, msgs []Message, interim *InterimOutput) (*InterimOutput, error)
}

// Registry maps handler names to instances. Registration order is the
// dispatch order within a consumer.
type Registry struct {
	mu       sync.RWMutex
	order    []string
	handlers map[string]Handler
}

func NewRegistry() *Registry {
	return &Registry{handlers: make(map[string]Handler)}
}

func (r *Registry) Register(h Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.handlers[h.Name()]; exists {
		slog.Warn("handler overridden", "handler", h.Name())
	} else {
		r.order = append(r.order, h.Name())
	}
	r.handlers[h.Name()] = h
}

func (r *Registry) Get(name string) (Handler, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if h, ok := r.handlers[name]; ok {
		return h, nil
	}
	return nil, fmt.Errorf("no handler registered for %q", name)
}

// Ordered returns the handlers in registration order.
func (r *Registry) Ordered() []Handler {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Handler, 0, len(r.order))
	for _, name := range r.order {
		out = append(out, r.handlers[name])
	}
	return out
}

// ConsumerMode selects between one-at-a-time and batched dispatch.
type ConsumerMode int

const (
	ModeSingle ConsumerMode = iota
	ModeBatch
)

// ConsumerConfig tunes a Consumer.
type ConsumerConfig struct {
	Topic        string
	Subscription string
	Mode         ConsumerMode
	// Batch mode: flush when MaxMessages accumulate or FlushInterval passes.
	MaxMessages   int
	FlushInterval time.Duration
}

// Source yields a stream of messages with acknowledgement hooks. The Pub/Sub
// subscription is the production source; tests feed a channel. A nacked
// message goes back to the broker for redelivery.
type Source interface {
	Receive(ctx context.Context, f func(ctx context.Context, msg Message, ack, nack func())) error
}

// SubscriptionSource adapts a Pub/Sub subscription to the Source interface.
type SubscriptionSource struct {
	Sub *pubsub.Subscription
}

func (s *SubscriptionSource) Receive(ctx context.Context, f func(ctx context.Context, msg Message, ack, nack func())) error {
	return s.Sub.Receive(ctx, func(ctx context.Context, pm *pubsub.Message) {
		msg := Message{
			Topic:   s.Sub.String(),
			Key:     pm.OrderingKey,
			Value:   pm.Data,
			Headers: pm.Attributes,
		}
		f(ctx, msg, pm.Ack, pm.Nack)
	})
}

// Consumer polls a source and routes messages through the registered
// handlers. Per-handler failures are isolated: the error is logged and the
// remaining handlers still run. A message is acknowledged only when every
// handler dispatched cleanly; any handler error nacks it so the broker
// redelivers, matching at-least-once intent.
type Consumer struct {
	cfg      ConsumerConfig
	source   Source
	registry *Registry
	observe  func(topic, handler string)
}

func NewConsumer(cfg ConsumerConfig, source Source, registry *Registry) *Consumer {
	if cfg.MaxMessages <= 0 {
		cfg.MaxMessages = 100
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = 5 * time.Second
	}
	return &Consumer{cfg: cfg, source: source, registry: registry}
}

// Observe installs a per-dispatch metrics hook.
func (c *Consumer) Observe(f func(topic, handler string)) { c.observe = f }

// Run blocks until ctx is cancelled or the source fails.
func (c *Consumer) Run(ctx context.Context) error {
	if c.cfg.Mode == ModeBatch {
		return c.runBatch(ctx)
	}
	return c.source.Receive(ctx, func(ctx context.Context, msg Message, ack, nack func()) {
		if c.dispatchSingle(ctx, msg) {
			ack()
		} else {
			nack()
		}
	})
}

// dispatchSingle runs the handler chain and reports whether every handler
// succeeded. A failed handler does not stop the chain, but the message must
// not be acknowledged afterwards.
func (c *Consumer) dispatchSingle(ctx context.Context, msg Message) bool {
	ok := true
	interim := NewInterimOutput()
	for _, h := range c.registry.Ordered() {
		out, err := h.Handle(ctx, msg, interim)
		if err != nil {
			slog.Error("handler failed",
				"handler", h.Name(),
				"topic", c.cfg.Topic,
				"key", msg.Key,
				"error", err)
			ok = false
			continue
		}
		if out != nil {
			interim = out
		}
		if c.observe != nil {
			c.observe(c.cfg.Topic, h.Name())
		}
	}
	return ok
}

type pendingMsg struct {
	msg  Message
	ack  func()
	nack func()
}

func (c *Consumer) runBatch(ctx context.Context) error {
	buf := make(chan pendingMsg, c.cfg.MaxMessages*2)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		c.batchLoop(ctx, buf)
	}()

	err := c.source.Receive(ctx, func(_ context.Context, msg Message, ack, nack func()) {
		select {
		case buf <- pendingMsg{msg: msg, ack: ack, nack: nack}:
		case <-ctx.Done():
		}
	})
	close(buf)
	wg.Wait()
	return err
}

// batchLoop drains buf, flushing when the batch is full or the interval
// elapses with at least one message pending.
func (c *Consumer) batchLoop(ctx context.Context, buf chan pendingMsg) {
	ticker := time.NewTicker(c.cfg.FlushInterval)
	defer ticker.Stop()

	var pending []pendingMsg
	flush := func() {
		if len(pending) == 0 {
			return
		}
		c.dispatchBatch(ctx, pending)
		pending = nil
	}

	for {
		select {
		case pm, ok := <-buf:
			if !ok {
				flush()
				return
			}
			pending = append(pending, pm)
			if len(pending) >= c.cfg.MaxMessages {
				flush()
			}
		case <-ticker.C:
			flush()
		case <-ctx.Done():
			flush()
			return
		}
	}
}

func (c *Consumer) dispatchBatch(ctx context.Context, batch []pendingMsg) {
	msgs := make([]Message, len(batch))
	for i, pm := range batch {
		msgs[i] = pm.msg
	}
	failed := make([]bool, len(batch))

	interim := NewInterimOutput()
	for _, h := range c.registry.Ordered() {
		var (
			out *InterimOutput
			err error
		)
		if bh, ok := h.(BulkHandler); ok {
			out, err = bh.BulkHandle(ctx, msgs, interim)
		} else {
			// Fan out one-by-one for handlers without a bulk entry point.
			out = interim
			for i, msg := range msgs {
				next, herr := h.Handle(ctx, msg, out)
				if herr != nil {
					slog.Error("handler failed in batch",
						"handler", h.Name(), "key", msg.Key, "error", herr)
					failed[i] = true
					continue
				}
				if next != nil {
					out = next
				}
			}
		}
		if err != nil {
			slog.Error("bulk handler failed",
				"handler", h.Name(), "topic", c.cfg.Topic, "count", len(msgs), "error", err)
			// No per-message attribution from a bulk failure; redeliver all.
			for i := range failed {
				failed[i] = true
			}
			continue
		}
		if out != nil {
			interim = out
		}
		if c.observe != nil {
			c.observe(c.cfg.Topic, h.Name())
		}
	}

	for i, pm := range batch {
		if failed[i] {
			pm.nack()
			continue
		}
		pm.ack()
	}
}
