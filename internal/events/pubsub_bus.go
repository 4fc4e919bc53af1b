package events

import (
	"context"
	"fmt"
	"log"
	"log/slog"
	"sync"
	"time"

	"cloud.google.com/go/pubsub"
)

// PubSubProducer publishes pipeline messages to Google Cloud Pub/Sub topics.
// Message ordering is enabled and every publish carries the envelope key as
// the ordering key, so all events for one endorsement arrive in order.
type PubSubProducer struct {
	client *pubsub.Client
	logger *log.Logger

	mu     sync.Mutex
	topics map[string]*pubsub.Topic
}

// NewPubSubProducer connects to Pub/Sub for the given project.
func NewPubSubProducer(ctx context.Context, projectID string) (*PubSubProducer, error) {
	client, err := pubsub.NewClient(ctx, projectID)
	if err != nil {
		return nil, fmt.Errorf("pubsub.NewClient: %w", err)
	}

	p := &PubSubProducer{
		client: client,
		logger: log.New(log.Writer(), "[BUS] ", log.LstdFlags),
		topics: make(map[string]*pubsub.Topic),
	}
	p.logger.Printf("Connected to Pub/Sub project %s", projectID)
	return p, nil
}

// topic returns the cached handle, creating the topic if it does not exist.
func (p *PubSubProducer) topic(ctx context.Context, name string) (*pubsub.Topic, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if t, ok := p.topics[name]; ok {
		return t, nil
	}

	t := p.client.Topic(name)
	exists, err := t.Exists(ctx)
	if err != nil {
		return nil, fmt.Errorf("topic.Exists(%s): %w", name, err)
	}
	if !exists {
		t, err = p.client.CreateTopic(ctx, name)
		if err != nil {
			return nil, fmt.Errorf("CreateTopic(%s): %w", name, err)
		}
		slog.Info("created topic", "topic", name)
	}

	t.EnableMessageOrdering = true
	p.topics[name] = t
	return t, nil
}

// Publish sends one message and waits for the broker acknowledgement. The
// send is synchronous: an ordering key only helps if failures surface to the
// caller before it publishes the next event for the same entity.
func (p *PubSubProducer) Publish(ctx context.Context, msg Message) error {
	t, err := p.topic(ctx, msg.Topic)
	if err != nil {
		return err
	}

	result := t.Publish(ctx, &pubsub.Message{
		Data:        msg.Value,
		Attributes:  msg.Headers,
		OrderingKey: msg.Key,
	})

	if _, err := result.Get(ctx); err != nil {
		// A failed publish pauses the ordering key; resume so later events
		// for the same entity are not silently dropped.
		t.ResumePublish(msg.Key)
		return fmt.Errorf("publish to %s: %w", msg.Topic, err)
	}
	return nil
}

// EnsureSubscription creates the pull subscription for a topic if missing and
// returns it. Subscriptions inherit message ordering from the topic.
func (p *PubSubProducer) EnsureSubscription(ctx context.Context, topicName, subName string) (*pubsub.Subscription, error) {
	t, err := p.topic(ctx, topicName)
	if err != nil {
		return nil, err
	}

	sub := p.client.Subscription(subName)
	exists, err := sub.Exists(ctx)
	if err != nil {
		return nil, fmt.Errorf("subscription.Exists(%s): %w", subName, err)
	}
	if !exists {
		sub, err = p.client.CreateSubscription(ctx, subName, pubsub.SubscriptionConfig{
			Topic:                 t,
			AckDeadline:           60 * time.Second,
			EnableMessageOrdering: true,
		})
		if err != nil {
			return nil, fmt.Errorf("CreateSubscription(%s): %w", subName, err)
		}
		slog.Info("created subscription", "subscription", subName, "topic", topicName)
	}
	return sub, nil
}

// HealthCheck verifies broker reachability via a topic existence probe.
func (p *PubSubProducer) HealthCheck(ctx context.Context, topicName string) error {
	t := p.client.Topic(topicName)
	exists, err := t.Exists(ctx)
	if err != nil {
		return fmt.Errorf("bus health check: %w", err)
	}
	if !exists {
		return fmt.Errorf("bus health check: topic %s does not exist", topicName)
	}
	return nil
}

// Close stops all topic publishers and the client.
func (p *PubSubProducer) Close() error {
	p.mu.Lock()
	for _, t := range p.topics {
		t.Stop()
	}
	p.mu.Unlock()

	if err := p.client.Close(); err != nil {
		return fmt.Errorf("pubsub client close: %w", err)
	}
	p.logger.Printf("Pub/Sub client closed")
	return nil
}

var _ Producer = (*PubSubProducer)(nil)
