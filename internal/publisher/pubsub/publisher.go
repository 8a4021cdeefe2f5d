// Package pubsub publishes scraped chat content to Google Cloud Pub/Sub.
package pubsub

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	pubsub "cloud.google.com/go/pubsub/v2"
	"go.opentelemetry.io/otel"
)

// Attributed payloads contribute message attributes and an ordering key.
type Attributed interface {
	Attributes() map[string]string
	OrderingKey() string
}

// Publisher publishes JSON payloads, keeping one topic publisher per topic.
type Publisher struct {
	client       *pubsub.Client
	defaultTopic string
	ordered      bool

	mu         sync.Mutex
	publishers map[string]*pubsub.Publisher
}

// Config selects the default topic and message ordering.
type Config struct {
	Topic string
	// Ordered publishes every message of a run under the run's ordering key.
	Ordered bool
}

// New creates a Publisher on client.
func New(client *pubsub.Client, cfg Config) (*Publisher, error) {
	if client == nil {
		return nil, fmt.Errorf("pubsub client is required")
	}
	if cfg.Topic == "" {
		return nil, fmt.Errorf("pubsub.topic is required")
	}
	return &Publisher{
		client:       client,
		defaultTopic: cfg.Topic,
		ordered:      cfg.Ordered,
		publishers:   make(map[string]*pubsub.Publisher),
	}, nil
}

func (p *Publisher) publisherFor(topic string) *pubsub.Publisher {
	if topic == "" {
		topic = p.defaultTopic
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	pub, ok := p.publishers[topic]
	if !ok {
		pub = p.client.Publisher(topic)
		pub.EnableMessageOrdering = p.ordered
		p.publishers[topic] = pub
	}
	return pub
}

// Publish marshals the payload to JSON and publishes it to topic, or to the
// default topic when topic is empty.
func (p *Publisher) Publish(ctx context.Context, topic string, payload any) (string, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("marshal payload: %w", err)
	}

	msg := &pubsub.Message{Data: data, Attributes: make(map[string]string)}
	if attributed, ok := payload.(Attributed); ok {
		for k, v := range attributed.Attributes() {
			msg.Attributes[k] = v
		}
		if p.ordered {
			msg.OrderingKey = attributed.OrderingKey()
		}
	}
	otel.GetTextMapPropagator().Inject(ctx, &pubsubCarrier{attrs: msg.Attributes})

	pub := p.publisherFor(topic)
	id, err := pub.Publish(ctx, msg).Get(ctx)
	if err != nil {
		if msg.OrderingKey != "" {
			pub.ResumePublish(msg.OrderingKey)
		}
		return "", fmt.Errorf("publish message: %w", err)
	}
	return id, nil
}

// Close flushes and stops every topic publisher. The client is owned by the
// caller.
func (p *Publisher) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for topic, pub := range p.publishers {
		pub.Stop()
		delete(p.publishers, topic)
	}
}

// pubsubCarrier implements propagation.TextMapCarrier for Pub/Sub attributes.
type pubsubCarrier struct {
	attrs map[string]string
}

func (c *pubsubCarrier) Get(key string) string {
	return c.attrs[key]
}

func (c *pubsubCarrier) Set(key, value string) {
	c.attrs[key] = value
}

func (c *pubsubCarrier) Keys() []string {
	keys := make([]string, 0, len(c.attrs))
	for k := range c.attrs {
		keys = append(keys, k)
	}
	return keys
}
