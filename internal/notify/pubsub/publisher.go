// Package pubsub publishes notifications to Google Cloud Pub/Sub.
package pubsub

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	pubsub "cloud.google.com/go/pubsub/v2"
	"go.opentelemetry.io/otel"
)

// ErrTopicMismatch is returned when Publish names a topic other than the
// one the publisher was opened for.
var ErrTopicMismatch = errors.New("pubsub publisher is bound to another topic")

// Publisher wraps a Pub/Sub publisher bound to a single topic.
type Publisher struct {
	publisher *pubsub.Publisher
	topic     string
}

// New creates a Publisher for the provided topic publisher.
func New(publisher *pubsub.Publisher, topic string) *Publisher {
	return &Publisher{publisher: publisher, topic: topic}
}

// Open connects to projectID and returns a Publisher for topic plus a
// function that flushes pending messages and closes the client.
func Open(ctx context.Context, projectID, topic string) (*Publisher, func() error, error) {
	if projectID == "" || topic == "" {
		return nil, nil, errors.New("pubsub project and topic are required")
	}
	client, err := pubsub.NewClient(ctx, projectID)
	if err != nil {
		return nil, nil, fmt.Errorf("pubsub client: %w", err)
	}
	publisher := client.Publisher(topic)
	closer := func() error {
		publisher.Stop()
		return client.Close()
	}
	return New(publisher, topic), closer, nil
}

// Publish marshals the payload to JSON and publishes it. An empty topic means
// the bound one.
func (p *Publisher) Publish(ctx context.Context, topic string, payload any) (string, error) {
	if p.publisher == nil {
		return "", fmt.Errorf("pubsub publisher is not configured")
	}
	if topic != "" && topic != p.topic {
		return "", fmt.Errorf("publish to %q: %w (%q)", topic, ErrTopicMismatch, p.topic)
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("marshal payload: %w", err)
	}

	msg := &pubsub.Message{Data: data, Attributes: map[string]string{"kind": "dead_letter"}}
	otel.GetTextMapPropagator().Inject(ctx, &pubsubCarrier{attrs: msg.Attributes})

	id, err := p.publisher.Publish(ctx, msg).Get(ctx)
	if err != nil {
		return "", fmt.Errorf("publish message: %w", err)
	}
	return id, nil
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
