// Package kafka publishes retrieved content to a Kafka topic.
package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/JakeFAU/scout/internal/crawler"
)

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Message is the JSON value of each record.
type Message struct {
	crawler.Result
	Body []byte `json:"body"`
}

// Sink implements crawler.ResultSink.
type Sink struct {
	writer messageWriter
}

// New creates a sink writing to topic on brokers.
func New(brokers []string, topic string) (*Sink, error) {
	if len(brokers) == 0 || topic == "" {
		return nil, errors.New("kafka brokers and topic are required")
	}
	return NewWithWriter(&kafka.Writer{
		Addr:                   kafka.TCP(brokers...),
		Topic:                  topic,
		Balancer:               &kafka.Hash{},
		AllowAutoTopicCreation: false,
		RequiredAcks:           kafka.RequireOne,
	}), nil
}

// NewWithWriter builds a sink using a custom writer (tests).
func NewWithWriter(writer messageWriter) *Sink {
	return &Sink{writer: writer}
}

// Store publishes result keyed by its domain so one site's pages share a
// partition.
func (s *Sink) Store(ctx context.Context, result crawler.Result) error {
	payload, err := json.Marshal(Message{Result: result, Body: result.Body})
	if err != nil {
		return fmt.Errorf("marshal result: %w", err)
	}
	msg := kafka.Message{
		Key:   []byte(crawler.Domain(result.URL)),
		Value: payload,
		Time:  time.Now().UTC(),
		Headers: []kafka.Header{
			{Key: "capability", Value: []byte(result.Capability)},
			{Key: "content_hash", Value: []byte(result.ContentHash)},
		},
	}
	if err := s.writer.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("write message: %w", err)
	}
	return nil
}

// Close shuts down the underlying writer.
func (s *Sink) Close() error {
	return s.writer.Close()
}
