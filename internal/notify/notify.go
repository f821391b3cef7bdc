// Package notify forwards dead-lettered jobs to an external topic so
// operators hear about them without polling the admin API.
package notify

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/scout/internal/events"
)

// Publisher sends a JSON-serializable payload to a topic and returns the
// broker's message ID.
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}

// DeadLetter is the published payload.
type DeadLetter struct {
	JobID      string    `json:"job_id"`
	URL        string    `json:"url"`
	Domain     string    `json:"domain,omitempty"`
	Reason     string    `json:"reason"`
	LastCode   string    `json:"last_code,omitempty"`
	Capability string    `json:"capability,omitempty"`
	Attempts   int       `json:"attempts"`
	At         time.Time `json:"at"`
}

// Notifier is an events.Sink that publishes dead letters and ignores every
// other stage.
type Notifier struct {
	publisher Publisher
	topic     string
	closer    func() error
	logger    *zap.Logger
}

// New builds a Notifier. closer, when set, runs on Close.
func New(publisher Publisher, topic string, closer func() error, logger *zap.Logger) (*Notifier, error) {
	if publisher == nil {
		return nil, errors.New("notify: publisher is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Notifier{publisher: publisher, topic: topic, closer: closer, logger: logger.Named("notify")}, nil
}

// Consume implements events.Sink.
func (n *Notifier) Consume(ctx context.Context, batch []events.Event) error {
	var errs []error
	for _, evt := range batch {
		if evt.Stage != events.StageJobDeadLettered {
			continue
		}
		id, err := n.publisher.Publish(ctx, n.topic, DeadLetter{
			JobID:      evt.JobID,
			URL:        evt.URL,
			Domain:     evt.Domain,
			Reason:     evt.Reason,
			LastCode:   evt.Code,
			Capability: evt.Capability,
			Attempts:   evt.Attempt,
			At:         evt.TS,
		})
		if err != nil {
			errs = append(errs, fmt.Errorf("publish dead letter %s: %w", evt.JobID, err))
			continue
		}
		n.logger.Debug("dead letter published", zap.String("job_id", evt.JobID), zap.String("message_id", id))
	}
	return errors.Join(errs...)
}

// Close implements events.Sink.
func (n *Notifier) Close(context.Context) error {
	if n.closer == nil {
		return nil
	}
	return n.closer()
}
