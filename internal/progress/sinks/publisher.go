package sinks

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/realtime-chat-scraper/internal/progress"
	"github.com/JakeFAU/realtime-chat-scraper/internal/scraper"
)

// ContentMessage is the payload published for each chat item.
type ContentMessage struct {
	TaskID     string           `json:"task_id"`
	RunID      string           `json:"run_id"`
	ObservedAt time.Time        `json:"observed_at"`
	Item       scraper.ChatItem `json:"item"`
}

// Attributes tags the message so subscribers can filter by stream.
func (m ContentMessage) Attributes() map[string]string {
	return map[string]string{
		"task_id": m.TaskID,
		"run_id":  m.RunID,
	}
}

// OrderingKey keeps one run's items in order.
func (m ContentMessage) OrderingKey() string {
	return m.RunID
}

// PublisherSink forwards content items to a scraper.Publisher topic.
type PublisherSink struct {
	publisher scraper.Publisher
	topic     string
	logger    *zap.Logger
}

// NewPublisherSink constructs a PublisherSink.
func NewPublisherSink(publisher scraper.Publisher, topic string, logger *zap.Logger) (*PublisherSink, error) {
	if publisher == nil {
		return nil, errors.New("publisher is required")
	}
	if topic == "" {
		return nil, errors.New("topic is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &PublisherSink{publisher: publisher, topic: topic, logger: logger}, nil
}

// Name labels the sink in hub logs.
func (s *PublisherSink) Name() string { return "publisher" }

// Consume publishes every content item in the batch. A failed publish does not
// stop the rest; all failures are joined into the returned error.
func (s *PublisherSink) Consume(ctx context.Context, batch []progress.Event) error {
	var errs []error
	published := 0
	for _, evt := range batch {
		if evt.Stage != progress.StageContentItem {
			continue
		}
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			break
		}
		msg := ContentMessage{
			TaskID:     evt.TaskID,
			RunID:      evt.RunID,
			ObservedAt: evt.TS,
			Item:       *evt.Item,
		}
		if _, err := s.publisher.Publish(ctx, s.topic, msg); err != nil {
			errs = append(errs, fmt.Errorf("publish item for %s: %w", evt.TaskID, err))
			continue
		}
		published++
	}
	if published > 0 {
		s.logger.Debug("published chat items", zap.Int("count", published), zap.String("topic", s.topic))
	}
	return errors.Join(errs...)
}

// Close implements the Sink interface; publishers are closed by their owner.
func (s *PublisherSink) Close(context.Context) error {
	return nil
}
