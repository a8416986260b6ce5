package events

import (
	"context"
	"fmt"

	"github.com/kursadbilgin/delivery-engine/internal/queue"
)

// RabbitMQSink publishes events to the durable delivery events queue.
type RabbitMQSink struct {
	publisher queue.Publisher
	queue     string
}

func NewRabbitMQSink(publisher queue.Publisher) (*RabbitMQSink, error) {
	if publisher == nil {
		return nil, fmt.Errorf("publisher is required")
	}
	return &RabbitMQSink{publisher: publisher, queue: queue.EventsQueue}, nil
}

func (s *RabbitMQSink) Publish(ctx context.Context, e Event) error {
	return s.publisher.Publish(ctx, s.queue, queue.Message{
		ID:            e.Key() + ":" + e.Type.String(),
		CorrelationID: e.CorrelationID,
		Type:          e.Type.String(),
		Priority:      e.Priority,
		Body:          e,
	})
}

func (s *RabbitMQSink) Close() error {
	return s.publisher.Close()
}
