package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	amqp "github.com/rabbitmq/amqp091-go"
)

var _ Publisher = (*RabbitMQPublisher)(nil)

// RabbitMQPublisher publishes persistent, confirmed batch events.
type RabbitMQPublisher struct {
	client *RabbitMQ
}

func NewRabbitMQPublisher(client *RabbitMQ) *RabbitMQPublisher {
	return &RabbitMQPublisher{client: client}
}

func (p *RabbitMQPublisher) Publish(ctx context.Context, queue string, event BatchEvent) error {
	if p == nil || p.client == nil {
		return fmt.Errorf("publisher is not initialized")
	}
	if strings.TrimSpace(queue) == "" {
		return fmt.Errorf("queue name is required")
	}
	if err := event.Validate(); err != nil {
		return fmt.Errorf("invalid batch event: %w", err)
	}

	publishing, err := newPublishing(event)
	if err != nil {
		return err
	}
	return p.client.publish(ctx, queue, publishing)
}

func (p *RabbitMQPublisher) Close() error {
	if p == nil || p.client == nil {
		return nil
	}
	return p.client.Close()
}

// newPublishing encodes event. MessageId is stable per batch and status so consumers can dedupe.
func newPublishing(event BatchEvent) (amqp.Publishing, error) {
	payload, err := json.Marshal(event)
	if err != nil {
		return amqp.Publishing{}, fmt.Errorf("failed to marshal batch event: %w", err)
	}

	return amqp.Publishing{
		ContentType:   "application/json",
		DeliveryMode:  amqp.Persistent,
		Timestamp:     event.OccurredAt.UTC(),
		MessageId:     fmt.Sprintf("%s:%s", event.BatchID, event.Status),
		CorrelationId: event.RunID,
		Type:          "batch." + event.Status.String(),
		Body:          payload,
	}, nil
}
