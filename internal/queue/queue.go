package queue

import (
	"context"
	"fmt"
)

// Publisher publishes batch events to a queue.
type Publisher interface {
	Publish(ctx context.Context, queue string, event BatchEvent) error
	Close() error
}

// NoopPublisher drops events. Used when no broker is configured.
type NoopPublisher struct{}

func (NoopPublisher) Publish(ctx context.Context, queue string, event BatchEvent) error {
	return nil
}

func (NoopPublisher) Close() error {
	return nil
}

// DLQName returns the dead-letter queue name for a queue, e.g. dlq.batch.events.
func DLQName(queue string) string {
	return fmt.Sprintf("dlq.%s", queue)
}
