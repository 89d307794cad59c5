package queue

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"
)

const (
	dlxExchangeName     = "batch_relay.dlx"
	defaultDialAttempts = 3
	defaultDialTimeout  = 15 * time.Second
	initialDialBackoff  = 500 * time.Millisecond
)

type RabbitMQConfig struct {
	URL          string
	Queues       []string
	DialAttempts int
	DialTimeout  time.Duration
}

// RabbitMQ holds one connection and one confirm-mode channel for a stage process.
// A closed channel or connection is reopened on the next publish.
type RabbitMQ struct {
	cfg     RabbitMQConfig
	logger  *zap.Logger
	dial    func(url string) (*amqp.Connection, error)
	backoff time.Duration

	mu   sync.Mutex
	conn *amqp.Connection
	ch   *amqp.Channel
}

// NewRabbitMQ connects and declares every queue together with its dead-letter queue.
func NewRabbitMQ(ctx context.Context, cfg RabbitMQConfig, logger *zap.Logger) (*RabbitMQ, error) {
	r, err := newRabbitMQ(cfg, logger, amqp.Dial)
	if err != nil {
		return nil, err
	}

	dialCtx, cancel := context.WithTimeout(ctx, r.cfg.DialTimeout)
	defer cancel()

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, err := r.channelLocked(dialCtx); err != nil {
		return nil, err
	}
	return r, nil
}

func newRabbitMQ(cfg RabbitMQConfig, logger *zap.Logger, dial func(url string) (*amqp.Connection, error)) (*RabbitMQ, error) {
	if strings.TrimSpace(cfg.URL) == "" {
		return nil, fmt.Errorf("rabbitmq url is required")
	}
	for _, queue := range cfg.Queues {
		if strings.TrimSpace(queue) == "" {
			return nil, fmt.Errorf("queue name must not be empty")
		}
	}
	if cfg.DialAttempts <= 0 {
		cfg.DialAttempts = defaultDialAttempts
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = defaultDialTimeout
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &RabbitMQ{
		cfg:     cfg,
		logger:  logger,
		dial:    dial,
		backoff: initialDialBackoff,
	}, nil
}

func (r *RabbitMQ) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	var errs []error
	if r.ch != nil && !r.ch.IsClosed() {
		errs = append(errs, r.ch.Close())
	}
	if r.conn != nil && !r.conn.IsClosed() {
		errs = append(errs, r.conn.Close())
	}
	r.ch = nil
	r.conn = nil
	return errors.Join(errs...)
}

// publish sends msg to queue on the default exchange and waits for the broker confirm.
func (r *RabbitMQ) publish(ctx context.Context, queue string, msg amqp.Publishing) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	ch, err := r.channelLocked(ctx)
	if err != nil {
		return err
	}

	confirm, err := ch.PublishWithDeferredConfirmWithContext(ctx, "", queue, false, false, msg)
	if err != nil {
		return fmt.Errorf("failed to publish to queue %q: %w", queue, err)
	}
	acked, err := confirm.WaitContext(ctx)
	if err != nil {
		return fmt.Errorf("failed to confirm publish to queue %q: %w", queue, err)
	}
	if !acked {
		return fmt.Errorf("broker rejected message for queue %q", queue)
	}
	return nil
}

// channelLocked returns the open channel, reconnecting first when needed. r.mu must be held.
func (r *RabbitMQ) channelLocked(ctx context.Context) (*amqp.Channel, error) {
	if r.ch != nil && !r.ch.IsClosed() {
		return r.ch, nil
	}

	if r.conn == nil || r.conn.IsClosed() {
		conn, err := r.dialWithBackoff(ctx)
		if err != nil {
			return nil, err
		}
		r.conn = conn
	}

	ch, err := r.conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("failed to open rabbitmq channel: %w", err)
	}
	if err := ch.Confirm(false); err != nil {
		_ = ch.Close()
		return nil, fmt.Errorf("failed to enable publisher confirms: %w", err)
	}
	if err := declareTopology(ch, r.cfg.Queues); err != nil {
		_ = ch.Close()
		return nil, err
	}

	r.ch = ch
	return ch, nil
}

func (r *RabbitMQ) dialWithBackoff(ctx context.Context) (*amqp.Connection, error) {
	wait := r.backoff
	var lastErr error

	for attempt := 1; attempt <= r.cfg.DialAttempts; attempt++ {
		conn, err := r.dial(r.cfg.URL)
		if err == nil {
			return conn, nil
		}
		lastErr = err
		r.logger.Warn("rabbitmq dial failed",
			zap.Int("attempt", attempt),
			zap.Int("maxAttempts", r.cfg.DialAttempts),
			zap.Error(err),
		)
		if attempt == r.cfg.DialAttempts {
			break
		}

		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("rabbitmq dial canceled: %w", ctx.Err())
		case <-time.After(wait):
		}
		wait *= 2
	}

	return nil, fmt.Errorf("failed to connect rabbitmq after %d attempts: %w", r.cfg.DialAttempts, lastErr)
}

// declareTopology declares each queue so that rejected events land in its dead-letter queue.
func declareTopology(ch *amqp.Channel, queues []string) error {
	if err := ch.ExchangeDeclare(dlxExchangeName, "direct", true, false, false, false, nil); err != nil {
		return fmt.Errorf("failed to declare dlx exchange: %w", err)
	}

	for _, queueName := range queues {
		dlqName := DLQName(queueName)
		if _, err := ch.QueueDeclare(dlqName, true, false, false, false, nil); err != nil {
			return fmt.Errorf("failed to declare dlq %q: %w", dlqName, err)
		}
		if err := ch.QueueBind(dlqName, queueName, dlxExchangeName, false, nil); err != nil {
			return fmt.Errorf("failed to bind dlq %q: %w", dlqName, err)
		}

		args := amqp.Table{
			"x-dead-letter-exchange":    dlxExchangeName,
			"x-dead-letter-routing-key": queueName,
		}
		if _, err := ch.QueueDeclare(queueName, true, false, false, false, args); err != nil {
			return fmt.Errorf("failed to declare queue %q: %w", queueName, err)
		}
	}
	return nil
}
