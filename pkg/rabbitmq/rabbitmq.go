package rabbitmq

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"

	"github.com/your-org/imgmeta/pkg/queue"
)

// ErrChannelClosed is returned by Run when the broker closes the delivery channel.
var ErrChannelClosed = errors.New("rabbitmq delivery channel closed")

// Config describes the broker and the durable queue used by the pipeline.
type Config struct {
	URL         string
	Queue       string
	ConsumerTag string
	Batch       queue.BatchOptions
}

func dial(cfg Config) (*amqp.Connection, *amqp.Channel, error) {
	conn, err := amqp.Dial(cfg.URL)
	if err != nil {
		return nil, nil, fmt.Errorf("dial rabbitmq: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close() //nolint:errcheck
		return nil, nil, fmt.Errorf("open channel: %w", err)
	}
	if _, err := ch.QueueDeclare(cfg.Queue, true, false, false, false, nil); err != nil {
		conn.Close() //nolint:errcheck
		return nil, nil, fmt.Errorf("declare queue %q: %w", cfg.Queue, err)
	}
	return conn, ch, nil
}

// Publisher sends persistent JSON messages to the default exchange.
type Publisher struct {
	conn  *amqp.Connection
	ch    *amqp.Channel
	queue string
	mu    sync.Mutex
}

// NewPublisher dials the broker and declares the queue.
func NewPublisher(cfg Config) (*Publisher, error) {
	conn, ch, err := dial(cfg)
	if err != nil {
		return nil, err
	}
	return &Publisher{conn: conn, ch: ch, queue: cfg.Queue}, nil
}

// Send publishes body and returns the generated message ID.
func (p *Publisher) Send(ctx context.Context, key string, body []byte) (string, error) {
	id := uuid.NewString()
	msg := amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    id,
		Timestamp:    time.Now().UTC(),
		Headers:      amqp.Table{"object_key": key},
		Body:         body,
	}

	// amqp channels are not safe for concurrent publishing.
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.ch.PublishWithContext(ctx, "", p.queue, false, false, msg); err != nil {
		return "", fmt.Errorf("publish to %q: %w", p.queue, err)
	}
	return id, nil
}

func (p *Publisher) Close(ctx context.Context) error {
	if err := p.ch.Close(); err != nil {
		return err
	}
	return p.conn.Close()
}

// Consumer delivers batches with manual acknowledgement. Accepted batches
// are acked; rejected batches are nacked with requeue.
type Consumer struct {
	conn   *amqp.Connection
	ch     *amqp.Channel
	queue  string
	tag    string
	opts   queue.BatchOptions
	logger *zap.Logger
}

// NewConsumer dials the broker and declares the queue.
func NewConsumer(cfg Config, logger *zap.Logger) (*Consumer, error) {
	conn, ch, err := dial(cfg)
	if err != nil {
		return nil, err
	}
	return &Consumer{
		conn:   conn,
		ch:     ch,
		queue:  cfg.Queue,
		tag:    cfg.ConsumerTag,
		opts:   cfg.Batch.Normalize(),
		logger: logger,
	}, nil
}

// Run consumes until ctx is cancelled or the broker closes the channel.
func (c *Consumer) Run(ctx context.Context, h queue.BatchHandler) error {
	if err := c.ch.Qos(c.opts.MaxMessages, 0, false); err != nil {
		return fmt.Errorf("set qos: %w", err)
	}
	deliveries, err := c.ch.Consume(c.queue, c.tag, false, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("consume %q: %w", c.queue, err)
	}
	return consume(ctx, deliveries, h, c.opts, c.logger)
}

func (c *Consumer) Close() error {
	if err := c.ch.Close(); err != nil {
		return err
	}
	return c.conn.Close()
}

func consume(ctx context.Context, deliveries <-chan amqp.Delivery, h queue.BatchHandler, opts queue.BatchOptions, logger *zap.Logger) error {
	for {
		batch, open := collect(ctx, deliveries, opts)
		if len(batch) > 0 {
			dispatch(ctx, batch, h, opts, logger)
		}
		if !open {
			if ctx.Err() != nil {
				return nil
			}
			return ErrChannelClosed
		}
	}
}

// collect gathers up to MaxMessages deliveries, waiting at most MaxWait
// after the first one. open is false once ctx is done or the channel closed.
func collect(ctx context.Context, deliveries <-chan amqp.Delivery, opts queue.BatchOptions) (batch []amqp.Delivery, open bool) {
	select {
	case <-ctx.Done():
		return nil, false
	case d, ok := <-deliveries:
		if !ok {
			return nil, false
		}
		batch = append(batch, d)
	}

	timer := time.NewTimer(opts.MaxWait)
	defer timer.Stop()

	for len(batch) < opts.MaxMessages {
		select {
		case <-ctx.Done():
			return batch, false
		case <-timer.C:
			return batch, true
		case d, ok := <-deliveries:
			if !ok {
				return batch, false
			}
			batch = append(batch, d)
		}
	}
	return batch, true
}

func dispatch(ctx context.Context, batch []amqp.Delivery, h queue.BatchHandler, opts queue.BatchOptions, logger *zap.Logger) {
	msgs := make([]queue.Message, 0, len(batch))
	for _, d := range batch {
		msgs = append(msgs, queue.Message{
			ID:          d.MessageId,
			Body:        d.Body,
			Redelivered: d.Redelivered,
			ReceivedAt:  time.Now().UTC(),
		})
	}

	if err := h.HandleBatch(ctx, msgs); err != nil {
		logger.Warn("batch rejected, requeueing",
			zap.Int("messages", len(batch)),
			zap.Error(err),
		)
		if opts.Backoff > 0 {
			timer := time.NewTimer(opts.Backoff)
			select {
			case <-ctx.Done():
			case <-timer.C:
			}
			timer.Stop()
		}
		for _, d := range batch {
			if err := d.Nack(false, true); err != nil {
				logger.Error("nack delivery", zap.Uint64("delivery_tag", d.DeliveryTag), zap.Error(err))
			}
		}
		return
	}

	for _, d := range batch {
		if err := d.Ack(false); err != nil {
			logger.Error("ack delivery", zap.Uint64("delivery_tag", d.DeliveryTag), zap.Error(err))
		}
	}
}
