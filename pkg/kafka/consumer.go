package kafka

import (
	"context"
	"errors"
	"fmt"
	"time"

	kafkago "github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"github.com/your-org/imgmeta/pkg/queue"
)

type reader interface {
	FetchMessage(ctx context.Context) (kafkago.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafkago.Message) error
	Close() error
}

type ConsumerConfig struct {
	Brokers []string
	Topic   string
	GroupID string
	Batch   queue.BatchOptions
}

// Consumer reads batches from a consumer group and commits a batch only
// after the handler accepted it. A rejected batch is redelivered by
// re-joining the group, which resumes from the last committed offset.
type Consumer struct {
	open   func() reader
	cur    reader
	opts   queue.BatchOptions
	logger *zap.Logger
}

// NewConsumer constructs a Consumer from the given configuration.
func NewConsumer(cfg ConsumerConfig, logger *zap.Logger) *Consumer {
	open := func() reader {
		return kafkago.NewReader(kafkago.ReaderConfig{
			Brokers:  cfg.Brokers,
			Topic:    cfg.Topic,
			GroupID:  cfg.GroupID,
			MinBytes: 1,
			MaxBytes: 10e6,
		})
	}
	return newConsumer(open, cfg.Batch, logger)
}

func newConsumer(open func() reader, opts queue.BatchOptions, logger *zap.Logger) *Consumer {
	return &Consumer{
		open:   open,
		opts:   opts.Normalize(),
		logger: logger,
	}
}

// Run fetches and dispatches batches until ctx is cancelled.
func (c *Consumer) Run(ctx context.Context, h queue.BatchHandler) error {
	c.cur = c.open()
	defer func() {
		if c.cur != nil {
			c.cur.Close() //nolint:errcheck
			c.cur = nil
		}
	}()
	redelivered := false

	for {
		batch, err := c.fetchBatch(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("fetch message: %w", err)
		}

		msgs := make([]queue.Message, 0, len(batch))
		for _, m := range batch {
			msgs = append(msgs, toQueueMessage(m, redelivered))
		}

		if err := h.HandleBatch(ctx, msgs); err != nil {
			c.logger.Warn("batch rejected, rewinding to last committed offset",
				zap.Int("messages", len(msgs)),
				zap.Error(err),
			)
			if err := c.rewind(ctx); err != nil {
				return nil
			}
			redelivered = true
			continue
		}

		if err := c.cur.CommitMessages(ctx, batch...); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("commit messages: %w", err)
		}
		redelivered = false
	}
}

func (c *Consumer) fetchBatch(ctx context.Context) ([]kafkago.Message, error) {
	first, err := c.cur.FetchMessage(ctx)
	if err != nil {
		return nil, err
	}
	batch := []kafkago.Message{first}

	waitCtx, cancel := context.WithTimeout(ctx, c.opts.MaxWait)
	defer cancel()

	for len(batch) < c.opts.MaxMessages {
		m, err := c.cur.FetchMessage(waitCtx)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			if errors.Is(err, context.DeadlineExceeded) {
				break
			}
			return nil, err
		}
		batch = append(batch, m)
	}
	return batch, nil
}

// rewind drops the current group membership so uncommitted messages are
// fetched again. It returns ctx.Err() if cancelled while backing off.
func (c *Consumer) rewind(ctx context.Context) error {
	if err := c.cur.Close(); err != nil {
		c.logger.Warn("close kafka reader", zap.Error(err))
	}

	if c.opts.Backoff > 0 {
		timer := time.NewTimer(c.opts.Backoff)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			c.cur = nil
			return ctx.Err()
		case <-timer.C:
		}
	}

	c.cur = c.open()
	return nil
}

// Close releases the current reader. Run already closes it on return.
func (c *Consumer) Close() error {
	if c.cur == nil {
		return nil
	}
	return c.cur.Close()
}

func toQueueMessage(m kafkago.Message, redelivered bool) queue.Message {
	id := fmt.Sprintf("%s/%d/%d", m.Topic, m.Partition, m.Offset)
	for _, h := range m.Headers {
		if h.Key == HeaderMessageID {
			id = string(h.Value)
			break
		}
	}
	return queue.Message{
		ID:          id,
		Key:         string(m.Key),
		Body:        m.Value,
		Redelivered: redelivered,
		ReceivedAt:  time.Now().UTC(),
	}
}
