// Package queue defines the transport-neutral contracts shared by the
// Kafka and RabbitMQ implementations.
package queue

import (
	"context"
	"time"
)

// Message is one delivered queue entry. Redelivered is set when the
// transport knows the entry was handed out before.
type Message struct {
	ID          string
	Key         string
	Body        []byte
	Redelivered bool
	ReceivedAt  time.Time
}

// Sender submits a message body and returns the message ID assigned to it.
type Sender interface {
	Send(ctx context.Context, key string, body []byte) (string, error)
	Close(ctx context.Context) error
}

// BatchHandler processes one delivered batch. A non-nil error means the
// whole batch must be redelivered.
type BatchHandler interface {
	HandleBatch(ctx context.Context, msgs []Message) error
}

// BatchHandlerFunc adapts a function to BatchHandler.
type BatchHandlerFunc func(ctx context.Context, msgs []Message) error

func (f BatchHandlerFunc) HandleBatch(ctx context.Context, msgs []Message) error {
	return f(ctx, msgs)
}

// Consumer delivers batches to a handler until ctx is done. Close releases
// transport resources once Run has returned.
type Consumer interface {
	Run(ctx context.Context, h BatchHandler) error
	Close() error
}

// BatchOptions bounds how a consumer assembles a batch.
type BatchOptions struct {
	MaxMessages int
	MaxWait     time.Duration
	// Backoff is the pause before a failed batch is redelivered.
	Backoff time.Duration
}

// Normalize fills zero values with defaults.
func (o BatchOptions) Normalize() BatchOptions {
	if o.MaxMessages <= 0 {
		o.MaxMessages = 10
	}
	if o.MaxWait <= 0 {
		o.MaxWait = time.Second
	}
	if o.Backoff < 0 {
		o.Backoff = 0
	}
	return o
}
