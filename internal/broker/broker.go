// Package broker builds the queue transport selected by configuration.
package broker

import (
	"fmt"

	kafkago "github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"github.com/your-org/imgmeta/internal/pipeline"
	"github.com/your-org/imgmeta/pkg/config"
	"github.com/your-org/imgmeta/pkg/kafka"
	"github.com/your-org/imgmeta/pkg/queue"
	"github.com/your-org/imgmeta/pkg/rabbitmq"
)

const (
	ProviderKafka    = "kafka"
	ProviderRabbitMQ = "rabbitmq"
)

// NewSender returns the ingest side of the configured queue.
func NewSender(cfg *config.Config) (queue.Sender, error) {
	switch cfg.Queue.Provider {
	case ProviderKafka:
		return kafka.NewProducer(kafka.ProducerConfig{
			Brokers:      cfg.Kafka.Brokers,
			Topic:        cfg.Kafka.Topic,
			BatchSize:    cfg.Kafka.BatchSize,
			BatchTimeout: cfg.Kafka.BatchTimeout,
			Compression:  kafka.CompressionFromString(cfg.Kafka.CompressionCodec),
			RequiredAcks: kafkago.RequireAll,
			MaxAttempts:  cfg.Kafka.Retries,
			EventType:    pipeline.EventType,
		}), nil
	case ProviderRabbitMQ:
		pub, err := rabbitmq.NewPublisher(rabbitConfig(cfg))
		if err != nil {
			return nil, err
		}
		return pub, nil
	default:
		return nil, fmt.Errorf("unsupported queue provider: %s", cfg.Queue.Provider)
	}
}

// NewConsumer returns the process side of the configured queue.
func NewConsumer(cfg *config.Config, logger *zap.Logger) (queue.Consumer, error) {
	switch cfg.Queue.Provider {
	case ProviderKafka:
		return kafka.NewConsumer(kafka.ConsumerConfig{
			Brokers: cfg.Kafka.Brokers,
			Topic:   cfg.Kafka.Topic,
			GroupID: cfg.Kafka.GroupID,
			Batch:   batchOptions(cfg),
		}, logger), nil
	case ProviderRabbitMQ:
		c, err := rabbitmq.NewConsumer(rabbitConfig(cfg), logger)
		if err != nil {
			return nil, err
		}
		return c, nil
	default:
		return nil, fmt.Errorf("unsupported queue provider: %s", cfg.Queue.Provider)
	}
}

func batchOptions(cfg *config.Config) queue.BatchOptions {
	return queue.BatchOptions{
		MaxMessages: cfg.Process.BatchSize,
		MaxWait:     cfg.Process.BatchWait,
		Backoff:     cfg.Process.RedeliverBackoff,
	}
}

func rabbitConfig(cfg *config.Config) rabbitmq.Config {
	return rabbitmq.Config{
		URL:         cfg.RabbitMQ.URL,
		Queue:       cfg.RabbitMQ.Queue,
		ConsumerTag: cfg.RabbitMQ.ConsumerTag,
		Batch:       batchOptions(cfg),
	}
}
