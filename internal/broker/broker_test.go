package broker

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/your-org/imgmeta/pkg/config"
	"github.com/your-org/imgmeta/pkg/kafka"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg, err := config.Load()
	require.NoError(t, err)
	return cfg
}

func TestKafkaIsDefault(t *testing.T) {
	cfg := testConfig(t)

	sender, err := NewSender(cfg)
	require.NoError(t, err)
	assert.IsType(t, &kafka.Producer{}, sender)

	consumer, err := NewConsumer(cfg, zap.NewNop())
	require.NoError(t, err)
	assert.IsType(t, &kafka.Consumer{}, consumer)
}

func TestUnknownProvider(t *testing.T) {
	cfg := testConfig(t)
	cfg.Queue.Provider = "carrier-pigeon"

	_, err := NewSender(cfg)
	require.Error(t, err)
	_, err = NewConsumer(cfg, zap.NewNop())
	require.Error(t, err)
}

func TestBatchOptions(t *testing.T) {
	cfg := testConfig(t)
	cfg.Process.BatchSize = 25
	cfg.Process.BatchWait = 3 * time.Second

	opts := batchOptions(cfg)
	assert.Equal(t, 25, opts.MaxMessages)
	assert.Equal(t, 3*time.Second, opts.MaxWait)
	assert.Equal(t, cfg.Process.RedeliverBackoff, opts.Backoff)
}
