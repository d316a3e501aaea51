package rabbitmq

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/your-org/imgmeta/pkg/queue"
)

type fakeAck struct {
	mu     sync.Mutex
	acked  []uint64
	nacked []uint64
}

func (a *fakeAck) Ack(tag uint64, _ bool) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.acked = append(a.acked, tag)
	return nil
}

func (a *fakeAck) Nack(tag uint64, _ bool, requeue bool) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if requeue {
		a.nacked = append(a.nacked, tag)
	}
	return nil
}

func (a *fakeAck) Reject(tag uint64, requeue bool) error {
	return a.Nack(tag, false, requeue)
}

func deliveries(ack amqp.Acknowledger, n int) chan amqp.Delivery {
	ch := make(chan amqp.Delivery, n)
	for i := 1; i <= n; i++ {
		ch <- amqp.Delivery{
			Acknowledger: ack,
			DeliveryTag:  uint64(i),
			MessageId:    "m",
			Body:         []byte(`{"bucket":"b","key":"k.png","etag":""}`),
		}
	}
	return ch
}

var testOpts = queue.BatchOptions{MaxMessages: 3, MaxWait: 20 * time.Millisecond}

func TestConsumeAcksAcceptedBatches(t *testing.T) {
	ack := &fakeAck{}
	ch := deliveries(ack, 4)
	close(ch)

	var sizes []int
	err := consume(context.Background(), ch, queue.BatchHandlerFunc(func(_ context.Context, msgs []queue.Message) error {
		sizes = append(sizes, len(msgs))
		return nil
	}), testOpts, zap.NewNop())

	require.ErrorIs(t, err, ErrChannelClosed)
	assert.Equal(t, []int{3, 1}, sizes)
	assert.Equal(t, []uint64{1, 2, 3, 4}, ack.acked)
	assert.Empty(t, ack.nacked)
}

func TestConsumeRequeuesRejectedBatch(t *testing.T) {
	ack := &fakeAck{}
	ch := deliveries(ack, 2)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	err := consume(ctx, ch, queue.BatchHandlerFunc(func(context.Context, []queue.Message) error {
		cancel()
		return errors.New("probe failed")
	}), testOpts, zap.NewNop())

	require.NoError(t, err)
	assert.Equal(t, []uint64{1, 2}, ack.nacked)
	assert.Empty(t, ack.acked)
}

func TestCollectStopsOnContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	batch, open := collect(ctx, make(chan amqp.Delivery), testOpts)
	assert.Empty(t, batch)
	assert.False(t, open)
}
