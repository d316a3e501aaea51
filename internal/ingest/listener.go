package ingest

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/your-org/imgmeta/pkg/storage/objectstore"
)

// ObjectCreatedEvents is the notification filter used by the listener.
var ObjectCreatedEvents = []string{"s3:ObjectCreated:*"}

// Listener subscribes to bucket notifications directly and feeds each
// notification batch through the Filter.
type Listener struct {
	notifier objectstore.Notifier
	filter   *Filter
	logger   *zap.Logger
	bucket   string
	prefix   string
	backoff  time.Duration
}

type ListenerParams struct {
	Notifier objectstore.Notifier
	Filter   *Filter
	Logger   *zap.Logger
	Bucket   string
	Prefix   string
	// Backoff is the pause before resubscribing after the stream ends.
	Backoff time.Duration
}

func NewListener(p ListenerParams) *Listener {
	if p.Backoff <= 0 {
		p.Backoff = time.Second
	}
	return &Listener{
		notifier: p.Notifier,
		filter:   p.Filter,
		logger:   p.Logger,
		bucket:   p.Bucket,
		prefix:   p.Prefix,
		backoff:  p.Backoff,
	}
}

// Run consumes notifications until ctx is cancelled, resubscribing whenever
// the stream closes.
func (l *Listener) Run(ctx context.Context) error {
	log := l.logger.With(zap.String("bucket", l.bucket), zap.String("prefix", l.prefix))
	for {
		log.Info("listening for bucket notifications")
		for info := range l.notifier.Listen(ctx, l.bucket, l.prefix, ObjectCreatedEvents) {
			if info.Err != nil {
				log.Warn("bucket notification error", zap.Error(info.Err))
				continue
			}
			if len(info.Records) == 0 {
				continue
			}
			l.filter.HandleEvents(ctx, info.Records)
		}

		timer := time.NewTimer(l.backoff)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil
		case <-timer.C:
		}
		log.Warn("notification stream closed, resubscribing")
	}
}
