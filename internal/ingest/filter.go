package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/minio/minio-go/v7/pkg/notification"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/your-org/imgmeta/internal/pipeline"
	"github.com/your-org/imgmeta/pkg/queue"
	"github.com/your-org/imgmeta/pkg/tracing"
)

// Filter validates object-created notifications and forwards accepted
// images to the queue. Every record is handled on its own; a failing record
// is logged and never affects its siblings or the invocation result.
type Filter struct {
	sender queue.Sender
	logger *zap.Logger
	tracer trace.Tracer
}

type Params struct {
	Sender queue.Sender
	Logger *zap.Logger
}

// NewFilter constructs an ingest Filter.
func NewFilter(p Params) *Filter {
	return &Filter{
		sender: p.Sender,
		logger: p.Logger,
		tracer: tracing.Tracer("imgmeta/ingest"),
	}
}

// HandleRecords processes raw notification records, decoding each one
// inside its own failure boundary.
func (f *Filter) HandleRecords(ctx context.Context, records []json.RawMessage) *pipeline.Report {
	return f.run(ctx, len(records), func(i int) (notification.Event, error) {
		var ev notification.Event
		if err := json.Unmarshal(records[i], &ev); err != nil {
			return ev, fmt.Errorf("decode record: %w", err)
		}
		return ev, nil
	})
}

// HandleEvents processes already decoded notification events.
func (f *Filter) HandleEvents(ctx context.Context, events []notification.Event) *pipeline.Report {
	return f.run(ctx, len(events), func(i int) (notification.Event, error) {
		return events[i], nil
	})
}

func (f *Filter) run(ctx context.Context, n int, record func(int) (notification.Event, error)) *pipeline.Report {
	report := pipeline.NewReport(uuid.NewString())
	log := f.logger.With(zap.String("batch_id", report.BatchID))
	log.Debug("received event", zap.Int("records", n))

	for i := 0; i < n; i++ {
		ev, err := record(i)
		if err != nil {
			log.Error("error processing record", zap.Int("index", i), zap.Error(err))
			report.Add(pipeline.OutcomeFailed)
			continue
		}
		report.Add(f.handle(ctx, log, ev))
	}

	log.Info("processing complete", zap.Object("report", report))
	return report
}

func (f *Filter) handle(ctx context.Context, log *zap.Logger, ev notification.Event) pipeline.Outcome {
	obj, err := objectCreatedFrom(ev)
	if errors.Is(err, errNotObjectCreated) {
		log.Debug("skipping event", zap.String("event_name", ev.EventName))
		return pipeline.OutcomeSkipped
	}
	if err != nil {
		log.Error("error processing record", zap.Error(err))
		return pipeline.OutcomeFailed
	}

	ctx, span := f.tracer.Start(ctx, "ingest.record", trace.WithAttributes(
		attribute.String("bucket", obj.Bucket),
		attribute.String("key", obj.Key),
	))
	outcome, err := f.forward(ctx, log, obj)
	tracing.EndSpan(span, err)

	fields := []zap.Field{
		zap.String("bucket", obj.Bucket),
		zap.String("key", obj.Key),
		zap.String("etag", obj.ETag),
	}
	switch {
	case err != nil:
		log.Error("error processing record", append(fields, zap.Error(err))...)
	case outcome == pipeline.OutcomeSkipped:
		log.Info("skipping non-image file", fields...)
	}
	return outcome
}

func (f *Filter) forward(ctx context.Context, log *zap.Logger, obj ObjectCreatedEvent) (pipeline.Outcome, error) {
	// Metadata records end in .json and would be rejected below anyway.
	if pipeline.IsMetadataKey(obj.Key) || !pipeline.IsSupportedImage(obj.Key) {
		return pipeline.OutcomeSkipped, nil
	}

	msg, err := pipeline.NewForwardingMessage(obj.Bucket, obj.Key, obj.ETag)
	if err != nil {
		return pipeline.OutcomeFailed, err
	}
	body, err := msg.Encode()
	if err != nil {
		return pipeline.OutcomeFailed, fmt.Errorf("marshal forwarding message: %w", err)
	}

	id, err := f.sender.Send(ctx, msg.PartitionKey(), body)
	if err != nil {
		return pipeline.OutcomeFailed, fmt.Errorf("send message: %w", err)
	}

	log.Info("sent message to queue",
		zap.String("message_id", id),
		zap.String("bucket", msg.Bucket),
		zap.String("key", msg.Key),
	)
	return pipeline.OutcomeForwarded, nil
}

// Close releases underlying resources.
func (f *Filter) Close(ctx context.Context) error {
	return f.sender.Close(ctx)
}
