package process

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/your-org/imgmeta/internal/pipeline"
	"github.com/your-org/imgmeta/pkg/imagemeta"
	"github.com/your-org/imgmeta/pkg/queue"
	"github.com/your-org/imgmeta/pkg/storage/objectstore"
	"github.com/your-org/imgmeta/pkg/tracing"
)

var (
	// ErrProbeFailed marks a record whose metadata existence could not be
	// determined.
	ErrProbeFailed = errors.New("metadata existence probe failed")
	// ErrInterrupted marks a record cut short because the invocation itself
	// was cancelled, for example by a shutdown signal.
	ErrInterrupted = errors.New("record processing interrupted")
)

// Extractor derives and stores image metadata for forwarded messages.
type Extractor struct {
	store          objectstore.Client
	decoder        imagemeta.Decoder
	logger         *zap.Logger
	tracer         trace.Tracer
	concurrency    int
	maxObjectBytes int64
}

type Params struct {
	Store   objectstore.Client
	Decoder imagemeta.Decoder
	Logger  *zap.Logger
	// Concurrency bounds how many records of a batch run at once.
	Concurrency int
	// MaxObjectBytes skips objects declared larger than this; zero disables the check.
	MaxObjectBytes int64
}

// NewExtractor constructs an Extractor.
func NewExtractor(p Params) *Extractor {
	if p.Decoder == nil {
		p.Decoder = imagemeta.ConfigDecoder{}
	}
	if p.Concurrency <= 0 {
		p.Concurrency = 1
	}
	return &Extractor{
		store:          p.Store,
		decoder:        p.Decoder,
		logger:         p.Logger,
		tracer:         tracing.Tracer("imgmeta/process"),
		concurrency:    p.Concurrency,
		maxObjectBytes: p.MaxObjectBytes,
	}
}

// HandleBatch implements queue.BatchHandler.
func (e *Extractor) HandleBatch(ctx context.Context, msgs []queue.Message) error {
	_, err := e.Process(ctx, msgs)
	return err
}

// Process handles every message in its own failure boundary. The returned
// error is non-nil only when some record hit ErrProbeFailed or
// ErrInterrupted; every other record has still been handled by then.
func (e *Extractor) Process(ctx context.Context, msgs []queue.Message) (*pipeline.Report, error) {
	report := pipeline.NewReport(uuid.NewString())
	log := e.logger.With(zap.String("batch_id", report.BatchID))
	log.Debug("received event", zap.Int("records", len(msgs)))

	errs := make([]error, len(msgs))
	var g errgroup.Group
	g.SetLimit(e.concurrency)
	for i, msg := range msgs {
		i, msg := i, msg
		g.Go(func() error {
			outcome, err := e.handle(ctx, log.With(zap.String("message_id", msg.ID)), msg)
			report.Add(outcome)
			if outcome == pipeline.OutcomeRetry {
				errs[i] = err
			}
			return nil
		})
	}
	_ = g.Wait()

	log.Info("processing complete", zap.Object("report", report))
	return report, errors.Join(errs...)
}

func (e *Extractor) handle(ctx context.Context, log *zap.Logger, msg queue.Message) (pipeline.Outcome, error) {
	fm, err := pipeline.ParseForwardingMessage(msg.Body)
	if err != nil {
		log.Error("error processing record", zap.Error(err))
		return pipeline.OutcomeFailed, err
	}

	metadataKey := pipeline.MetadataKey(fm.Key)
	log = log.With(
		zap.String("bucket", fm.Bucket),
		zap.String("key", fm.Key),
		zap.String("etag", fm.ETag),
		zap.String("metadata_key", metadataKey),
	)

	ctx, span := e.tracer.Start(ctx, "process.record", trace.WithAttributes(
		attribute.String("bucket", fm.Bucket),
		attribute.String("key", fm.Key),
		attribute.Bool("redelivered", msg.Redelivered),
	))
	outcome, err := e.extract(ctx, fm, metadataKey)
	tracing.EndSpan(span, err)

	switch outcome {
	case pipeline.OutcomeSkipped:
		log.Info("metadata already exists, skipping")
	case pipeline.OutcomeWritten:
		log.Info("metadata written")
	case pipeline.OutcomeRetry:
		if errors.Is(err, ErrInterrupted) {
			log.Warn("record interrupted, leaving for redelivery", zap.Error(err))
		} else {
			log.Error("error checking metadata existence", zap.Error(err))
		}
	default:
		log.Error("error processing record", zap.Error(err))
	}
	return outcome, err
}

func (e *Extractor) extract(ctx context.Context, fm pipeline.ForwardingMessage, metadataKey string) (pipeline.Outcome, error) {
	state, err := e.store.Stat(ctx, fm.Bucket, metadataKey)
	if err != nil {
		return pipeline.OutcomeRetry, fmt.Errorf("%w: %s: %w", ErrProbeFailed, metadataKey, err)
	}
	if state == objectstore.StateExists {
		return pipeline.OutcomeSkipped, nil
	}

	obj, err := e.store.Get(ctx, fm.Bucket, fm.Key, e.maxObjectBytes)
	if err != nil {
		return failed(ctx, fmt.Errorf("download image: %w", err))
	}

	info, err := e.decoder.Decode(obj.Body)
	if err != nil {
		return pipeline.OutcomeFailed, fmt.Errorf("extract metadata: %w", err)
	}

	size := obj.Size
	if size < 0 {
		size = int64(len(obj.Body))
	}
	record := pipeline.MetadataRecord{
		SourceBucket:  fm.Bucket,
		SourceKey:     fm.Key,
		Width:         info.Width,
		Height:        info.Height,
		FileSizeBytes: uint(size),
		Format:        info.Format,
	}
	body, err := json.Marshal(record)
	if err != nil {
		return pipeline.OutcomeFailed, fmt.Errorf("marshal metadata: %w", err)
	}

	if err := e.store.Put(ctx, fm.Bucket, metadataKey, body, pipeline.MetadataContentType); err != nil {
		return failed(ctx, fmt.Errorf("upload metadata: %w", err))
	}
	return pipeline.OutcomeWritten, nil
}

// failed classifies a storage error past the probe. Errors seen after ctx was
// cancelled belong to the invocation, not the record, so they are retried.
func failed(ctx context.Context, err error) (pipeline.Outcome, error) {
	if ctx.Err() != nil {
		return pipeline.OutcomeRetry, fmt.Errorf("%w: %w", ErrInterrupted, err)
	}
	return pipeline.OutcomeFailed, err
}
