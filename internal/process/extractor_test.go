package process

import (
	"bytes"
	"context"
	"errors"
	"image"
	"image/png"
	"sync"
	"testing"

	"github.com/minio/minio-go/v7"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/your-org/imgmeta/internal/pipeline"
	"github.com/your-org/imgmeta/pkg/imagemeta"
	"github.com/your-org/imgmeta/pkg/queue"
	"github.com/your-org/imgmeta/pkg/storage/objectstore"
)

type storedObject struct {
	body        []byte
	size        int64
	contentType string
}

type fakeStore struct {
	mu       sync.Mutex
	objects  map[string]storedObject
	statErr  map[string]error
	putErr   error
	gets     int
	puts     int
	statKeys []string
}

func newFakeStore() *fakeStore {
	return &fakeStore{objects: map[string]storedObject{}, statErr: map[string]error{}}
}

func (s *fakeStore) Stat(_ context.Context, bucket, key string) (objectstore.State, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.statKeys = append(s.statKeys, bucket+"/"+key)
	if err := s.statErr[bucket+"/"+key]; err != nil {
		return objectstore.StateUnknown, err
	}
	if _, ok := s.objects[bucket+"/"+key]; ok {
		return objectstore.StateExists, nil
	}
	return objectstore.StateAbsent, nil
}

func (s *fakeStore) Get(_ context.Context, bucket, key string, maxBytes int64) (*objectstore.Object, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.gets++
	obj, ok := s.objects[bucket+"/"+key]
	if !ok {
		return nil, minio.ErrorResponse{Code: "NoSuchKey", StatusCode: 404}
	}
	if maxBytes > 0 && obj.size > maxBytes {
		return nil, objectstore.ErrTooLarge
	}
	return &objectstore.Object{Body: obj.body, Size: obj.size}, nil
}

func (s *fakeStore) Put(_ context.Context, bucket, key string, body []byte, contentType string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.puts++
	if s.putErr != nil {
		return s.putErr
	}
	s.objects[bucket+"/"+key] = storedObject{body: body, size: int64(len(body)), contentType: contentType}
	return nil
}

func (s *fakeStore) Close() error { return nil }

func (s *fakeStore) object(key string) (storedObject, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	obj, ok := s.objects[key]
	return obj, ok
}

type countingDecoder struct {
	mu    sync.Mutex
	calls int
}

func (d *countingDecoder) Decode(data []byte) (imagemeta.Info, error) {
	d.mu.Lock()
	d.calls++
	d.mu.Unlock()
	return imagemeta.ConfigDecoder{}.Decode(data)
}

func pngBytes(t *testing.T, w, h int) []byte {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, image.NewGray(image.Rect(0, 0, w, h))))
	return buf.Bytes()
}

func message(body string) queue.Message {
	return queue.Message{ID: "m-" + body, Body: []byte(body)}
}

func newTestExtractor(store *fakeStore, dec *countingDecoder) (*Extractor, *observer.ObservedLogs) {
	core, logs := observer.New(zapcore.DebugLevel)
	return NewExtractor(Params{
		Store:       store,
		Decoder:     dec,
		Logger:      zap.New(core),
		Concurrency: 4,
	}), logs
}

func TestProcessWritesMetadata(t *testing.T) {
	store := newFakeStore()
	store.objects["bucket/img.png"] = storedObject{body: pngBytes(t, 800, 600), size: 12345}
	e, _ := newTestExtractor(store, &countingDecoder{})

	report, err := e.Process(context.Background(), []queue.Message{
		message(`{"bucket":"bucket","key":"img.png","etag":"abc"}`),
	})
	require.NoError(t, err)
	assert.Equal(t, 1, report.Count(pipeline.OutcomeWritten))

	meta, ok := store.object("bucket/metadata/img.png.json")
	require.True(t, ok)
	assert.Equal(t, "application/json", meta.contentType)
	assert.Equal(t,
		`{"source_bucket":"bucket","source_key":"img.png","width":800,"height":600,"file_size_bytes":12345,"format":"PNG"}`,
		string(meta.body))
}

func TestProcessSkipsAlreadyProcessed(t *testing.T) {
	store := newFakeStore()
	store.objects["bucket/photo.jpg"] = storedObject{body: []byte("jpeg bytes"), size: 10}
	store.objects["bucket/metadata/photo.jpg.json"] = storedObject{body: []byte(`{}`), size: 2}
	dec := &countingDecoder{}
	e, logs := newTestExtractor(store, dec)

	report, err := e.Process(context.Background(), []queue.Message{
		message(`{"bucket":"bucket","key":"photo.jpg","etag":""}`),
	})
	require.NoError(t, err)

	assert.Equal(t, 1, report.Count(pipeline.OutcomeSkipped))
	assert.Zero(t, store.gets)
	assert.Zero(t, store.puts)
	assert.Zero(t, dec.calls)
	assert.Equal(t, 1, logs.FilterMessage("metadata already exists, skipping").Len())
}

func TestProcessFlattensMetadataPath(t *testing.T) {
	store := newFakeStore()
	store.objects["b/a/b/c/photo.jpeg"] = storedObject{body: pngBytes(t, 2, 3), size: 99}
	e, _ := newTestExtractor(store, &countingDecoder{})

	_, err := e.Process(context.Background(), []queue.Message{
		message(`{"bucket":"b","key":"a/b/c/photo.jpeg","etag":""}`),
	})
	require.NoError(t, err)

	assert.Equal(t, []string{"b/metadata/photo.jpeg.json"}, store.statKeys)
	meta, ok := store.object("b/metadata/photo.jpeg.json")
	require.True(t, ok)
	assert.Contains(t, string(meta.body), `"source_key":"a/b/c/photo.jpeg"`)
	assert.Contains(t, string(meta.body), `"format":"PNG"`, "format comes from content, not the .jpeg suffix")
}

func TestProcessIsolatesBadRecords(t *testing.T) {
	store := newFakeStore()
	store.objects["bucket/good1.png"] = storedObject{body: pngBytes(t, 10, 10), size: 100}
	store.objects["bucket/good2.png"] = storedObject{body: pngBytes(t, 20, 5), size: 200}
	store.objects["bucket/corrupt.png"] = storedObject{body: []byte("not an image"), size: 12}
	e, logs := newTestExtractor(store, &countingDecoder{})

	report, err := e.Process(context.Background(), []queue.Message{
		message(`{"bucket":"bucket","key":"good1.png","etag":""}`),
		message(`{"bucket":"bucket","etag":""}`),
		message(`{{{`),
		message(`{"bucket":"bucket","key":"missing.png","etag":""}`),
		message(`{"bucket":"bucket","key":"corrupt.png","etag":""}`),
		message(`{"bucket":"bucket","key":"good2.png","etag":""}`),
	})
	require.NoError(t, err)

	assert.Equal(t, 2, report.Count(pipeline.OutcomeWritten))
	assert.Equal(t, 4, report.Count(pipeline.OutcomeFailed))
	assert.Equal(t, 4, logs.FilterMessage("error processing record").Len())
	_, ok := store.object("bucket/metadata/good1.png.json")
	assert.True(t, ok)
	_, ok = store.object("bucket/metadata/good2.png.json")
	assert.True(t, ok)
	_, ok = store.object("bucket/metadata/corrupt.png.json")
	assert.False(t, ok)
}

func TestProcessPropagatesProbeFailure(t *testing.T) {
	store := newFakeStore()
	store.objects["bucket/ok.png"] = storedObject{body: pngBytes(t, 1, 1), size: 70}
	store.objects["bucket/locked.png"] = storedObject{body: pngBytes(t, 1, 1), size: 70}
	denied := minio.ErrorResponse{Code: "AccessDenied", StatusCode: 403}
	store.statErr["bucket/metadata/locked.png.json"] = denied
	e, logs := newTestExtractor(store, &countingDecoder{})

	report, err := e.Process(context.Background(), []queue.Message{
		message(`{"bucket":"bucket","key":"locked.png","etag":""}`),
		message(`{"bucket":"bucket","key":"ok.png","etag":""}`),
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrProbeFailed)
	var resp minio.ErrorResponse
	require.True(t, errors.As(err, &resp))
	assert.Equal(t, "AccessDenied", resp.Code)

	assert.Equal(t, 1, report.Count(pipeline.OutcomeRetry))
	assert.Equal(t, 1, report.Count(pipeline.OutcomeWritten), "siblings are still processed")
	_, ok := store.object("bucket/metadata/locked.png.json")
	assert.False(t, ok)
	assert.Equal(t, 1, logs.FilterMessage("error checking metadata existence").Len())

	require.Error(t, e.HandleBatch(context.Background(), []queue.Message{
		message(`{"bucket":"bucket","key":"locked.png","etag":""}`),
	}))
}

func TestProcessSwallowsUploadAndSizeFailures(t *testing.T) {
	store := newFakeStore()
	store.objects["bucket/huge.png"] = storedObject{body: pngBytes(t, 1, 1), size: 1 << 30}
	store.objects["bucket/fine.png"] = storedObject{body: pngBytes(t, 1, 1), size: 70}
	store.putErr = errors.New("slow down")

	core, _ := observer.New(zapcore.InfoLevel)
	e := NewExtractor(Params{Store: store, Logger: zap.New(core), MaxObjectBytes: 1 << 20})

	report, err := e.Process(context.Background(), []queue.Message{
		message(`{"bucket":"bucket","key":"huge.png","etag":""}`),
		message(`{"bucket":"bucket","key":"fine.png","etag":""}`),
	})
	require.NoError(t, err)
	assert.Equal(t, 2, report.Count(pipeline.OutcomeFailed))
	assert.Equal(t, 1, store.puts)
}

func TestProcessEmptyBatch(t *testing.T) {
	e, _ := newTestExtractor(newFakeStore(), &countingDecoder{})
	report, err := e.Process(context.Background(), nil)
	require.NoError(t, err)
	assert.Zero(t, report.Total())
}

// cancellingStore cancels the invocation once the existence check has
// answered and honours the cancelled context on the calls that follow.
type cancellingStore struct {
	*fakeStore
	cancel context.CancelFunc
}

func (s *cancellingStore) Stat(ctx context.Context, bucket, key string) (objectstore.State, error) {
	state, err := s.fakeStore.Stat(ctx, bucket, key)
	s.cancel()
	return state, err
}

func (s *cancellingStore) Get(ctx context.Context, bucket, key string, maxBytes int64) (*objectstore.Object, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return s.fakeStore.Get(ctx, bucket, key, maxBytes)
}

func (s *cancellingStore) Put(ctx context.Context, bucket, key string, body []byte, contentType string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.fakeStore.Put(ctx, bucket, key, body, contentType)
}

func TestProcessRetriesRecordInterruptedByCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	store := &cancellingStore{fakeStore: newFakeStore(), cancel: cancel}
	store.objects["bucket/img.png"] = storedObject{body: pngBytes(t, 4, 4), size: 80}

	core, logs := observer.New(zapcore.DebugLevel)
	e := NewExtractor(Params{Store: store, Logger: zap.New(core)})

	report, err := e.Process(ctx, []queue.Message{
		message(`{"bucket":"bucket","key":"img.png","etag":""}`),
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrInterrupted)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, report.Count(pipeline.OutcomeRetry))
	assert.Zero(t, report.Count(pipeline.OutcomeFailed))
	assert.Zero(t, store.puts)
	assert.Equal(t, 1, logs.FilterMessage("record interrupted, leaving for redelivery").Len())
}
