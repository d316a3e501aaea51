package objectstore

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"github.com/minio/minio-go/v7/pkg/notification"
)

// ErrTooLarge is returned by Get when the declared object size exceeds the caller's limit.
var ErrTooLarge = errors.New("object exceeds size limit")

// Config contains the information required to talk to an object store.
type Config struct {
	Provider  string
	Endpoint  string
	Region    string
	AccessKey string
	SecretKey string
	UseSSL    bool
}

// State is the outcome of an existence probe. StateUnknown is only ever
// returned together with a non-nil error.
type State int

const (
	StateUnknown State = iota
	StateAbsent
	StateExists
)

func (s State) String() string {
	switch s {
	case StateAbsent:
		return "absent"
	case StateExists:
		return "exists"
	default:
		return "unknown"
	}
}

// Object is a fully downloaded object and the length the store declared for it.
type Object struct {
	Body []byte
	Size int64
}

// Client represents the storage capabilities the pipeline expects.
type Client interface {
	Stat(ctx context.Context, bucket, key string) (State, error)
	Get(ctx context.Context, bucket, key string, maxBytes int64) (*Object, error)
	Put(ctx context.Context, bucket, key string, body []byte, contentType string) error
	Close() error
}

// Notifier streams bucket notifications.
type Notifier interface {
	Listen(ctx context.Context, bucket, prefix string, events []string) <-chan notification.Info
}

// New creates an object store client based on the given configuration.
func New(cfg Config) (*MinioStore, error) {
	switch cfg.Provider {
	case "minio", "s3":
		return newMinioStore(cfg)
	default:
		return nil, fmt.Errorf("unsupported object store provider: %s", cfg.Provider)
	}
}

// MinioStore implements Client and Notifier on top of minio-go.
type MinioStore struct {
	client *minio.Client
}

func newMinioStore(cfg Config) (*MinioStore, error) {
	cl, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
		Region: cfg.Region,
	})
	if err != nil {
		return nil, fmt.Errorf("init minio client: %w", err)
	}

	return &MinioStore{client: cl}, nil
}

func (m *MinioStore) Stat(ctx context.Context, bucket, key string) (State, error) {
	_, err := m.client.StatObject(ctx, bucket, key, minio.StatObjectOptions{})
	return classifyStat(err)
}

func (m *MinioStore) Get(ctx context.Context, bucket, key string, maxBytes int64) (*Object, error) {
	obj, err := m.client.GetObject(ctx, bucket, key, minio.GetObjectOptions{})
	if err != nil {
		return nil, fmt.Errorf("get object %q: %w", key, err)
	}
	defer obj.Close()

	// GetObject is lazy; Stat performs the request and yields the declared length.
	info, err := obj.Stat()
	if err != nil {
		return nil, fmt.Errorf("stat object %q: %w", key, err)
	}
	if maxBytes > 0 && info.Size > maxBytes {
		return nil, fmt.Errorf("object %q is %d bytes: %w", key, info.Size, ErrTooLarge)
	}

	body, err := io.ReadAll(obj)
	if err != nil {
		return nil, fmt.Errorf("read object %q: %w", key, err)
	}

	return &Object{Body: body, Size: info.Size}, nil
}

func (m *MinioStore) Put(ctx context.Context, bucket, key string, body []byte, contentType string) error {
	opts := minio.PutObjectOptions{ContentType: contentType}
	_, err := m.client.PutObject(ctx, bucket, key, bytes.NewReader(body), int64(len(body)), opts)
	if err != nil {
		return fmt.Errorf("put object %q: %w", key, err)
	}
	return nil
}

func (m *MinioStore) Listen(ctx context.Context, bucket, prefix string, events []string) <-chan notification.Info {
	return m.client.ListenBucketNotification(ctx, bucket, prefix, "", events)
}

func (m *MinioStore) Close() error {
	return nil
}

// classifyStat maps a stat error onto the three probe outcomes. Only a
// not-found response counts as absent; anything else leaves the state unknown.
func classifyStat(err error) (State, error) {
	if err == nil {
		return StateExists, nil
	}
	resp := minio.ToErrorResponse(err)
	if resp.StatusCode == http.StatusNotFound || resp.Code == "NoSuchKey" || resp.Code == "NotFound" {
		return StateAbsent, nil
	}
	return StateUnknown, err
}
