package ingest

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/minio/minio-go/v7/pkg/notification"
)

var errNotObjectCreated = errors.New("not an object-created event")

// ObjectCreatedEvent is one notified object, with its key already URL-decoded.
type ObjectCreatedEvent struct {
	Bucket string
	Key    string
	ETag   string
}

// NotificationDocument is the S3/MinIO bucket notification envelope. MinIO
// webhook targets add the top-level EventName and Key. Records stay raw so that one malformed record cannot fail the whole document.
type NotificationDocument struct {
	EventName string            `json:"EventName,omitempty"`
	Key       string            `json:"Key,omitempty"`
	Records   []json.RawMessage `json:"Records"`
}

// objectCreatedFrom validates the event shape and decodes the object key.
// Storage notifications carry keys URL-encoded with '+' for spaces.
func objectCreatedFrom(ev notification.Event) (ObjectCreatedEvent, error) {
	if ev.EventName != "" && !strings.Contains(ev.EventName, "ObjectCreated:") {
		return ObjectCreatedEvent{}, fmt.Errorf("%s: %w", ev.EventName, errNotObjectCreated)
	}
	if ev.S3.Bucket.Name == "" {
		return ObjectCreatedEvent{}, errors.New("event has no bucket name")
	}
	if ev.S3.Object.Key == "" {
		return ObjectCreatedEvent{}, errors.New("event has no object key")
	}

	key, err := url.QueryUnescape(ev.S3.Object.Key)
	if err != nil {
		return ObjectCreatedEvent{}, fmt.Errorf("decode object key %q: %w", ev.S3.Object.Key, err)
	}

	return ObjectCreatedEvent{
		Bucket: ev.S3.Bucket.Name,
		Key:    key,
		ETag:   ev.S3.Object.ETag,
	}, nil
}
