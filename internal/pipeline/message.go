package pipeline

import (
	"encoding/json"
	"errors"
	"fmt"
	"path"
	"strings"
)

const (
	// MetadataPrefix is the flat namespace holding one record per image basename.
	MetadataPrefix = "metadata/"
	// MetadataContentType is the content type metadata records are written with.
	MetadataContentType = "application/json"
	// EventType tags forwarding messages on transports that carry headers.
	EventType = "image.created"
)

var (
	ErrMalformedMessage  = errors.New("malformed forwarding message")
	ErrUnsupportedSuffix = errors.New("unsupported file suffix")
)

var supportedSuffixes = []string{".jpg", ".jpeg", ".png"}

// ForwardingMessage is the queue payload bridging ingest and process.
type ForwardingMessage struct {
	Bucket string `json:"bucket"`
	Key    string `json:"key"`
	ETag   string `json:"etag"`
}

// NewForwardingMessage builds a message for an accepted image key.
func NewForwardingMessage(bucket, key, etag string) (ForwardingMessage, error) {
	if !IsSupportedImage(key) {
		return ForwardingMessage{}, fmt.Errorf("%q: %w", key, ErrUnsupportedSuffix)
	}
	return ForwardingMessage{Bucket: bucket, Key: key, ETag: etag}, nil
}

// Encode returns the UTF-8 JSON queue body.
func (m ForwardingMessage) Encode() ([]byte, error) {
	return json.Marshal(m)
}

// PartitionKey groups messages for the same object.
func (m ForwardingMessage) PartitionKey() string {
	return m.Bucket + "/" + m.Key
}

// ParseForwardingMessage decodes a queue body. Bucket and key are required.
func ParseForwardingMessage(body []byte) (ForwardingMessage, error) {
	var m ForwardingMessage
	if err := json.Unmarshal(body, &m); err != nil {
		return ForwardingMessage{}, fmt.Errorf("%w: %v", ErrMalformedMessage, err)
	}
	if m.Bucket == "" {
		return ForwardingMessage{}, fmt.Errorf("%w: missing bucket", ErrMalformedMessage)
	}
	if m.Key == "" {
		return ForwardingMessage{}, fmt.Errorf("%w: missing key", ErrMalformedMessage)
	}
	return m, nil
}

// IsSupportedImage reports whether key ends in .jpg, .jpeg or .png, ignoring case.
func IsSupportedImage(key string) bool {
	lower := strings.ToLower(key)
	for _, suffix := range supportedSuffixes {
		if strings.HasSuffix(lower, suffix) {
			return true
		}
	}
	return false
}

// IsMetadataKey reports whether key lives in the metadata namespace.
func IsMetadataKey(key string) bool {
	return strings.HasPrefix(key, MetadataPrefix)
}

// MetadataKey maps an object key to its metadata record path. The directory
// prefix is dropped, so objects sharing a basename share a record.
func MetadataKey(key string) string {
	return MetadataPrefix + path.Base(key) + ".json"
}

// MetadataRecord is the derived artifact written once per image.
type MetadataRecord struct {
	SourceBucket  string `json:"source_bucket"`
	SourceKey     string `json:"source_key"`
	Width         uint   `json:"width"`
	Height        uint   `json:"height"`
	FileSizeBytes uint   `json:"file_size_bytes"`
	Format        string `json:"format"`
}
