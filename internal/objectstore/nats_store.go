// Package objectstore keeps job text and produced audio in a NATS JetStream
// object store bucket.
package objectstore

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
)

const headerContentType = "Content-Type"

// ErrNotFound is returned when a key does not exist in the bucket.
var ErrNotFound = errors.New("object not found")

// Config describes the bucket.
type Config struct {
	Bucket string
	// TTL expires objects after the given age; zero keeps them forever.
	TTL      time.Duration
	MaxBytes int64
	// Memory selects memory storage instead of file storage.
	Memory bool
}

// NatsObjectStore implements core.ObjectStore on a JetStream bucket.
type NatsObjectStore struct {
	bucket string
	store  jetstream.ObjectStore
}

// New creates the bucket described by cfg, or binds to it when it already
// exists.
func New(ctx context.Context, js jetstream.JetStream, cfg Config) (*NatsObjectStore, error) {
	storage := jetstream.FileStorage
	if cfg.Memory {
		storage = jetstream.MemoryStorage
	}

	maxBytes := cfg.MaxBytes
	if maxBytes == 0 {
		maxBytes = -1
	}

	store, err := js.CreateObjectStore(ctx, jetstream.ObjectStoreConfig{
		Bucket:      cfg.Bucket,
		Description: fmt.Sprintf("PAM TTS objects (%s)", cfg.Bucket),
		TTL:         cfg.TTL,
		MaxBytes:    maxBytes,
		Storage:     storage,
		Replicas:    1,
		Compression: true,
	})
	if errors.Is(err, jetstream.ErrBucketExists) {
		store, err = js.ObjectStore(ctx, cfg.Bucket)
		if err != nil {
			return nil, fmt.Errorf("failed to bind to existing object store bucket '%s': %w", cfg.Bucket, err)
		}
	} else if err != nil {
		return nil, fmt.Errorf("failed to create object store bucket '%s': %w", cfg.Bucket, err)
	}

	return &NatsObjectStore{bucket: cfg.Bucket, store: store}, nil
}

// Download returns the object stored under key.
func (n *NatsObjectStore) Download(ctx context.Context, key string) ([]byte, error) {
	data, err := n.store.GetBytes(ctx, key)
	if errors.Is(err, jetstream.ErrObjectNotFound) {
		return nil, fmt.Errorf("%w: '%s' in bucket '%s'", ErrNotFound, key, n.bucket)
	}

	if err != nil {
		return nil, fmt.Errorf("failed to get object '%s' from bucket '%s': %w", key, n.bucket, err)
	}

	return data, nil
}

// Upload stores data under key, replacing any previous object.
func (n *NatsObjectStore) Upload(ctx context.Context, key string, data []byte) error {
	return n.UploadTyped(ctx, key, data, "")
}

// UploadTyped stores data under key with a Content-Type header.
func (n *NatsObjectStore) UploadTyped(ctx context.Context, key string, data []byte, contentType string) error {
	meta := jetstream.ObjectMeta{Name: key}
	if contentType != "" {
		meta.Headers = nats.Header{headerContentType: []string{contentType}}
	}

	if _, err := n.store.Put(ctx, meta, bytes.NewReader(data)); err != nil {
		return fmt.Errorf("failed to put object '%s' to bucket '%s': %w", key, n.bucket, err)
	}

	return nil
}

// ContentType returns the Content-Type recorded for key, if any.
func (n *NatsObjectStore) ContentType(ctx context.Context, key string) (string, error) {
	info, err := n.store.GetInfo(ctx, key)
	if errors.Is(err, jetstream.ErrObjectNotFound) {
		return "", fmt.Errorf("%w: '%s' in bucket '%s'", ErrNotFound, key, n.bucket)
	}

	if err != nil {
		return "", fmt.Errorf("failed to stat object '%s': %w", key, err)
	}

	return info.Headers.Get(headerContentType), nil
}

// Delete removes key. Deleting a missing key is not an error.
func (n *NatsObjectStore) Delete(ctx context.Context, key string) error {
	err := n.store.Delete(ctx, key)
	if err != nil && !errors.Is(err, jetstream.ErrObjectNotFound) {
		return fmt.Errorf("failed to delete object '%s' from bucket '%s': %w", key, n.bucket, err)
	}

	return nil
}
