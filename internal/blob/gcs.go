package blob

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"cloud.google.com/go/storage"
)

// GCSStore keeps documents in a Google Cloud Storage bucket. It assumes
// Application Default Credentials are configured.
type GCSStore struct {
	client *storage.Client
	bucket string
}

// NewGCSStore creates a store for bucket.
func NewGCSStore(ctx context.Context, bucket string) (*GCSStore, error) {
	client, err := storage.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("NewGCSStore: create storage client: %w", err)
	}
	return &GCSStore{client: client, bucket: bucket}, nil
}

// Put uploads data and returns its gs:// URI.
func (s *GCSStore) Put(ctx context.Context, name string, data []byte) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Minute)
	defer cancel()

	w := s.client.Bucket(s.bucket).Object(name).NewWriter(ctx)
	if _, err := w.Write(data); err != nil {
		_ = w.Close()
		return "", fmt.Errorf("GCSStore.Put: write %s: %w", name, err)
	}
	// Close finalizes the upload.
	if err := w.Close(); err != nil {
		return "", fmt.Errorf("GCSStore.Put: finalize upload %s: %w", name, err)
	}
	return "gs://" + s.bucket + "/" + name, nil
}

// Get downloads the object at a gs:// URI. Any bucket is accepted.
func (s *GCSStore) Get(ctx context.Context, uri string) ([]byte, error) {
	rest, ok := splitURI(uri, "gs")
	if !ok {
		return nil, fmt.Errorf("GCSStore.Get: invalid GCS URI: %s", uri)
	}
	parts := strings.SplitN(rest, "/", 2)
	if len(parts) != 2 || parts[1] == "" {
		return nil, fmt.Errorf("GCSStore.Get: invalid GCS URI (no object path): %s", uri)
	}
	bucketName, objectPath := parts[0], parts[1]

	rc, err := s.client.Bucket(bucketName).Object(objectPath).NewReader(ctx)
	if errors.Is(err, storage.ErrObjectNotExist) {
		return nil, fmt.Errorf("GCSStore.Get: %s: %w", uri, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("GCSStore.Get: reading object %s/%s: %w", bucketName, objectPath, err)
	}
	defer rc.Close()

	data, err := io.ReadAll(rc)
	if err != nil {
		return nil, fmt.Errorf("GCSStore.Get: reading bytes: %w", err)
	}
	return data, nil
}

// Close releases the storage client.
func (s *GCSStore) Close() error {
	return s.client.Close()
}
