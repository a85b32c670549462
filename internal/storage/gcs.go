package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"cloud.google.com/go/storage"
	"go.uber.org/zap"
	"google.golang.org/api/option"
)

// GCSStore keeps objects in a Google Cloud Storage bucket.
type GCSStore struct {
	client *storage.Client
	bucket string
	prefix string
	logger *zap.Logger
}

// NewGCSClient prefers explicit credentials JSON and falls back to application
// default credentials.
func NewGCSClient(ctx context.Context, credentialsJSON string) (*storage.Client, error) {
	if strings.TrimSpace(credentialsJSON) != "" {
		return storage.NewClient(ctx, option.WithCredentialsJSON([]byte(credentialsJSON)))
	}
	return storage.NewClient(ctx)
}

// NewGCSStore checks that the bucket is reachable and returns a store writing
// objects under prefix.
func NewGCSStore(ctx context.Context, client *storage.Client, bucket, prefix string, logger *zap.Logger) (*GCSStore, error) {
	if bucket == "" {
		return nil, errors.New("GCS bucket is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if _, err := client.Bucket(bucket).Attrs(ctx); err != nil {
		return nil, fmt.Errorf("gcs bucket %q not found or not accessible: %w", bucket, err)
	}
	return &GCSStore{client: client, bucket: bucket, prefix: strings.Trim(prefix, "/"), logger: logger}, nil
}

func (s *GCSStore) object(rel string) *storage.ObjectHandle {
	name := rel
	if s.prefix != "" {
		name = s.prefix + "/" + rel
	}
	return s.client.Bucket(s.bucket).Object(name)
}

func (s *GCSStore) Put(ctx context.Context, name string, data []byte, contentType string) (string, error) {
	rel, err := CleanName(name)
	if err != nil {
		return "", err
	}
	wc := s.object(rel).NewWriter(ctx)
	wc.ContentType = contentType
	if _, err := wc.Write(data); err != nil {
		_ = wc.Close()
		return "", fmt.Errorf("failed to upload %s: %w", rel, err)
	}
	if err := wc.Close(); err != nil {
		return "", fmt.Errorf("failed to close writer for %s: %w", rel, err)
	}
	s.logger.Debug("object uploaded",
		zap.String("bucket", s.bucket),
		zap.String("path", rel),
		zap.Int("size", len(data)))
	return rel, nil
}

func (s *GCSStore) Get(ctx context.Context, name string) ([]byte, error) {
	rel, err := CleanName(name)
	if err != nil {
		return nil, err
	}
	rc, err := s.object(rel).NewReader(ctx)
	if errors.Is(err, storage.ErrObjectNotExist) {
		return nil, fmt.Errorf("%s: %w", rel, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", rel, err)
	}
	defer rc.Close()
	data, err := io.ReadAll(rc)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", rel, err)
	}
	return data, nil
}

func (s *GCSStore) Delete(ctx context.Context, name string) error {
	rel, err := CleanName(name)
	if err != nil {
		return err
	}
	if err := s.object(rel).Delete(ctx); err != nil && !errors.Is(err, storage.ErrObjectNotExist) {
		return fmt.Errorf("failed to delete %s: %w", rel, err)
	}
	return nil
}

// Close releases the underlying client.
func (s *GCSStore) Close() error {
	return s.client.Close()
}
