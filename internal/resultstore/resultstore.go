// Package resultstore optionally uploads the final combined-statistics
// JSON report to a Google Cloud Storage bucket, authenticating with
// application-default credentials and writing one named object per
// run.
package resultstore

import (
	"context"
	"fmt"

	"cloud.google.com/go/storage"
	"go.uber.org/zap"
	"golang.org/x/oauth2/google"
	"google.golang.org/api/option"
)

// Store uploads report bytes to a bucket. New always returns a non-nil
// Store; one with no bucket configured is a no-op, so callers can
// unconditionally call Save without checking whether uploads are
// enabled.
type Store struct {
	client *storage.Client
	bucket *storage.BucketHandle
	logger *zap.Logger
}

// New builds a Store against bucketName using application-default
// credentials. If bucketName is empty, Save becomes a no-op and no
// network calls are made. Any failure to obtain credentials or build
// the storage client also degrades to a no-op, logged as a warning, so
// a run without GCP access still completes normally.
func New(ctx context.Context, bucketName string, logger *zap.Logger) *Store {
	if bucketName == "" {
		return &Store{logger: logger}
	}

	gcpClient, err := google.DefaultClient(ctx, storage.ScopeFullControl)
	if err != nil {
		logger.Warn("resultstore: no GCP default credentials, results will not be uploaded", zap.Error(err))
		return &Store{logger: logger}
	}

	client, err := storage.NewClient(ctx, option.WithHTTPClient(gcpClient))
	if err != nil {
		logger.Warn("resultstore: failed to build storage client, results will not be uploaded", zap.Error(err))
		return &Store{logger: logger}
	}

	return &Store{
		client: client,
		bucket: client.Bucket(bucketName),
		logger: logger,
	}
}

// Enabled reports whether uploads are configured.
func (s *Store) Enabled() bool { return s.bucket != nil }

// Save writes data as object name in the configured bucket. A no-op
// when uploads are disabled.
func (s *Store) Save(ctx context.Context, name string, data []byte) error {
	if s.bucket == nil {
		return nil
	}
	w := s.bucket.Object(name).NewWriter(ctx)
	if _, err := w.Write(data); err != nil {
		return fmt.Errorf("resultstore: writing object %q: %w", name, err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("resultstore: closing object %q: %w", name, err)
	}
	return nil
}

// Close releases the underlying storage client, if one was created.
func (s *Store) Close() error {
	if s.client == nil {
		return nil
	}
	return s.client.Close()
}
