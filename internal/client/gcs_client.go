package client

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"cloud.google.com/go/storage"
	"google.golang.org/api/option"

	"github.com/photoaiproxy/api/internal/config"
)

// Signed URL expiry used for re-hosted artifacts. V2 signing has no upper
// bound, so links are effectively permanent.
var gcsPermanentExpiry = time.Date(2491, time.March, 9, 0, 0, 0, 0, time.UTC)

// GCSClient implements StorageClient on Google Cloud Storage (Firebase Storage buckets).
type GCSClient struct {
	client *storage.Client
	bucket *storage.BucketHandle
	name   string
}

// NewGCSClient dials Cloud Storage with the configured credentials, or ADC when none are set.
func NewGCSClient(ctx context.Context, cfg *config.GCSConfig, opts ...option.ClientOption) (*GCSClient, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("GCS configuration incomplete: bucket required")
	}
	if cfg.CredentialsFile != "" {
		opts = append(opts, option.WithCredentialsFile(cfg.CredentialsFile))
	}

	client, err := storage.NewClient(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create storage client: %w", err)
	}

	return &GCSClient{
		client: client,
		bucket: client.Bucket(cfg.Bucket),
		name:   cfg.Bucket,
	}, nil
}

// Upload writes body under key
func (c *GCSClient) Upload(ctx context.Context, key string, body io.Reader, contentType string) error {
	w := c.bucket.Object(key).NewWriter(ctx)
	w.ContentType = contentType

	if _, err := io.Copy(w, body); err != nil {
		_ = w.Close()
		return fmt.Errorf("failed to upload to GCS: %w", err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("failed to upload to GCS: %w", err)
	}
	return nil
}

// Delete removes key. A missing object is not an error.
func (c *GCSClient) Delete(ctx context.Context, key string) error {
	err := c.bucket.Object(key).Delete(ctx)
	if err != nil && !errors.Is(err, storage.ErrObjectNotExist) {
		return fmt.Errorf("failed to delete from GCS: %w", err)
	}
	return nil
}

// PermanentURL signs a far-future GET URL for key.
func (c *GCSClient) PermanentURL(_ context.Context, key string) (string, error) {
	u, err := c.bucket.SignedURL(key, &storage.SignedURLOptions{
		Method:  http.MethodGet,
		Expires: gcsPermanentExpiry,
		Scheme:  storage.SigningSchemeV2,
	})
	if err != nil {
		return "", fmt.Errorf("failed to sign URL: %w", err)
	}
	return u, nil
}

func (c *GCSClient) Close() error {
	return c.client.Close()
}

// IsConfigured returns true if the client has valid configuration
func (c *GCSClient) IsConfigured() bool {
	return c.client != nil && c.name != ""
}
