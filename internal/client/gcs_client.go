package client

import (
	"context"
	"errors"
	"fmt"
	"io"

	"cloud.google.com/go/storage"

	"github.com/0necontroller/vellum/internal/config"
)

// GCSClient implements StorageClient for Google Cloud Storage. Credentials
// come from Application Default Credentials.
type GCSClient struct {
	client    *storage.Client
	bucket    string
	publicURL string
}

// NewGCSClient creates a new GCS storage client
func NewGCSClient(ctx context.Context, cfg *config.GCSConfig) (*GCSClient, error) {
	if cfg.Bucket == "" {
		return nil, errors.New("gcs configuration incomplete: bucket is required")
	}
	client, err := storage.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("create gcs client: %w", err)
	}
	return &GCSClient{client: client, bucket: cfg.Bucket, publicURL: cfg.PublicURL}, nil
}

// Upload streams body into the object and returns its public URL
func (c *GCSClient) Upload(ctx context.Context, key string, body io.Reader, contentType string) (string, error) {
	w := c.client.Bucket(c.bucket).Object(key).NewWriter(ctx)
	w.ContentType = contentType
	if _, err := io.Copy(w, body); err != nil {
		_ = w.Close()
		return "", fmt.Errorf("failed to upload to gcs: %w", err)
	}
	if err := w.Close(); err != nil {
		return "", fmt.Errorf("failed to finalize gcs object: %w", err)
	}
	return c.GetPublicURL(key), nil
}

// Delete removes an object; a missing object is not an error
func (c *GCSClient) Delete(ctx context.Context, key string) error {
	err := c.client.Bucket(c.bucket).Object(key).Delete(ctx)
	if err != nil && !errors.Is(err, storage.ErrObjectNotExist) {
		return fmt.Errorf("failed to delete from gcs: %w", err)
	}
	return nil
}

func (c *GCSClient) GetPublicURL(key string) string {
	if c.publicURL != "" {
		return fmt.Sprintf("%s/%s", c.publicURL, key)
	}
	return fmt.Sprintf("https://storage.googleapis.com/%s/%s", c.bucket, key)
}

func (c *GCSClient) Name() string { return "gcs" }

// Close releases the underlying client
func (c *GCSClient) Close() error {
	return c.client.Close()
}
