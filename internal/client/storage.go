package client

import (
	"context"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/0necontroller/vellum/internal/config"
)

// StorageClient defines the interface for object storage operations
type StorageClient interface {
	Upload(ctx context.Context, key string, body io.Reader, contentType string) (string, error)
	Delete(ctx context.Context, key string) error
	GetPublicURL(key string) string
	Name() string
}

// NewStorageClient builds the driver selected by storage.driver
func NewStorageClient(ctx context.Context, cfg *config.StorageConfig) (StorageClient, error) {
	switch cfg.Driver {
	case config.StorageDriverS3:
		return NewS3Client(ctx, &cfg.S3)
	case config.StorageDriverGCS:
		return NewGCSClient(ctx, &cfg.GCS)
	case config.StorageDriverLocal, "":
		return NewLocalStorage(&cfg.Local)
	default:
		return nil, fmt.Errorf("unknown storage driver %q", cfg.Driver)
	}
}

// ContentTypeFor maps an output file name to its MIME type
func ContentTypeFor(name string) string {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".m3u8":
		return "application/vnd.apple.mpegurl"
	case ".ts":
		return "video/mp2t"
	case ".m4s", ".mp4":
		return "video/mp4"
	default:
		return "application/octet-stream"
	}
}

// UploadedObject is one file published by UploadDirectory
type UploadedObject struct {
	Key string
	URL string
}

// UploadDirectory uploads every regular file under dir to prefix/<relative path>,
// keeping the subdirectory layout. Each object gets its own timeout when
// perObject is positive. It stops at the first failure and returns the objects
// uploaded so far alongside the error.
func UploadDirectory(ctx context.Context, storage StorageClient, dir, prefix string, perObject time.Duration) ([]UploadedObject, error) {
	var uploaded []UploadedObject
	err := filepath.WalkDir(dir, func(p string, d os.DirEntry, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}
		if d.IsDir() {
			return nil
		}
		if err := ctx.Err(); err != nil {
			return err
		}

		rel, err := filepath.Rel(dir, p)
		if err != nil {
			return err
		}
		key := ObjectKey(prefix, filepath.ToSlash(rel))

		f, err := os.Open(p)
		if err != nil {
			return fmt.Errorf("open %s: %w", rel, err)
		}
		defer f.Close()

		uploadCtx, cancel := ctx, context.CancelFunc(func() {})
		if perObject > 0 {
			uploadCtx, cancel = context.WithTimeout(ctx, perObject)
		}
		url, err := storage.Upload(uploadCtx, key, f, ContentTypeFor(p))
		cancel()
		if err != nil {
			return fmt.Errorf("upload %s: %w", key, err)
		}
		uploaded = append(uploaded, UploadedObject{Key: key, URL: url})
		return nil
	})
	return uploaded, err
}

// ObjectKey joins key segments with "/" and drops empty and leading separators
func ObjectKey(parts ...string) string {
	cleaned := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.Trim(p, "/")
		if p != "" {
			cleaned = append(cleaned, p)
		}
	}
	return path.Join(cleaned...)
}
