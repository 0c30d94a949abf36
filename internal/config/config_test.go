package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	t.Chdir(t.TempDir())

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "8000", cfg.Server.Port)
	assert.Equal(t, "./data/vellum.db", cfg.Database.Path)
	assert.Equal(t, "/files/", cfg.Upload.BasePath)
	assert.Equal(t, int64(10<<30), cfg.Upload.MaxSize)
	assert.Equal(t, 64<<20, cfg.Upload.MaxChunkSize)
	assert.Equal(t, 24*time.Hour, cfg.Upload.SessionTTL)
	assert.Equal(t, "transcode", cfg.Worker.Queue)
	assert.Equal(t, 3, cfg.Worker.MaxRedeliveries)
	assert.Equal(t, 6*time.Hour, cfg.Worker.StuckAfter)
	assert.Equal(t, StorageDriverLocal, cfg.Storage.Driver)
	assert.Equal(t, "videos", cfg.Storage.Prefix)
	assert.Equal(t, 10*time.Second, cfg.Callback.Timeout)
	assert.Equal(t, 60*time.Second, cfg.Callback.SweepInterval)
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("API_KEY", "secret-key")
	t.Setenv("CALLBACK_SWEEP_INTERVAL", "15s")
	t.Setenv("UPLOAD_BASE_PATH", "tus")
	t.Setenv("STORAGE_DRIVER", "S3")
	t.Setenv("S3_PUBLIC_URL", "https://cdn.example.com/")

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "secret-key", cfg.Server.APIKey)
	assert.Equal(t, 15*time.Second, cfg.Callback.SweepInterval)
	assert.Equal(t, "/tus/", cfg.Upload.BasePath)
	assert.Equal(t, StorageDriverS3, cfg.Storage.Driver)
	assert.Equal(t, "https://cdn.example.com", cfg.Storage.S3.PublicURL)
}

func TestLoadReadsSecretFile(t *testing.T) {
	dir := t.TempDir()
	t.Chdir(dir)
	secretPath := filepath.Join(dir, "jwt_secret")
	require.NoError(t, os.WriteFile(secretPath, []byte("from-file\n"), 0o600))
	t.Setenv("JWT_SECRET", "")
	t.Setenv("JWT_SECRET_FILE", secretPath)

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "from-file", cfg.JWT.Secret)
}

func TestLoadExplicitFileMustExist(t *testing.T) {
	t.Chdir(t.TempDir())
	_, err := Load("missing.yaml")
	require.Error(t, err)
}

func TestLoadYAMLFile(t *testing.T) {
	dir := t.TempDir()
	t.Chdir(dir)
	path := filepath.Join(dir, "vellum.yaml")
	require.NoError(t, os.WriteFile(path, []byte("worker:\n  queue: videos\nstorage:\n  prefix: /media/\n"), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "videos", cfg.Worker.Queue)
	assert.Equal(t, "media", cfg.Storage.Prefix)
}

func TestValidate(t *testing.T) {
	t.Chdir(t.TempDir())
	cfg, err := Load("")
	require.NoError(t, err)

	require.Error(t, cfg.Validate(), "missing credentials")

	cfg.Server.APIKey = "k"
	require.NoError(t, cfg.Validate())

	cfg.Storage.Driver = "ftp"
	require.Error(t, cfg.Validate())

	cfg.Storage.Driver = StorageDriverGCS
	require.Error(t, cfg.Validate())
	cfg.Storage.GCS.Bucket = "bucket"
	require.NoError(t, cfg.Validate())
}
