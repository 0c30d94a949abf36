package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/0necontroller/vellum/internal/auth"
	"github.com/0necontroller/vellum/internal/model"
	"github.com/0necontroller/vellum/internal/store"
)

type cliTestEnv struct {
	configPath string
	dbPath     string
}

func setupCLITestEnv(t *testing.T) *cliTestEnv {
	t.Helper()
	base := t.TempDir()
	dbPath := filepath.Join(base, "data", "vellum.db")
	configPath := filepath.Join(base, "config.yaml")
	cfg := "server:\n  log_level: error\n" +
		"database:\n  path: " + dbPath + "\n" +
		"jwt:\n  secret: cli-secret\n"
	require.NoError(t, os.WriteFile(configPath, []byte(cfg), 0o644))
	return &cliTestEnv{configPath: configPath, dbPath: dbPath}
}

func (e *cliTestEnv) seed(t *testing.T, id string) {
	t.Helper()
	st, err := store.Open(e.dbPath)
	require.NoError(t, err)
	defer st.Close()
	_, err = st.Create(context.Background(), &model.UploadRecord{
		ID:       id,
		Filename: "clip.mp4",
		FileSize: 42,
		Status:   model.UploadStatusUploading,
	})
	require.NoError(t, err)
}

func (e *cliTestEnv) run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCommand()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(append([]string{"--config", e.configPath}, args...))
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

func TestRecordsListEmpty(t *testing.T) {
	env := setupCLITestEnv(t)
	out, err := env.run(t, "records", "list")
	require.NoError(t, err)
	assert.Contains(t, out, "No upload records")
}

func TestRecordsListGetDelete(t *testing.T) {
	env := setupCLITestEnv(t)
	env.seed(t, "rec-1")

	out, err := env.run(t, "records", "list")
	require.NoError(t, err)
	assert.Contains(t, out, "rec-1")
	assert.Contains(t, out, "clip.mp4")
	assert.Contains(t, out, "uploading")

	out, err = env.run(t, "records", "list", "--status", "completed")
	require.NoError(t, err)
	assert.Contains(t, out, "No upload records")

	out, err = env.run(t, "records", "get", "rec-1")
	require.NoError(t, err)
	assert.Contains(t, out, `"id": "rec-1"`)

	out, err = env.run(t, "records", "delete", "rec-1")
	require.NoError(t, err)
	assert.Contains(t, out, "Deleted rec-1")

	_, err = env.run(t, "records", "get", "rec-1")
	assert.Error(t, err)
	_, err = env.run(t, "records", "delete", "rec-1")
	assert.Error(t, err)
}

func TestCallbacksSweepWithNothingPending(t *testing.T) {
	env := setupCLITestEnv(t)
	out, err := env.run(t, "callbacks", "sweep")
	require.NoError(t, err)
	assert.Contains(t, out, "candidates=0 delivered=0 failed=0")
}

func TestTokenIssue(t *testing.T) {
	env := setupCLITestEnv(t)
	out, err := env.run(t, "token", "issue", "--subject", "encoder-1", "--ttl", "1h")
	require.NoError(t, err)

	claims, err := auth.ValidateToken(strings.TrimSpace(out), "cli-secret")
	require.NoError(t, err)
	assert.Equal(t, "encoder-1", claims.Subject)
}

func TestMissingConfigFileFails(t *testing.T) {
	cmd := newRootCommand()
	cmd.SetOut(&bytes.Buffer{})
	cmd.SetArgs([]string{"--config", filepath.Join(t.TempDir(), "missing.yaml"), "records", "list"})
	assert.Error(t, cmd.Execute())
}
