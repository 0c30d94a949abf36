package client

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
)

const (
	ManifestName       = "index.m3u8"
	segmentNamePattern = "segment_%03d.ts"
	stderrTailBytes    = 2048
)

// Transcoder turns a source video into an HLS manifest plus segments
type Transcoder interface {
	// Transcode writes outputs into outputDir and returns the manifest path
	Transcode(ctx context.Context, inputPath, outputDir string) (string, error)
	// Name identifies the packager in upload records
	Name() string
}

// FFmpegClient implements Transcoder by running the ffmpeg binary
type FFmpegClient struct {
	binary         string
	segmentSeconds int
}

// NewFFmpegClient creates a new ffmpeg transcoder
func NewFFmpegClient(binary string, segmentSeconds int) *FFmpegClient {
	if binary == "" {
		binary = "ffmpeg"
	}
	if segmentSeconds <= 0 {
		segmentSeconds = 6
	}
	return &FFmpegClient{binary: binary, segmentSeconds: segmentSeconds}
}

func (c *FFmpegClient) Name() string { return "ffmpeg-hls" }

// Transcode encodes inputPath as a single-rendition H.264/AAC HLS VOD stream
func (c *FFmpegClient) Transcode(ctx context.Context, inputPath, outputDir string) (string, error) {
	if _, err := os.Stat(inputPath); err != nil {
		return "", fmt.Errorf("input file: %w", err)
	}
	if err := os.MkdirAll(outputDir, 0o755); err != nil {
		return "", fmt.Errorf("create output dir: %w", err)
	}

	manifest := filepath.Join(outputDir, ManifestName)
	cmd := exec.CommandContext(ctx, c.binary, c.args(inputPath, outputDir)...)
	stderr := &tailBuffer{max: stderrTailBytes}
	cmd.Stderr = stderr

	if err := cmd.Run(); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return "", ctxErr
		}
		if tail := strings.TrimSpace(stderr.String()); tail != "" {
			return "", fmt.Errorf("ffmpeg failed: %w: %s", err, lastLine(tail))
		}
		return "", fmt.Errorf("ffmpeg failed: %w", err)
	}

	if _, err := os.Stat(manifest); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return "", fmt.Errorf("ffmpeg produced no manifest at %s", manifest)
		}
		return "", fmt.Errorf("stat manifest: %w", err)
	}
	return manifest, nil
}

func (c *FFmpegClient) args(inputPath, outputDir string) []string {
	return []string{
		"-hide_banner", "-nostdin", "-y",
		"-i", inputPath,
		"-map", "0:v:0", "-map", "0:a:0?",
		"-c:v", "libx264", "-preset", "veryfast", "-pix_fmt", "yuv420p",
		"-c:a", "aac", "-b:a", "128k", "-ac", "2",
		"-f", "hls",
		"-hls_time", strconv.Itoa(c.segmentSeconds),
		"-hls_playlist_type", "vod",
		"-hls_segment_filename", filepath.Join(outputDir, segmentNamePattern),
		filepath.Join(outputDir, ManifestName),
	}
}

// tailBuffer keeps the last max bytes written to it
type tailBuffer struct {
	mu  sync.Mutex
	buf []byte
	max int
}

func (b *tailBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.buf = append(b.buf, p...)
	if over := len(b.buf) - b.max; over > 0 {
		b.buf = b.buf[over:]
	}
	return len(p), nil
}

func (b *tailBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return string(b.buf)
}

func lastLine(s string) string {
	if i := strings.LastIndexByte(s, '\n'); i >= 0 {
		return s[i+1:]
	}
	return s
}
