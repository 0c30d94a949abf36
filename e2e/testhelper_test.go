package e2e

import (
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"
	"github.com/hibiken/asynq"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/0necontroller/vellum/internal/auth"
	"github.com/0necontroller/vellum/internal/client"
	"github.com/0necontroller/vellum/internal/config"
	"github.com/0necontroller/vellum/internal/handler"
	"github.com/0necontroller/vellum/internal/middleware"
	"github.com/0necontroller/vellum/internal/queue"
	"github.com/0necontroller/vellum/internal/server"
	"github.com/0necontroller/vellum/internal/service"
	"github.com/0necontroller/vellum/internal/store"
	"github.com/0necontroller/vellum/internal/upload"
	ws "github.com/0necontroller/vellum/internal/websocket"
	"github.com/0necontroller/vellum/internal/worker"
)

const (
	testAPIKey    = "test-api-key"
	testJWTSecret = "test-secret-for-e2e"
	testCDN       = "http://cdn.test/media"
)

// capturePublisher records jobs instead of sending them to Redis
type capturePublisher struct {
	mu       sync.Mutex
	messages []queue.Message
}

func (p *capturePublisher) Publish(_ context.Context, msg queue.Message) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.messages = append(p.messages, msg)
	return nil
}

func (p *capturePublisher) published() []queue.Message {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]queue.Message(nil), p.messages...)
}

// stubTranscoder writes a two-file HLS rendition without running ffmpeg
type stubTranscoder struct{}

func (stubTranscoder) Name() string { return "stub-hls" }

func (stubTranscoder) Transcode(_ context.Context, _, outDir string) (string, error) {
	if err := os.MkdirAll(outDir, 0o755); err != nil {
		return "", err
	}
	manifest := filepath.Join(outDir, "index.m3u8")
	body := "#EXTM3U\n#EXTINF:6.0,\nsegment_000.ts\n#EXT-X-ENDLIST\n"
	if err := os.WriteFile(manifest, []byte(body), 0o644); err != nil {
		return "", err
	}
	if err := os.WriteFile(filepath.Join(outDir, "segment_000.ts"), []byte("ts"), 0o644); err != nil {
		return "", err
	}
	return manifest, nil
}

// testApp holds the assembled app plus the pieces tests drive directly
type testApp struct {
	app       *fiber.App
	store     *store.Store
	publisher *capturePublisher
	worker    *worker.TranscodeWorker
	tus       *upload.Server
}

// setupApp builds the same app as the serve command, with Redis replaced by
// a capturing publisher and ffmpeg by a stub.
func setupApp(t *testing.T) *testApp {
	t.Helper()
	base := t.TempDir()
	logger := zerolog.Nop()

	st, err := store.Open(filepath.Join(base, "vellum.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	storage, err := client.NewLocalStorage(&config.LocalStorageConfig{
		Dir:       filepath.Join(base, "public"),
		PublicURL: testCDN,
	})
	require.NoError(t, err)

	publisher := &capturePublisher{}
	hub := ws.NewHub(logger)
	sessions := service.NewSessionService(st, publisher, validator.New(), service.SessionConfig{
		PublicURL:  "http://localhost:8000",
		BasePath:   "/files/",
		MaxSize:    1 << 20,
		SessionTTL: time.Hour,
	}, logger)
	callbacks := service.NewCallbackService(st, service.CallbackConfig{Timeout: 2 * time.Second, Version: "e2e"}, logger)

	transcodeWorker := worker.NewTranscodeWorker(st, stubTranscoder{}, storage, callbacks, hub, worker.TranscodeOptions{
		WorkDir:        filepath.Join(base, "work"),
		StoragePrefix:  "videos",
		StorageTimeout: 10 * time.Second,
	}, logger)

	tusServer, err := upload.NewServer(sessions, upload.Options{
		Dir:      filepath.Join(base, "uploads"),
		BasePath: "/files/",
		MaxSize:  1 << 20,
	}, logger)
	require.NoError(t, err)

	app := server.New(server.Deps{
		Uploads: handler.NewUploadHandler(sessions, logger),
		WS:      handler.NewWSHandler(sessions, hub, logger),
		Health: handler.NewHealthHandler(map[string]handler.Check{
			"database": st.Ping,
		}, fiber.Map{"storage": storage.Name()}),
		Tus:             tusServer,
		Auth:            middleware.NewAuthMiddleware(testAPIKey, testJWTSecret),
		RateLimiter:     middleware.NewRateLimiter(nil, logger),
		SessionsPerHour: 10000,
		MaxChunkSize:    1 << 20,
		MediaDir:        storage.Dir(),
		Logger:          logger,
	})

	return &testApp{
		app:       app,
		store:     st,
		publisher: publisher,
		worker:    transcodeWorker,
		tus:       tusServer,
	}
}

// listen serves the app on a loopback port and runs the tus completion loop.
// It returns the base URL.
func (ta *testApp) listen(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = ta.tus.Run(ctx)
	}()
	go func() { _ = ta.app.Listener(ln) }()

	t.Cleanup(func() {
		cancel()
		<-done
		_ = ta.app.ShutdownWithTimeout(5 * time.Second)
	})
	return "http://" + ln.Addr().String()
}

// runQueuedJobs hands every captured job to the transcode worker
func (ta *testApp) runQueuedJobs(t *testing.T) {
	t.Helper()
	for _, msg := range ta.publisher.published() {
		require.NoError(t, ta.worker.ProcessTask(context.Background(), asynq.NewTask(msg.Topic, msg.Payload)))
	}
}

func generateToken(t *testing.T) string {
	t.Helper()
	token, err := auth.GenerateToken("e2e-client", testJWTSecret, time.Hour)
	require.NoError(t, err)
	return token
}

// doRequest performs an HTTP request against the in-memory app
func doRequest(app *fiber.App, method, path string, body string, headers map[string]string) (*http.Response, error) {
	var bodyReader io.Reader
	if body != "" {
		bodyReader = strings.NewReader(body)
	}

	req, err := http.NewRequest(method, path, bodyReader)
	if err != nil {
		return nil, err
	}

	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	return app.Test(req, -1)
}

// doAuthRequest performs a request carrying the API key
func doAuthRequest(t *testing.T, app *fiber.App, method, path, body string) *http.Response {
	t.Helper()
	resp, err := doRequest(app, method, path, body, map[string]string{
		"Authorization": "Bearer " + testAPIKey,
	})
	require.NoError(t, err)
	return resp
}

func readBody(t *testing.T, resp *http.Response) string {
	t.Helper()
	defer resp.Body.Close()
	b, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return string(b)
}

func parseJSON(t *testing.T, resp *http.Response) map[string]interface{} {
	t.Helper()
	body := readBody(t, resp)
	var result map[string]interface{}
	require.NoError(t, json.Unmarshal([]byte(body), &result), "body: %s", body)
	return result
}

// errorCode extracts error.code from the response envelope
func errorCode(t *testing.T, resp *http.Response) string {
	t.Helper()
	body := parseJSON(t, resp)
	detail, ok := body["error"].(map[string]interface{})
	require.True(t, ok, "expected error envelope, got %v", body)
	code, _ := detail["code"].(string)
	return code
}
