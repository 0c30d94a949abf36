package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"
	"github.com/gofrs/flock"
	"github.com/hibiken/asynq"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/0necontroller/vellum/internal/client"
	"github.com/0necontroller/vellum/internal/config"
	"github.com/0necontroller/vellum/internal/handler"
	"github.com/0necontroller/vellum/internal/middleware"
	"github.com/0necontroller/vellum/internal/model"
	"github.com/0necontroller/vellum/internal/queue"
	"github.com/0necontroller/vellum/internal/server"
	"github.com/0necontroller/vellum/internal/service"
	"github.com/0necontroller/vellum/internal/store"
	"github.com/0necontroller/vellum/internal/upload"
	ws "github.com/0necontroller/vellum/internal/websocket"
	"github.com/0necontroller/vellum/internal/worker"
)

const shutdownTimeout = 30 * time.Second

func newServeCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the API, the tus endpoint and the transcode worker",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			if err := cfg.Validate(); err != nil {
				return err
			}
			logger := ctx.logger("vellum", false)

			sigCtx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runServe(sigCtx, cfg, logger)
		},
	}
}

func runServe(ctx context.Context, cfg *config.Config, logger zerolog.Logger) error {
	lockPath := filepath.Join(filepath.Dir(cfg.Database.Path), "vellum.lock")
	if err := os.MkdirAll(filepath.Dir(lockPath), 0o755); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}
	lock := flock.New(lockPath)
	locked, err := lock.TryLock()
	if err != nil {
		return fmt.Errorf("acquire instance lock: %w", err)
	}
	if !locked {
		return fmt.Errorf("another vellum instance holds %s", lockPath)
	}
	defer func() { _ = lock.Unlock() }()

	st, err := store.Open(cfg.Database.Path)
	if err != nil {
		return fmt.Errorf("open record store: %w", err)
	}
	defer st.Close()

	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	defer redisClient.Close()
	if err := redisClient.Ping(ctx).Err(); err != nil {
		logger.Warn().Err(err).Str("addr", cfg.Redis.Addr).Msg("redis not available")
	}

	storage, err := client.NewStorageClient(ctx, &cfg.Storage)
	if err != nil {
		return fmt.Errorf("init storage: %w", err)
	}
	if closer, ok := storage.(io.Closer); ok {
		defer closer.Close()
	}
	var mediaDir string
	if local, ok := storage.(*client.LocalStorage); ok {
		mediaDir = local.Dir()
	}

	redisOpt := queue.RedisOpt(cfg.Redis)
	publisher := queue.NewPublisher(redisOpt, cfg.Worker)
	defer publisher.Close()

	hub := ws.NewHub(logger)
	sessions := service.NewSessionService(st, publisher, validator.New(), service.SessionConfig{
		PublicURL:  cfg.Server.PublicURL,
		BasePath:   cfg.Upload.BasePath,
		MaxSize:    cfg.Upload.MaxSize,
		SessionTTL: cfg.Upload.SessionTTL,
	}, logger)
	callbacks := service.NewCallbackService(st, service.CallbackConfig{
		Timeout: cfg.Callback.Timeout,
		Version: version,
	}, logger)

	transcoder := client.NewFFmpegClient(cfg.Worker.FFmpegPath, cfg.Worker.SegmentSeconds)
	transcodeWorker := worker.NewTranscodeWorker(st, transcoder, storage, callbacks, hub, worker.TranscodeOptions{
		WorkDir:        cfg.Worker.WorkDir,
		StoragePrefix:  cfg.Storage.Prefix,
		StorageTimeout: cfg.Storage.Timeout,
	}, logger)
	consumer := queue.NewConsumer(redisOpt, cfg.Worker, cfg.Server.LogLevel, logger)
	consumer.Handle(model.TaskTypeTranscode, asynq.HandlerFunc(transcodeWorker.ProcessTask))

	reaper := worker.NewStuckJobReaper(st, callbacks, hub, transcodeWorker, cfg.Worker.StuckAfter, logger)
	scheduler := worker.NewScheduler(callbacks, reaper, worker.SchedulerConfig{
		SweepInterval:      cfg.Callback.SweepInterval,
		StuckCheckInterval: cfg.Worker.StuckCheckInterval,
	}, logger)

	tusServer, err := upload.NewServer(sessions, upload.Options{
		Dir:      cfg.Upload.Dir,
		BasePath: cfg.Upload.BasePath,
		MaxSize:  cfg.Upload.MaxSize,
	}, logger)
	if err != nil {
		return fmt.Errorf("init tus server: %w", err)
	}

	health := handler.NewHealthHandler(map[string]handler.Check{
		"database": st.Ping,
		"redis": func(ctx context.Context) error {
			return redisClient.Ping(ctx).Err()
		},
	}, fiber.Map{
		"storage":  storage.Name(),
		"packager": transcoder.Name(),
		"version":  version,
	})

	app := server.New(server.Deps{
		Uploads:         handler.NewUploadHandler(sessions, logger),
		WS:              handler.NewWSHandler(sessions, hub, logger),
		Health:          health,
		Tus:             tusServer,
		Auth:            middleware.NewAuthMiddleware(cfg.Server.APIKey, cfg.JWT.Secret),
		RateLimiter:     middleware.NewRateLimiter(redisClient, logger),
		SessionsPerHour: cfg.RateLimit.SessionsPerHour,
		MaxChunkSize:    cfg.Upload.MaxChunkSize,
		MediaDir:        mediaDir,
		Debug:           cfg.Server.LogLevel == "debug",
		Logger:          logger,
	})

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		hub.Run(gctx)
		return nil
	})
	g.Go(func() error {
		return tusServer.Run(gctx)
	})
	g.Go(func() error {
		if err := consumer.Start(); err != nil {
			return err
		}
		<-gctx.Done()
		consumer.Shutdown()
		return nil
	})
	g.Go(func() error {
		if err := scheduler.Start(gctx); err != nil {
			return err
		}
		<-gctx.Done()
		scheduler.Stop()
		return nil
	})
	g.Go(func() error {
		addr := ":" + cfg.Server.Port
		logger.Info().
			Str("addr", addr).
			Str("storage", storage.Name()).
			Str("version", version).
			Msg("vellum listening")
		return app.Listen(addr)
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info().Msg("shutting down")
		return app.ShutdownWithTimeout(shutdownTimeout)
	})

	err = g.Wait()
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	logger.Info().Msg("stopped")
	return nil
}
