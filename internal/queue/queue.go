// Package queue carries transcode jobs from the upload completion hook to the
// worker over asynq (Redis). Delivery is at-least-once: a task is removed only
// when its handler returns nil, and tasks held by a crashed process are
// recovered and redelivered.
package queue

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/hibiken/asynq"
	"github.com/rs/zerolog"

	"github.com/0necontroller/vellum/internal/config"
	"github.com/0necontroller/vellum/internal/logging"
)

// ErrDuplicate reports that a task with the same key is already queued.
var ErrDuplicate = errors.New("task already enqueued")

// Message is one unit of work addressed to a topic.
type Message struct {
	Topic   string
	Key     string
	Payload []byte
}

// RedisOpt converts redis settings into asynq connection options.
func RedisOpt(cfg config.RedisConfig) asynq.RedisClientOpt {
	return asynq.RedisClientOpt{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	}
}

// Publisher enqueues messages durably in Redis.
type Publisher struct {
	client    *asynq.Client
	queue     string
	maxRetry  int
	retention time.Duration
}

// NewPublisher creates a publisher for the given queue.
func NewPublisher(redis asynq.RedisClientOpt, cfg config.WorkerConfig) *Publisher {
	return &Publisher{
		client:    asynq.NewClient(redis),
		queue:     cfg.Queue,
		maxRetry:  cfg.MaxRedeliveries,
		retention: 24 * time.Hour,
	}
}

// Publish enqueues msg. A non-empty Key becomes the asynq task id, so a second
// publish with the same key fails with ErrDuplicate while the first is retained.
func (p *Publisher) Publish(ctx context.Context, msg Message) error {
	opts := []asynq.Option{
		asynq.Queue(p.queue),
		asynq.MaxRetry(p.maxRetry),
		asynq.Retention(p.retention),
	}
	if msg.Key != "" {
		opts = append(opts, asynq.TaskID(msg.Key))
	}

	_, err := p.client.EnqueueContext(ctx, asynq.NewTask(msg.Topic, msg.Payload), opts...)
	if errors.Is(err, asynq.ErrTaskIDConflict) || errors.Is(err, asynq.ErrDuplicateTask) {
		return ErrDuplicate
	}
	if err != nil {
		return fmt.Errorf("enqueue %s: %w", msg.Topic, err)
	}
	return nil
}

// Close releases the Redis connection.
func (p *Publisher) Close() error {
	return p.client.Close()
}

// Consumer runs handlers for one queue with a single in-flight task.
type Consumer struct {
	srv *asynq.Server
	mux *asynq.ServeMux
	log zerolog.Logger
}

// NewConsumer creates a consumer with concurrency fixed at 1.
func NewConsumer(redis asynq.RedisClientOpt, cfg config.WorkerConfig, logLevel string, logger zerolog.Logger) *Consumer {
	log := logging.Component(logger, "queue")
	srv := asynq.NewServer(redis, consumerConfig(cfg, logLevel, log))
	return &Consumer{srv: srv, mux: asynq.NewServeMux(), log: log}
}

func consumerConfig(cfg config.WorkerConfig, logLevel string, log zerolog.Logger) asynq.Config {
	return asynq.Config{
		Concurrency: 1,
		Queues: map[string]int{
			cfg.Queue: 1,
		},
		Logger:          logging.NewAsynqLogger(log),
		LogLevel:        asynqLogLevel(logLevel),
		ShutdownTimeout: 30 * time.Second,
		ErrorHandler: asynq.ErrorHandlerFunc(func(ctx context.Context, task *asynq.Task, err error) {
			retried, _ := asynq.GetRetryCount(ctx)
			maxRetry, _ := asynq.GetMaxRetry(ctx)
			log.Warn().Err(err).
				Str("type", task.Type()).
				Int("retried", retried).
				Int("maxRetry", maxRetry).
				Msg("task returned error, will be redelivered")
		}),
	}
}

// Handle registers h for topic. It must be called before Start.
func (c *Consumer) Handle(topic string, h asynq.Handler) {
	c.mux.Handle(topic, h)
}

// Start begins pulling tasks in background goroutines.
func (c *Consumer) Start() error {
	if err := c.srv.Start(c.mux); err != nil {
		return fmt.Errorf("start queue consumer: %w", err)
	}
	c.log.Info().Msg("queue consumer started")
	return nil
}

// Shutdown stops pulling new tasks and waits for the active one. A task still
// running at the shutdown timeout is handed back to the queue.
func (c *Consumer) Shutdown() {
	c.srv.Shutdown()
	c.log.Info().Msg("queue consumer stopped")
}

func asynqLogLevel(level string) asynq.LogLevel {
	switch strings.ToLower(level) {
	case "debug":
		return asynq.DebugLevel
	case "warn":
		return asynq.WarnLevel
	case "error":
		return asynq.ErrorLevel
	default:
		return asynq.InfoLevel
	}
}
