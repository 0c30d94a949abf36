package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// readSecret reads a Docker secret from a file path specified by an env var
// with _FILE suffix. If FOO is already set directly, the file is skipped.
// If FOO_FILE is set, reads the file content and sets FOO.
func readSecret(envKey string) {
	if os.Getenv(envKey) != "" {
		return
	}
	filePath := os.Getenv(envKey + "_FILE")
	if filePath == "" {
		return
	}
	data, err := os.ReadFile(filePath)
	if err != nil {
		return
	}
	os.Setenv(envKey, strings.TrimSpace(string(data)))
}

type Config struct {
	Server    ServerConfig
	Redis     RedisConfig
	JWT       JWTConfig
	RateLimit RateLimitConfig
	Database  DatabaseConfig
	Upload    UploadConfig
	Worker    WorkerConfig
	Storage   StorageConfig
	Callback  CallbackConfig
}

type ServerConfig struct {
	Port      string
	Env       string
	LogLevel  string
	LogFormat string
	LogFile   string
	PublicURL string
	APIKey    string
}

type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

type JWTConfig struct {
	Secret string
}

type RateLimitConfig struct {
	SessionsPerHour int
}

type DatabaseConfig struct {
	Path string
}

type UploadConfig struct {
	Dir          string
	BasePath     string
	MaxSize      int64
	MaxChunkSize int
	SessionTTL   time.Duration
}

type WorkerConfig struct {
	Queue              string
	WorkDir            string
	FFmpegPath         string
	SegmentSeconds     int
	MaxRedeliveries    int
	StuckAfter         time.Duration
	StuckCheckInterval time.Duration
}

type StorageConfig struct {
	Driver  string
	Prefix  string
	Timeout time.Duration
	S3      S3Config
	GCS     GCSConfig
	Local   LocalStorageConfig
}

type S3Config struct {
	Endpoint        string
	Region          string
	AccessKeyID     string
	SecretAccessKey string
	Bucket          string
	PublicURL       string
	UsePathStyle    bool
}

type GCSConfig struct {
	Bucket    string
	PublicURL string
}

type LocalStorageConfig struct {
	Dir       string
	PublicURL string
}

type CallbackConfig struct {
	Timeout       time.Duration
	SweepInterval time.Duration
}

const (
	StorageDriverS3    = "s3"
	StorageDriverGCS   = "gcs"
	StorageDriverLocal = "local"
)

var envBindings = map[string]string{
	"server.port":                  "SERVER_PORT",
	"server.env":                   "SERVER_ENV",
	"server.log_level":             "LOG_LEVEL",
	"server.log_format":            "LOG_FORMAT",
	"server.log_file":              "LOG_FILE",
	"server.public_url":            "PUBLIC_URL",
	"server.api_key":               "API_KEY",
	"redis.addr":                   "REDIS_ADDR",
	"redis.password":               "REDIS_PASSWORD",
	"redis.db":                     "REDIS_DB",
	"jwt.secret":                   "JWT_SECRET",
	"ratelimit.sessions_per_hour":  "RATELIMIT_SESSIONS_PER_HOUR",
	"database.path":                "DATABASE_PATH",
	"upload.dir":                   "UPLOAD_DIR",
	"upload.base_path":             "UPLOAD_BASE_PATH",
	"upload.max_size":              "UPLOAD_MAX_SIZE",
	"upload.max_chunk_size":        "UPLOAD_MAX_CHUNK_SIZE",
	"upload.session_ttl":           "UPLOAD_SESSION_TTL",
	"worker.queue":                 "WORKER_QUEUE",
	"worker.work_dir":              "WORKER_WORK_DIR",
	"worker.ffmpeg_path":           "FFMPEG_PATH",
	"worker.segment_seconds":       "WORKER_SEGMENT_SECONDS",
	"worker.max_redeliveries":      "WORKER_MAX_REDELIVERIES",
	"worker.stuck_after":           "WORKER_STUCK_AFTER",
	"worker.stuck_check_interval":  "WORKER_STUCK_CHECK_INTERVAL",
	"storage.driver":               "STORAGE_DRIVER",
	"storage.prefix":               "STORAGE_PREFIX",
	"storage.timeout":              "STORAGE_TIMEOUT",
	"storage.s3.endpoint":          "S3_ENDPOINT",
	"storage.s3.region":            "S3_REGION",
	"storage.s3.access_key_id":     "S3_ACCESS_KEY_ID",
	"storage.s3.secret_access_key": "S3_SECRET_ACCESS_KEY",
	"storage.s3.bucket":            "S3_BUCKET",
	"storage.s3.public_url":        "S3_PUBLIC_URL",
	"storage.s3.use_path_style":    "S3_USE_PATH_STYLE",
	"storage.gcs.bucket":           "GCS_BUCKET",
	"storage.gcs.public_url":       "GCS_PUBLIC_URL",
	"storage.local.dir":            "LOCAL_STORAGE_DIR",
	"storage.local.public_url":     "LOCAL_STORAGE_PUBLIC_URL",
	"callback.timeout":             "CALLBACK_TIMEOUT",
	"callback.sweep_interval":      "CALLBACK_SWEEP_INTERVAL",
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", "8000")
	v.SetDefault("server.env", "development")
	v.SetDefault("server.log_level", "info")
	v.SetDefault("server.log_format", "json")
	v.SetDefault("server.log_file", "")
	v.SetDefault("server.public_url", "http://localhost:8000")
	v.SetDefault("server.api_key", "")
	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("jwt.secret", "")
	v.SetDefault("ratelimit.sessions_per_hour", 100)
	v.SetDefault("database.path", "./data/vellum.db")

	// Upload defaults
	v.SetDefault("upload.dir", "./data/uploads")
	v.SetDefault("upload.base_path", "/files/")
	v.SetDefault("upload.max_size", int64(10<<30))
	v.SetDefault("upload.max_chunk_size", 64<<20)
	v.SetDefault("upload.session_ttl", 24*time.Hour)

	// Worker defaults
	v.SetDefault("worker.queue", "transcode")
	v.SetDefault("worker.work_dir", "./data/work")
	v.SetDefault("worker.ffmpeg_path", "ffmpeg")
	v.SetDefault("worker.segment_seconds", 6)
	v.SetDefault("worker.max_redeliveries", 3)
	v.SetDefault("worker.stuck_after", 6*time.Hour)
	v.SetDefault("worker.stuck_check_interval", 5*time.Minute)

	// Storage defaults
	v.SetDefault("storage.driver", StorageDriverLocal)
	v.SetDefault("storage.prefix", "videos")
	v.SetDefault("storage.timeout", 2*time.Minute)
	v.SetDefault("storage.s3.region", "auto")
	v.SetDefault("storage.s3.use_path_style", false)
	v.SetDefault("storage.local.dir", "./data/public")
	v.SetDefault("storage.local.public_url", "http://localhost:8000/media")

	// Callback defaults
	v.SetDefault("callback.timeout", 10*time.Second)
	v.SetDefault("callback.sweep_interval", 60*time.Second)
}

// Load reads configuration from .env, the environment and an optional yaml
// file. An explicit configFile must exist; the default search path is
// optional.
func Load(configFile string) (*Config, error) {
	_ = godotenv.Load()

	// Read Docker Swarm secrets from _FILE env vars before Viper binds
	readSecret("API_KEY")
	readSecret("JWT_SECRET")
	readSecret("REDIS_PASSWORD")
	readSecret("S3_ACCESS_KEY_ID")
	readSecret("S3_SECRET_ACCESS_KEY")

	v := viper.New()
	if configFile != "" {
		v.SetConfigFile(configFile)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
	}

	v.AutomaticEnv()
	for key, env := range envBindings {
		_ = v.BindEnv(key, env)
	}
	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if configFile != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	cfg := &Config{
		Server: ServerConfig{
			Port:      v.GetString("server.port"),
			Env:       v.GetString("server.env"),
			LogLevel:  v.GetString("server.log_level"),
			LogFormat: v.GetString("server.log_format"),
			LogFile:   v.GetString("server.log_file"),
			PublicURL: strings.TrimRight(v.GetString("server.public_url"), "/"),
			APIKey:    v.GetString("server.api_key"),
		},
		Redis: RedisConfig{
			Addr:     v.GetString("redis.addr"),
			Password: v.GetString("redis.password"),
			DB:       v.GetInt("redis.db"),
		},
		JWT: JWTConfig{
			Secret: v.GetString("jwt.secret"),
		},
		RateLimit: RateLimitConfig{
			SessionsPerHour: v.GetInt("ratelimit.sessions_per_hour"),
		},
		Database: DatabaseConfig{
			Path: v.GetString("database.path"),
		},
		Upload: UploadConfig{
			Dir:          v.GetString("upload.dir"),
			BasePath:     normalizeBasePath(v.GetString("upload.base_path")),
			MaxSize:      v.GetInt64("upload.max_size"),
			MaxChunkSize: v.GetInt("upload.max_chunk_size"),
			SessionTTL:   v.GetDuration("upload.session_ttl"),
		},
		Worker: WorkerConfig{
			Queue:              v.GetString("worker.queue"),
			WorkDir:            v.GetString("worker.work_dir"),
			FFmpegPath:         v.GetString("worker.ffmpeg_path"),
			SegmentSeconds:     v.GetInt("worker.segment_seconds"),
			MaxRedeliveries:    v.GetInt("worker.max_redeliveries"),
			StuckAfter:         v.GetDuration("worker.stuck_after"),
			StuckCheckInterval: v.GetDuration("worker.stuck_check_interval"),
		},
		Storage: StorageConfig{
			Driver:  strings.ToLower(v.GetString("storage.driver")),
			Prefix:  strings.Trim(v.GetString("storage.prefix"), "/"),
			Timeout: v.GetDuration("storage.timeout"),
			S3: S3Config{
				Endpoint:        v.GetString("storage.s3.endpoint"),
				Region:          v.GetString("storage.s3.region"),
				AccessKeyID:     v.GetString("storage.s3.access_key_id"),
				SecretAccessKey: v.GetString("storage.s3.secret_access_key"),
				Bucket:          v.GetString("storage.s3.bucket"),
				PublicURL:       strings.TrimRight(v.GetString("storage.s3.public_url"), "/"),
				UsePathStyle:    v.GetBool("storage.s3.use_path_style"),
			},
			GCS: GCSConfig{
				Bucket:    v.GetString("storage.gcs.bucket"),
				PublicURL: strings.TrimRight(v.GetString("storage.gcs.public_url"), "/"),
			},
			Local: LocalStorageConfig{
				Dir:       v.GetString("storage.local.dir"),
				PublicURL: strings.TrimRight(v.GetString("storage.local.public_url"), "/"),
			},
		},
		Callback: CallbackConfig{
			Timeout:       v.GetDuration("callback.timeout"),
			SweepInterval: v.GetDuration("callback.sweep_interval"),
		},
	}

	return cfg, nil
}

// Validate checks the settings needed by the serve command.
func (c *Config) Validate() error {
	var errs []error
	if c.Server.APIKey == "" && c.JWT.Secret == "" {
		errs = append(errs, errors.New("server.api_key or jwt.secret must be set"))
	}
	if c.Database.Path == "" {
		errs = append(errs, errors.New("database.path must be set"))
	}
	if c.Upload.MaxSize <= 0 {
		errs = append(errs, errors.New("upload.max_size must be positive"))
	}
	if c.Upload.MaxChunkSize <= 0 {
		errs = append(errs, errors.New("upload.max_chunk_size must be positive"))
	}
	if c.Upload.SessionTTL <= 0 {
		errs = append(errs, errors.New("upload.session_ttl must be positive"))
	}
	if c.Worker.Queue == "" {
		errs = append(errs, errors.New("worker.queue must be set"))
	}
	if c.Worker.SegmentSeconds <= 0 {
		errs = append(errs, errors.New("worker.segment_seconds must be positive"))
	}
	if c.Callback.Timeout <= 0 {
		errs = append(errs, errors.New("callback.timeout must be positive"))
	}
	if c.Callback.SweepInterval <= 0 {
		errs = append(errs, errors.New("callback.sweep_interval must be positive"))
	}

	switch c.Storage.Driver {
	case StorageDriverLocal:
		if c.Storage.Local.Dir == "" {
			errs = append(errs, errors.New("storage.local.dir must be set"))
		}
	case StorageDriverS3:
		if c.Storage.S3.Bucket == "" {
			errs = append(errs, errors.New("storage.s3.bucket must be set"))
		}
		if c.Storage.S3.PublicURL == "" {
			errs = append(errs, errors.New("storage.s3.public_url must be set"))
		}
	case StorageDriverGCS:
		if c.Storage.GCS.Bucket == "" {
			errs = append(errs, errors.New("storage.gcs.bucket must be set"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown storage.driver %q", c.Storage.Driver))
	}
	return errors.Join(errs...)
}

// IsProduction reports whether the server runs with production settings.
func (c *Config) IsProduction() bool {
	return c.Server.Env == "production"
}

func normalizeBasePath(p string) string {
	if p == "" {
		p = "/files/"
	}
	if !strings.HasPrefix(p, "/") {
		p = "/" + p
	}
	if !strings.HasSuffix(p, "/") {
		p += "/"
	}
	return p
}
