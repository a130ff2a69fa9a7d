// Package config loads mediaq settings from built-in defaults, an optional
// YAML file and MEDIAQ_* environment overrides, in that order.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"mediaq/internal/pkg/errors"
)

type Config struct {
	Queue           QueueConfig   `yaml:"queue"`
	Retry           RetryConfig   `yaml:"retry"`
	Storage         StorageConfig `yaml:"storage"`
	Tools           ToolsConfig   `yaml:"tools"`
	HTTP            HTTPConfig    `yaml:"http"`
	Log             LogConfig     `yaml:"log"`
	Journal         JournalConfig `yaml:"journal"`
	Notify          NotifyConfig  `yaml:"notify"`
	Metrics         MetricsConfig `yaml:"metrics"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

type QueueConfig struct {
	// Capacity bounds outstanding (queued + running) jobs.
	Capacity   int           `yaml:"capacity"`
	Workers    int           `yaml:"workers"`
	JobTimeout time.Duration `yaml:"job_timeout"`
	// StopGrace bounds how long an interrupted job may take to stop.
	StopGrace  time.Duration `yaml:"stop_grace"`
}

type RetryConfig struct {
	Attempts        int           `yaml:"attempts"`
	InitialInterval time.Duration `yaml:"initial_interval"`
	MaxInterval     time.Duration `yaml:"max_interval"`
}

type StorageConfig struct {
	Backend  string         `yaml:"backend"`
	Local    LocalConfig    `yaml:"local"`
	ObjStore ObjStoreConfig `yaml:"objstore"`
	GDrive   GDriveConfig   `yaml:"gdrive"`
}

type LocalConfig struct {
	Root string `yaml:"root"`
}

type ObjStoreConfig struct {
	Endpoint     string `yaml:"endpoint"`
	Region       string `yaml:"region"`
	Bucket       string `yaml:"bucket"`
	AccessKey    string `yaml:"access_key"`
	SecretKey    string `yaml:"secret_key"`
	UseSSL       bool   `yaml:"use_ssl"`
	CreateBucket bool   `yaml:"create_bucket"`
}

type GDriveConfig struct {
	ClientID     string `yaml:"client_id"`
	ClientSecret string `yaml:"client_secret"`
	RefreshToken string `yaml:"refresh_token"`
	FolderID     string `yaml:"folder_id"`
}

type ToolsConfig struct {
	FFmpeg          string `yaml:"ffmpeg"`
	FFprobe         string `yaml:"ffprobe"`
	Whisper         string `yaml:"whisper"`
	WhisperModelDir string `yaml:"whisper_model_dir"`
	Chrome          string `yaml:"chrome"`
	// RendererURL switches rendering to a remote renderer service.
	RendererURL string `yaml:"renderer_url"`
	WorkDir     string `yaml:"work_dir"`
}

type HTTPConfig struct {
	Addr         string   `yaml:"addr"`
	APIKey       string   `yaml:"api_key"`
	RateLimit    float64  `yaml:"rate_limit"`
	RateBurst    int      `yaml:"rate_burst"`
	CORSOrigins  []string `yaml:"cors_origins"`
	MaxBodyBytes int64    `yaml:"max_body_bytes"`
	// MaxUploadBytes bounds multipart artifact uploads.
	MaxUploadBytes int64         `yaml:"max_upload_bytes"`
	ReadTimeout    time.Duration `yaml:"read_timeout"`
	WriteTimeout   time.Duration `yaml:"write_timeout"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Source bool   `yaml:"source"`
}

type JournalConfig struct {
	// Driver is one of none, redis, postgres, sqlite.
	Driver       string `yaml:"driver"`
	Buffer       int    `yaml:"buffer"`
	RedisAddr    string `yaml:"redis_addr"`
	RedisChannel string `yaml:"redis_channel"`
	PostgresDSN  string `yaml:"postgres_dsn"`
	SQLitePath   string `yaml:"sqlite_path"`
}

type NotifyConfig struct {
	AMQPURL         string        `yaml:"amqp_url"`
	Exchange        string        `yaml:"exchange"`
	WebhookTimeout  time.Duration `yaml:"webhook_timeout"`
	WebhookAttempts int           `yaml:"webhook_attempts"`
}

type MetricsConfig struct {
	Enabled bool `yaml:"enabled"`
}

// Default returns a configuration that runs a single-node engine on the
// local filesystem.
func Default() Config {
	return Config{
		Queue: QueueConfig{
			Capacity:   64,
			Workers:    4,
			JobTimeout: 10 * time.Minute,
			StopGrace:  10 * time.Second,
		},
		Retry: RetryConfig{
			Attempts:        3,
			InitialInterval: 500 * time.Millisecond,
			MaxInterval:     5 * time.Second,
		},
		Storage: StorageConfig{
			Backend: "localfs",
			Local:   LocalConfig{Root: "./data"},
		},
		Tools: ToolsConfig{
			FFmpeg:          "ffmpeg",
			FFprobe:         "ffprobe",
			Whisper:         "whisper-cli",
			WhisperModelDir: "./models",
		},
		HTTP: HTTPConfig{
			Addr:           ":8080",
			RateLimit:      20,
			RateBurst:      40,
			MaxBodyBytes:   1 << 20,
			MaxUploadBytes: 512 << 20,
			ReadTimeout:    30 * time.Second,
			WriteTimeout:   60 * time.Second,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
		Journal: JournalConfig{
			Driver:       "none",
			Buffer:       256,
			RedisChannel: "mediaq:jobs",
			SQLitePath:   "./data/mediaq.db",
		},
		Notify: NotifyConfig{
			Exchange:        "mediaq.events",
			WebhookTimeout:  10 * time.Second,
			WebhookAttempts: 3,
		},
		Metrics:         MetricsConfig{Enabled: true},
		ShutdownTimeout: 30 * time.Second,
	}
}

// Load builds a Config. path may be empty, in which case only defaults
// and the environment apply.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return Config{}, errors.Wrap(err, "config.load", "read config file")
		}
		if err := yaml.Unmarshal(b, &cfg); err != nil {
			return Config{}, errors.WrapWithCode(err, errors.CodeValidation, "config.load", "parse config file")
		}
	}

	if err := cfg.applyEnv(); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() error {
	envString("STORAGE_BACKEND", &c.Storage.Backend)
	envString("STORAGE_ROOT", &c.Storage.Local.Root)
	envString("S3_ENDPOINT", &c.Storage.ObjStore.Endpoint)
	envString("S3_REGION", &c.Storage.ObjStore.Region)
	envString("S3_BUCKET", &c.Storage.ObjStore.Bucket)
	envString("S3_ACCESS_KEY", &c.Storage.ObjStore.AccessKey)
	envString("S3_SECRET_KEY", &c.Storage.ObjStore.SecretKey)
	envString("GDRIVE_CLIENT_ID", &c.Storage.GDrive.ClientID)
	envString("GDRIVE_CLIENT_SECRET", &c.Storage.GDrive.ClientSecret)
	envString("GDRIVE_REFRESH_TOKEN", &c.Storage.GDrive.RefreshToken)
	envString("GDRIVE_FOLDER_ID", &c.Storage.GDrive.FolderID)
	envString("FFMPEG_PATH", &c.Tools.FFmpeg)
	envString("FFPROBE_PATH", &c.Tools.FFprobe)
	envString("WHISPER_PATH", &c.Tools.Whisper)
	envString("WHISPER_MODEL_DIR", &c.Tools.WhisperModelDir)
	envString("CHROME_PATH", &c.Tools.Chrome)
	envString("RENDERER_URL", &c.Tools.RendererURL)
	envString("WORK_DIR", &c.Tools.WorkDir)
	envString("HTTP_ADDR", &c.HTTP.Addr)
	envString("API_KEY", &c.HTTP.APIKey)
	envList("CORS_ORIGINS", &c.HTTP.CORSOrigins)
	envString("LOG_LEVEL", &c.Log.Level)
	envString("LOG_FORMAT", &c.Log.Format)
	envString("JOURNAL_DRIVER", &c.Journal.Driver)
	envString("REDIS_ADDR", &c.Journal.RedisAddr)
	envString("POSTGRES_DSN", &c.Journal.PostgresDSN)
	envString("SQLITE_PATH", &c.Journal.SQLitePath)
	envString("AMQP_URL", &c.Notify.AMQPURL)
	envString("AMQP_EXCHANGE", &c.Notify.Exchange)

	for _, err := range []error{
		envInt("QUEUE_CAPACITY", &c.Queue.Capacity),
		envInt("WORKERS", &c.Queue.Workers),
		envDuration("JOB_TIMEOUT", &c.Queue.JobTimeout),
		envDuration("STOP_GRACE", &c.Queue.StopGrace),
		envInt("RETRY_ATTEMPTS", &c.Retry.Attempts),
		envBool("S3_USE_SSL", &c.Storage.ObjStore.UseSSL),
		envBool("S3_CREATE_BUCKET", &c.Storage.ObjStore.CreateBucket),
		envFloat("RATE_LIMIT", &c.HTTP.RateLimit),
		envInt("RATE_BURST", &c.HTTP.RateBurst),
		envBool("LOG_SOURCE", &c.Log.Source),
		envBool("METRICS_ENABLED", &c.Metrics.Enabled),
		envDuration("SHUTDOWN_TIMEOUT", &c.ShutdownTimeout),
	} {
		if err != nil {
			return err
		}
	}
	return nil
}

// Validate reports the first setting that cannot run an engine.
func (c Config) Validate() error {
	switch {
	case c.Queue.Capacity <= 0:
		return errors.ValidationField("queue.capacity", "must be positive")
	case c.Queue.Workers <= 0:
		return errors.ValidationField("queue.workers", "must be positive")
	case c.Queue.JobTimeout <= 0:
		return errors.ValidationField("queue.job_timeout", "must be positive")
	case c.Queue.StopGrace < 0:
		return errors.ValidationField("queue.stop_grace", "must not be negative")
	case c.Retry.Attempts < 1:
		return errors.ValidationField("retry.attempts", "must be at least 1")
	case c.ShutdownTimeout <= 0:
		return errors.ValidationField("shutdown_timeout", "must be positive")
	}

	switch strings.ToLower(c.Storage.Backend) {
	case "localfs":
		if c.Storage.Local.Root == "" {
			return errors.ValidationField("storage.local.root", "required for localfs")
		}
	case "objstore":
		if c.Storage.ObjStore.Endpoint == "" || c.Storage.ObjStore.Bucket == "" {
			return errors.ValidationField("storage.objstore", "endpoint and bucket are required")
		}
	case "gdrive":
		g := c.Storage.GDrive
		if g.ClientID == "" || g.ClientSecret == "" || g.RefreshToken == "" {
			return errors.ValidationField("storage.gdrive", "client_id, client_secret and refresh_token are required")
		}
	default:
		return errors.ValidationField("storage.backend", fmt.Sprintf("unknown backend %q", c.Storage.Backend))
	}

	switch strings.ToLower(c.Journal.Driver) {
	case "", "none":
	case "redis":
		if c.Journal.RedisAddr == "" {
			return errors.ValidationField("journal.redis_addr", "required for redis journal")
		}
	case "postgres":
		if c.Journal.PostgresDSN == "" {
			return errors.ValidationField("journal.postgres_dsn", "required for postgres journal")
		}
	case "sqlite":
		if c.Journal.SQLitePath == "" {
			return errors.ValidationField("journal.sqlite_path", "required for sqlite journal")
		}
	default:
		return errors.ValidationField("journal.driver", fmt.Sprintf("unknown driver %q", c.Journal.Driver))
	}

	if c.HTTP.RateLimit < 0 {
		return errors.ValidationField("http.rate_limit", "must not be negative")
	}
	return nil
}

// Redacted returns a copy safe to log or print.
func (c Config) Redacted() Config {
	mask := func(s *string) {
		if *s != "" {
			*s = "***"
		}
	}
	out := c
	out.HTTP.CORSOrigins = append([]string(nil), c.HTTP.CORSOrigins...)
	mask(&out.HTTP.APIKey)
	mask(&out.Storage.ObjStore.SecretKey)
	mask(&out.Storage.GDrive.ClientSecret)
	mask(&out.Storage.GDrive.RefreshToken)
	mask(&out.Journal.PostgresDSN)
	mask(&out.Notify.AMQPURL)
	return out
}

// YAML renders the configuration, used by the validate command.
func (c Config) YAML() ([]byte, error) {
	return yaml.Marshal(c)
}
