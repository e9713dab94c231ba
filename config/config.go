package config

import (
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
)

// Common holds the keys every binary reads.
type Common struct {
	Env         string `env:"ENV"          envDefault:"local" validate:"required,oneof=local staging production"`
	LogLevel    string `env:"LOG_LEVEL"    envDefault:"info"  validate:"oneof=debug info warn error"`
	MetricsPort string `env:"METRICS_PORT" envDefault:"9090"`
}

func (c Common) SlogLevel() slog.Level {
	switch strings.ToLower(c.LogLevel) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

type MasterConfig struct {
	Common

	Port        string `env:"PORT"             envDefault:"8080" validate:"required"`
	DatabaseURL string `env:"DATABASE_URL,required" validate:"required"`
	RedisURL    string `env:"REDIS_URL,required"    validate:"required"`
	JWTSecret   string `env:"JWT_SECRET,required"   validate:"required,min=32"`

	LeaderKey string        `env:"LEADER_KEY" envDefault:"harvester:master"`
	LeaderTTL time.Duration `env:"LEADER_TTL" envDefault:"15s" validate:"min=1s"`

	TaskBatchSize                        int      `env:"TASK_BATCH_SIZE"                          envDefault:"20" validate:"min=1"`
	DefaultMaxConcurrentConnections      int      `env:"DEFAULT_MAX_CONCURRENT_CONNECTIONS"       envDefault:"4"  validate:"min=1"`
	IPExceptions                         []string `env:"IP_EXCEPTIONS"                            envSeparator:","`
	IPExceptionsMaxConcurrentConnections int      `env:"IP_EXCEPTIONS_MAX_CONCURRENT_CONNECTIONS" envDefault:"1"  validate:"min=1"`
	IgnoredIPs                           []string `env:"IGNORED_IPS"                              envSeparator:","`
	MinTasksPerIPPercentage              float64  `env:"MIN_TASKS_PER_IP_PERCENTAGE"              envDefault:"20" validate:"gte=0,lte=100"`

	JobsPerIP            int           `env:"JOBS_PER_IP"            envDefault:"100"        validate:"min=1"`
	MaxTasksInMemory     int           `env:"MAX_TASKS_IN_MEMORY"    envDefault:"100000"     validate:"min=1"`
	ResponseTimeout      time.Duration `env:"RESPONSE_TIMEOUT"       envDefault:"10m"        validate:"min=1s"`
	TimeoutCheckInterval time.Duration `env:"TIMEOUT_CHECK_INTERVAL" envDefault:"1m"         validate:"min=1s"`
	LoaderSchedule       string        `env:"LOADER_SCHEDULE"        envDefault:"@every 10s" validate:"required"`
	AskTimeout           time.Duration `env:"ASK_TIMEOUT"            envDefault:"5s"         validate:"min=1ms"`
	WriteConcern         string        `env:"WRITE_CONCERN"          envDefault:"acknowledged" validate:"oneof=acknowledged unacknowledged"`

	DefaultConnectionTimeout time.Duration `env:"DEFAULT_CONNECTION_TIMEOUT"   envDefault:"10s"  validate:"min=1ms"`
	DefaultMaxRedirects      int           `env:"DEFAULT_MAX_REDIRECTS"        envDefault:"10"   validate:"gte=0"`
	DefaultTimeLimit         time.Duration `env:"DEFAULT_TIME_LIMIT"           envDefault:"100s" validate:"min=1ms"`
	DefaultMinBytesPerSecond int64         `env:"DEFAULT_MIN_BYTES_PER_SECOND" envDefault:"1000" validate:"gte=0"`

	ElasticsearchURL   string        `env:"ELASTICSEARCH_URL"    validate:"omitempty,url"`
	SearchIndex        string        `env:"SEARCH_INDEX"         envDefault:"records"`
	IndexFlushInterval time.Duration `env:"INDEX_FLUSH_INTERVAL" envDefault:"5s" validate:"min=1ms"`

	ResendAPIKey string `env:"RESEND_API_KEY" validate:"required_with=NotifyEmail,required_if=Env production,required_if=Env staging"`
	ResendFrom   string `env:"RESEND_FROM"    validate:"required_with=NotifyEmail,required_if=Env production,required_if=Env staging"`
	NotifyEmail  string `env:"NOTIFY_EMAIL"   validate:"omitempty,email"`
}

type WorkerConfig struct {
	Common

	MasterURL string `env:"MASTER_URL,required" validate:"required,url"`
	JWTSecret string `env:"JWT_SECRET,required" validate:"required,min=32"`
	WorkerID  string `env:"WORKER_ID"`

	WorkerCount                int           `env:"WORKER_COUNT"                  envDefault:"5"    validate:"min=1,max=1000"`
	PollInterval               time.Duration `env:"POLL_INTERVAL"                 envDefault:"1s"   validate:"min=1ms"`
	MinDistanceBetweenRequests time.Duration `env:"MIN_DISTANCE_BETWEEN_REQUESTS" envDefault:"1s"`
	RateWindow                 time.Duration `env:"RATE_WINDOW"                   envDefault:"5s"   validate:"min=1ms"`
	RequestTimeout             time.Duration `env:"REQUEST_TIMEOUT"               envDefault:"30s"  validate:"min=1ms"`
	ReportAttempts             int           `env:"REPORT_ATTEMPTS"               envDefault:"5"    validate:"min=1"`
}

type CtlConfig struct {
	Common

	MasterURL   string `env:"MASTER_URL"   envDefault:"http://localhost:8080" validate:"required,url"`
	JWTSecret   string `env:"JWT_SECRET,required" validate:"required,min=32"`
	DatabaseURL string `env:"DATABASE_URL"`
}

// LoadMaster reads the master's configuration from the environment.
func LoadMaster() (*MasterConfig, error) { return load(&MasterConfig{}) }

func LoadWorker() (*WorkerConfig, error) { return load(&WorkerConfig{}) }

func LoadCtl() (*CtlConfig, error) { return load(&CtlConfig{}) }

func load[T any](cfg *T) (*T, error) {
	// a missing .env is normal outside local development
	_ = godotenv.Load()

	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}

	if err := validator.New().Struct(cfg); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return cfg, nil
}
