package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/Netflix/go-env"
	"github.com/joho/godotenv"
)

const (
	BackendS3       = "s3"
	BackendRedis    = "redis"
	BackendPostgres = "postgres"
)

type Config struct {
	Env      string `env:"ENV,default=development"`
	LogLevel string `env:"LOG_LEVEL,default=info"`

	StoreBackend   string `env:"OBJECT_STORE_BACKEND,default=s3"`
	S3BucketName   string `env:"S3_BUCKET_NAME,default=default_bucket"`
	AWSRegion      string `env:"AWS_REGION,default=eu-central-1"`
	S3Endpoint     string `env:"S3_ENDPOINT"`
	RedisURL       string `env:"REDIS_URL"`
	RedisKeyPrefix string `env:"REDIS_KEY_PREFIX,default=objects:"`
	DatabaseDSN    string `env:"DATABASE_DSN"`

	ControlKey           string `env:"CONTROL_KEY,default=batch_control.json"`
	RidersFile           string `env:"RIDERS_FILE,default=riders.json"`
	OutputPrefix         string `env:"OUTPUT_PREFIX,default=openai/input"`
	ResultPrefix         string `env:"RESULT_PREFIX,default=horoscope"`
	TargetDateOffsetDays int    `env:"TARGET_DATE_OFFSET_DAYS,default=1"`

	OpenAIAPIKey           string        `env:"OPENAI_API_KEY"`
	OpenAIBaseURL          string        `env:"OPENAI_BASE_URL,default=https://api.openai.com/v1"`
	OpenAIModel            string        `env:"OPENAI_MODEL,default=gpt-4.1-nano"`
	OpenAICompletionWindow string        `env:"OPENAI_COMPLETION_WINDOW,default=24h"`
	OpenAITimeout          time.Duration `env:"OPENAI_TIMEOUT,default=60s"`

	RateLimitPerSec    int `env:"RATE_LIMIT_PER_SEC,default=5"`
	CollectConcurrency int `env:"COLLECT_CONCURRENCY,default=8"`

	RabbitMQURL    string `env:"RABBITMQ_URL"`
	EventsQueue    string `env:"EVENTS_QUEUE,default=batch.events"`
	PushgatewayURL string `env:"PUSHGATEWAY_URL"`
}

// Load reads an optional .env file, then the process environment.
func Load() (*Config, error) {
	_ = godotenv.Load()

	var cfg Config
	_, err := env.UnmarshalFromEnviron(&cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	cfg.StoreBackend = strings.ToLower(strings.TrimSpace(cfg.StoreBackend))
	if cfg.StoreBackend == "" {
		cfg.StoreBackend = BackendS3
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) Validate() error {
	switch c.StoreBackend {
	case BackendS3:
		if strings.TrimSpace(c.S3BucketName) == "" {
			return fmt.Errorf("S3_BUCKET_NAME is required for the s3 backend")
		}
	case BackendRedis:
		if strings.TrimSpace(c.RedisURL) == "" {
			return fmt.Errorf("REDIS_URL is required for the redis backend")
		}
	case BackendPostgres:
		if strings.TrimSpace(c.DatabaseDSN) == "" {
			return fmt.Errorf("DATABASE_DSN is required for the postgres backend")
		}
	default:
		return fmt.Errorf("unsupported OBJECT_STORE_BACKEND %q", c.StoreBackend)
	}

	if strings.TrimSpace(c.ControlKey) == "" {
		return fmt.Errorf("CONTROL_KEY must not be empty")
	}
	if c.CollectConcurrency < 1 {
		c.CollectConcurrency = 1
	}
	return nil
}
