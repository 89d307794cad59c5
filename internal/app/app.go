// Package app wires configuration and infrastructure into the stage services.
package app

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/kursadbilgin/batch-relay/internal/batchapi"
	"github.com/kursadbilgin/batch-relay/internal/config"
	"github.com/kursadbilgin/batch-relay/internal/control"
	"github.com/kursadbilgin/batch-relay/internal/horoscope"
	"github.com/kursadbilgin/batch-relay/internal/infra/postgresql"
	"github.com/kursadbilgin/batch-relay/internal/infra/postgresql/migrations"
	infraredis "github.com/kursadbilgin/batch-relay/internal/infra/redis"
	"github.com/kursadbilgin/batch-relay/internal/objectstore"
	"github.com/kursadbilgin/batch-relay/internal/observability"
	"github.com/kursadbilgin/batch-relay/internal/queue"
	"github.com/kursadbilgin/batch-relay/internal/ratelimit"
	"github.com/kursadbilgin/batch-relay/internal/repository"
	"github.com/kursadbilgin/batch-relay/internal/service"
	goredis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Deps is the infrastructure shared by every stage binary.
type Deps struct {
	Config  *config.Config
	Logger  *zap.Logger
	Metrics *observability.Metrics
	Objects *objectstore.Store
	Control *control.Store
	Repo    *repository.ControlBatchRepo

	redis   *goredis.Client
	closers []func() error
}

// Open connects the configured object store backend and builds the control store on top of it.
// Redis is also opened when REDIS_URL is set so the rate limiter can share it.
func Open(ctx context.Context, cfg *config.Config, logger *zap.Logger, metrics *observability.Metrics) (*Deps, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	d := &Deps{Config: cfg, Logger: logger, Metrics: metrics}

	if strings.TrimSpace(cfg.RedisURL) != "" {
		rdb, err := infraredis.NewRedis(ctx, cfg.RedisURL)
		if err != nil {
			return nil, err
		}
		d.redis = rdb
		d.closers = append(d.closers, rdb.Close)
	}

	backend, err := d.openBackend(ctx)
	if err != nil {
		_ = d.Close()
		return nil, err
	}

	objects, err := objectstore.New(backend, logger)
	if err != nil {
		_ = d.Close()
		return nil, err
	}
	d.Objects = objects

	store, err := control.NewStore(objects, cfg.ControlKey, logger, metrics)
	if err != nil {
		_ = d.Close()
		return nil, err
	}
	d.Control = store
	d.Repo = repository.NewControlBatchRepo(store, logger)

	logger.Info("infrastructure ready",
		zap.String("backend", cfg.StoreBackend),
		zap.String("controlKey", cfg.ControlKey),
	)
	return d, nil
}

func (d *Deps) openBackend(ctx context.Context) (objectstore.Backend, error) {
	cfg := d.Config

	switch cfg.StoreBackend {
	case config.BackendS3:
		return objectstore.NewS3Backend(ctx, cfg.S3BucketName, cfg.AWSRegion, cfg.S3Endpoint)

	case config.BackendRedis:
		if d.redis == nil {
			return nil, fmt.Errorf("REDIS_URL is required for the redis backend")
		}
		return objectstore.NewRedisBackend(d.redis, cfg.RedisKeyPrefix)

	case config.BackendPostgres:
		db, err := postgresql.NewPostgres(ctx, cfg.DatabaseDSN, d.Logger)
		if err != nil {
			return nil, err
		}
		sqlDB, err := db.DB()
		if err != nil {
			return nil, fmt.Errorf("postgres underlying db init failed: %w", err)
		}
		d.closers = append(d.closers, sqlDB.Close)

		if err := migrations.Migrate(db); err != nil {
			return nil, fmt.Errorf("database migrations failed: %w", err)
		}
		return objectstore.NewPostgresBackend(db)

	default:
		return nil, fmt.Errorf("unsupported object store backend %q", cfg.StoreBackend)
	}
}

// Close releases connections in reverse order of acquisition.
func (d *Deps) Close() error {
	if d == nil {
		return nil
	}

	var errs []error
	for i := len(d.closers) - 1; i >= 0; i-- {
		if err := d.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	d.closers = nil
	return errors.Join(errs...)
}

// RateLimiter returns the shared Redis limiter, or a no-op one when Redis is not configured.
func (d *Deps) RateLimiter() (ratelimit.RateLimiter, error) {
	if d.redis == nil {
		return ratelimit.Noop{}, nil
	}
	return infraredis.NewRedisRateLimiter(d.redis, infraredis.RateLimiterConfig{LimitPerSec: d.Config.RateLimitPerSec})
}

// BatchAPI builds the OpenAI batch client. A missing API key is an error.
func (d *Deps) BatchAPI() (*batchapi.OpenAIClient, error) {
	return batchapi.NewOpenAIClient(batchapi.OpenAIConfig{
		APIKey:           d.Config.OpenAIAPIKey,
		BaseURL:          d.Config.OpenAIBaseURL,
		CompletionWindow: d.Config.OpenAICompletionWindow,
		Timeout:          d.Config.OpenAITimeout,
	}, d.Metrics)
}

// Publisher connects to RabbitMQ when RABBITMQ_URL is set. Events are dropped otherwise.
func (d *Deps) Publisher(ctx context.Context) (queue.Publisher, error) {
	if strings.TrimSpace(d.Config.RabbitMQURL) == "" {
		return queue.NoopPublisher{}, nil
	}

	client, err := queue.NewRabbitMQ(ctx, queue.RabbitMQConfig{
		URL:    d.Config.RabbitMQURL,
		Queues: []string{d.Config.EventsQueue},
	}, d.Logger)
	if err != nil {
		return nil, err
	}
	publisher := queue.NewRabbitMQPublisher(client)
	d.closers = append(d.closers, publisher.Close)
	return publisher, nil
}

func (d *Deps) PrepareService() (*service.PrepareService, error) {
	builder, err := horoscope.NewRequestBuilder(d.Config.OpenAIModel, batchapi.ChatCompletionsEndpoint)
	if err != nil {
		return nil, err
	}

	return service.NewPrepareService(d.Repo, d.Objects, builder, service.PrepareConfig{
		RidersKey:            d.Config.RidersFile,
		OutputPrefix:         d.Config.OutputPrefix,
		TargetDateOffsetDays: d.Config.TargetDateOffsetDays,
	}, d.Logger, d.Metrics)
}

func (d *Deps) SubmitService() (*service.SubmitService, error) {
	api, err := d.BatchAPI()
	if err != nil {
		return nil, err
	}
	limiter, err := d.RateLimiter()
	if err != nil {
		return nil, err
	}

	return service.NewSubmitService(d.Repo, d.Objects, api, limiter, "", d.Logger, d.Metrics)
}

func (d *Deps) CollectService(ctx context.Context) (*service.CollectService, error) {
	api, err := d.BatchAPI()
	if err != nil {
		return nil, err
	}
	limiter, err := d.RateLimiter()
	if err != nil {
		return nil, err
	}
	publisher, err := d.Publisher(ctx)
	if err != nil {
		return nil, err
	}

	return service.NewCollectService(d.Repo, d.Objects, api, limiter, publisher, service.CollectConfig{
		ResultPrefix: d.Config.ResultPrefix,
		EventsQueue:  d.Config.EventsQueue,
		Concurrency:  d.Config.CollectConcurrency,
	}, d.Logger, d.Metrics)
}
