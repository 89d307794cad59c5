package app

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/kursadbilgin/batch-relay/internal/config"
	"github.com/kursadbilgin/batch-relay/internal/observability"
	"github.com/kursadbilgin/batch-relay/internal/service"
	"go.uber.org/zap"
)

const metricsPushTimeout = 10 * time.Second

// Runner is one pipeline stage.
type Runner interface {
	Run(ctx context.Context) service.StageResult
}

// BuildFunc builds a stage from opened infrastructure.
type BuildFunc func(ctx context.Context, d *Deps) (Runner, error)

// Main loads configuration, runs a single stage invocation and returns the process exit code.
func Main(stage string, build BuildFunc) int {
	cfg, err := config.Load()
	if err != nil {
		log.Printf("failed to load config: %v", err)
		return 1
	}

	logger, err := observability.NewLogger(cfg.LogLevel, cfg.Env)
	if err != nil {
		log.Printf("failed to initialize logger: %v", err)
		return 1
	}
	defer logger.Sync() //nolint:errcheck

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	runID := uuid.NewString()
	ctx = observability.WithRunID(ctx, runID)

	metrics := observability.NewMetrics()
	defer pushMetrics(logger, metrics, cfg.PushgatewayURL, stage)

	deps, err := Open(ctx, cfg, logger, metrics)
	if err != nil {
		logger.Error("infrastructure initialization failed", zap.String("runId", runID), zap.Error(err))
		return 1
	}
	defer func() {
		if err := deps.Close(); err != nil {
			logger.Warn("failed to release infrastructure", zap.Error(err))
		}
	}()

	runner, err := build(ctx, deps)
	if err != nil {
		logger.Error("stage initialization failed",
			zap.String("stage", stage),
			zap.String("runId", runID),
			zap.Error(err),
		)
		return 1
	}

	return ExitCode(runner.Run(ctx))
}

// ExitCode maps a stage result onto the process exit status.
func ExitCode(result service.StageResult) int {
	if result.Success {
		return 0
	}
	return 1
}

func pushMetrics(logger *zap.Logger, metrics *observability.Metrics, gatewayURL string, stage string) {
	ctx, cancel := context.WithTimeout(context.Background(), metricsPushTimeout)
	defer cancel()

	if err := metrics.Push(ctx, gatewayURL, stage); err != nil {
		logger.Warn("failed to push metrics", zap.String("stage", stage), zap.Error(err))
	}
}
