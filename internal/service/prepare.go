package service

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/kursadbilgin/batch-relay/internal/domain"
	"github.com/kursadbilgin/batch-relay/internal/horoscope"
	"github.com/kursadbilgin/batch-relay/internal/observability"
	"github.com/kursadbilgin/batch-relay/internal/repository"
	"go.uber.org/zap"
)

const (
	targetDateLayout = "2006-01-02"
	inputSuffixLen   = 8
)

type PrepareConfig struct {
	RidersKey            string
	OutputPrefix         string
	TargetDateOffsetDays int
	TempDir              string
}

// PrepareService turns the riders list into a batch input file and a prepared record.
type PrepareService struct {
	repo      repository.BatchRepository
	objects   ObjectStore
	builder   *horoscope.RequestBuilder
	cfg       PrepareConfig
	logger    *zap.Logger
	metrics   *observability.Metrics
	now       func() time.Time
	newSuffix func() string
}

func NewPrepareService(
	repo repository.BatchRepository,
	objects ObjectStore,
	builder *horoscope.RequestBuilder,
	cfg PrepareConfig,
	logger *zap.Logger,
	metrics *observability.Metrics,
) (*PrepareService, error) {
	if repo == nil || objects == nil || builder == nil {
		return nil, fmt.Errorf("prepare service requires a repository, object store and request builder")
	}
	if strings.TrimSpace(cfg.RidersKey) == "" {
		return nil, fmt.Errorf("riders key is required")
	}
	if strings.TrimSpace(cfg.OutputPrefix) == "" {
		return nil, fmt.Errorf("output prefix is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &PrepareService{
		repo:      repo,
		objects:   objects,
		builder:   builder,
		cfg:       cfg,
		logger:    logger,
		metrics:   metrics,
		now:       time.Now,
		newSuffix: uuid.NewString,
	}, nil
}

// Run creates exactly one prepared batch on success.
func (s *PrepareService) Run(ctx context.Context) StageResult {
	start := s.now()
	logger := observability.WithContextLogger(s.logger, ctx).With(zap.String("stage", StagePrepare))
	result := StageResult{Stage: StagePrepare}

	batchID, err := s.prepare(ctx, logger)
	if err != nil {
		logger.Error("batch preparation failed", zap.Error(err))
		result.Failed = 1
	} else {
		logger.Info("batch preparation completed", zap.String("batchId", batchID))
		result.Succeeded = 1
		result.Success = true
	}

	s.metrics.ObserveStageRun(StagePrepare, result.Success, s.now().Sub(start))
	logger.Info("stage finished", result.fields()...)
	return result
}

func (s *PrepareService) prepare(ctx context.Context, logger *zap.Logger) (string, error) {
	var riders []horoscope.Rider
	if err := s.objects.GetJSON(ctx, s.cfg.RidersKey, &riders); err != nil {
		return "", fmt.Errorf("failed to load riders list: %w", err)
	}
	if len(riders) == 0 {
		return "", fmt.Errorf("riders list %q is empty", s.cfg.RidersKey)
	}
	logger.Info("riders loaded", zap.Int("count", len(riders)))

	targetDate := s.now().UTC().AddDate(0, 0, s.cfg.TargetDateOffsetDays).Format(targetDateLayout)
	inputKey := s.inputKey(targetDate)
	logger.Info("preparing batch input",
		zap.String("targetDate", targetDate),
		zap.String("inputKey", inputKey),
	)

	requests := make([]horoscope.BatchRequest, 0, len(riders))
	for _, rider := range riders {
		req, sign, err := s.builder.Build(rider, targetDate)
		if err != nil {
			logger.Warn("could not determine zodiac sign",
				zap.String("rider", rider.Name),
				zap.String("sign", sign),
				zap.Error(err),
			)
		}
		requests = append(requests, req)
	}

	localPath, err := s.writeInputFile(requests)
	if err != nil {
		return "", err
	}
	defer os.Remove(localPath)

	if err := s.objects.UploadFile(ctx, localPath, inputKey); err != nil {
		return "", fmt.Errorf("failed to upload batch input: %w", err)
	}

	batchID, ok := s.repo.Create(ctx, inputKey, targetDate, map[string]any{
		domain.ExtraRiderCount: len(requests),
	})
	if !ok {
		return "", fmt.Errorf("failed to create batch record for %q", inputKey)
	}

	s.metrics.IncBatchTransition(StagePrepare, domain.BatchStatusPrepared.String())
	return batchID, nil
}

func (s *PrepareService) inputKey(targetDate string) string {
	suffix := strings.ReplaceAll(s.newSuffix(), "-", "")
	if len(suffix) > inputSuffixLen {
		suffix = suffix[:inputSuffixLen]
	}
	return fmt.Sprintf("%s/%s-%s.jsonl", strings.TrimRight(s.cfg.OutputPrefix, "/"), targetDate, suffix)
}

func (s *PrepareService) writeInputFile(requests []horoscope.BatchRequest) (string, error) {
	f, err := os.CreateTemp(s.cfg.TempDir, "batch-input-*.jsonl")
	if err != nil {
		return "", fmt.Errorf("failed to create batch input file: %w", err)
	}

	if err := horoscope.WriteJSONL(f, requests); err != nil {
		_ = f.Close()
		_ = os.Remove(f.Name())
		return "", err
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(f.Name())
		return "", fmt.Errorf("failed to close batch input file: %w", err)
	}
	return f.Name(), nil
}
