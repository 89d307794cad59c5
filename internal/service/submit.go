package service

import (
	"context"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"time"

	"github.com/kursadbilgin/batch-relay/internal/batchapi"
	"github.com/kursadbilgin/batch-relay/internal/domain"
	"github.com/kursadbilgin/batch-relay/internal/observability"
	"github.com/kursadbilgin/batch-relay/internal/ratelimit"
	"github.com/kursadbilgin/batch-relay/internal/repository"
	"go.uber.org/zap"
)

// SubmitService uploads prepared inputs to the batch API and starts a job for each.
type SubmitService struct {
	repo        repository.BatchRepository
	objects     ObjectStore
	api         batchapi.Client
	rateLimiter ratelimit.RateLimiter
	transitions transitioner
	tempDir     string
	logger      *zap.Logger
	metrics     *observability.Metrics
	now         func() time.Time
}

func NewSubmitService(
	repo repository.BatchRepository,
	objects ObjectStore,
	api batchapi.Client,
	rateLimiter ratelimit.RateLimiter,
	tempDir string,
	logger *zap.Logger,
	metrics *observability.Metrics,
) (*SubmitService, error) {
	if repo == nil || objects == nil || api == nil {
		return nil, fmt.Errorf("submit service requires a repository, object store and batch api client")
	}
	if rateLimiter == nil {
		rateLimiter = ratelimit.Noop{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &SubmitService{
		repo:        repo,
		objects:     objects,
		api:         api,
		rateLimiter: rateLimiter,
		transitions: transitioner{stage: StageSubmit, repo: repo, logger: logger, metrics: metrics},
		tempDir:     tempDir,
		logger:      logger,
		metrics:     metrics,
		now:         time.Now,
	}, nil
}

// Run submits every prepared batch. It succeeds when at least one was submitted.
func (s *SubmitService) Run(ctx context.Context) StageResult {
	start := s.now()
	logger := observability.WithContextLogger(s.logger, ctx).With(zap.String("stage", StageSubmit))
	result := StageResult{Stage: StageSubmit}

	defer func() {
		s.metrics.ObserveStageRun(StageSubmit, result.Success, s.now().Sub(start))
		logger.Info("stage finished", result.fields()...)
	}()

	prepared := s.repo.FindByStatus(ctx, domain.BatchStatusPrepared)
	result.Found = len(prepared)
	if len(prepared) == 0 {
		logger.Info("no prepared batches found")
		return result
	}
	logger.Info("prepared batches found", zap.Int("count", len(prepared)))

	workDir, err := os.MkdirTemp(s.tempDir, "batch-submit-*")
	if err != nil {
		logger.Error("failed to create work directory", zap.Error(err))
		result.Pending = len(prepared)
		return result
	}
	defer os.RemoveAll(workDir)

	for i, rec := range prepared {
		if ctx.Err() != nil {
			result.Pending += len(prepared) - i
			break
		}

		switch s.submitOne(ctx, logger, workDir, rec) {
		case outcomeSucceeded:
			result.Succeeded++
		case outcomeFailed:
			result.Failed++
		default:
			result.Pending++
		}
	}

	result.Success = result.Succeeded > 0
	return result
}

type outcome int

const (
	outcomePending outcome = iota
	outcomeSucceeded
	outcomeFailed
)

func (s *SubmitService) submitOne(ctx context.Context, logger *zap.Logger, workDir string, rec domain.BatchRecord) outcome {
	logger = logger.With(
		zap.String("batchId", rec.ID),
		zap.String("inputKey", rec.AlternateKey),
	)
	logger.Info("submitting batch")

	localPath := filepath.Join(workDir, fmt.Sprintf("%s-%s", rec.ID, path.Base(rec.AlternateKey)))
	if err := s.objects.DownloadFile(ctx, rec.AlternateKey, localPath); err != nil {
		return s.fail(ctx, logger, rec, "", fmt.Errorf("failed to download input: %w", err))
	}

	if err := s.rateLimiter.Wait(ctx, batchAPIResource); err != nil {
		logger.Warn("rate limiter wait aborted, batch left prepared", zap.Error(err))
		return outcomePending
	}
	fileID, err := s.uploadInput(ctx, localPath, path.Base(rec.AlternateKey))
	if err != nil {
		return s.fail(ctx, logger, rec, "", err)
	}
	logger.Info("input uploaded to batch api", zap.String("fileId", fileID))

	if err := s.rateLimiter.Wait(ctx, batchAPIResource); err != nil {
		// The uploaded file is orphaned; the next run uploads the input again.
		logger.Warn("rate limiter wait aborted after upload, batch left prepared",
			zap.String("fileId", fileID),
			zap.Error(err),
		)
		return outcomePending
	}
	job, err := s.api.CreateBatch(ctx, fileID)
	if err != nil {
		return s.fail(ctx, logger, rec, fileID, fmt.Errorf("failed to create batch job: %w", err))
	}

	ok := s.transitions.apply(ctx, rec, domain.BatchStatusSubmitted, map[string]any{
		domain.ExtraFileID:    fileID,
		domain.ExtraJobID:     job.ID,
		domain.ExtraJobStatus: job.Status,
	})
	if !ok {
		logger.Error("batch job created but record not marked submitted",
			zap.String("jobId", job.ID),
		)
		return outcomeFailed
	}

	logger.Info("batch submitted", zap.String("jobId", job.ID), zap.String("jobStatus", job.Status))
	return outcomeSucceeded
}

func (s *SubmitService) uploadInput(ctx context.Context, localPath string, filename string) (string, error) {
	f, err := os.Open(localPath)
	if err != nil {
		return "", fmt.Errorf("failed to open input %q: %w", localPath, err)
	}
	defer f.Close()

	fileID, err := s.api.UploadFile(ctx, filename, f)
	if err != nil {
		return "", fmt.Errorf("failed to upload input to batch api: %w", err)
	}
	return fileID, nil
}

func (s *SubmitService) fail(ctx context.Context, logger *zap.Logger, rec domain.BatchRecord, fileID string, cause error) outcome {
	logger.Error("batch submission failed",
		zap.Bool("transient", batchapi.IsTransient(cause)),
		zap.Error(cause),
	)

	extra := map[string]any{domain.ExtraError: cause.Error()}
	if fileID != "" {
		extra[domain.ExtraFileID] = fileID
	}
	s.transitions.apply(ctx, rec, domain.BatchStatusFailed, extra)
	return outcomeFailed
}
