package service

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/kursadbilgin/batch-relay/internal/batchapi"
	"github.com/kursadbilgin/batch-relay/internal/domain"
	"github.com/kursadbilgin/batch-relay/internal/horoscope"
	"github.com/kursadbilgin/batch-relay/internal/observability"
	"github.com/kursadbilgin/batch-relay/internal/queue"
	"github.com/kursadbilgin/batch-relay/internal/ratelimit"
	"github.com/kursadbilgin/batch-relay/internal/repository"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const (
	minCollectConcurrency = 1
	maxResultLineBytes    = 4 << 20

	resultOutcomeSuccess     = "success"
	resultOutcomeEmpty       = "empty"
	resultOutcomeInvalid     = "invalid"
	resultOutcomeWriteFailed = "write_failed"
)

type CollectConfig struct {
	ResultPrefix string
	EventsQueue  string
	Concurrency  int
}

// CollectService retrieves finished batch jobs and writes one payload per result line.
type CollectService struct {
	repo        repository.BatchRepository
	objects     ObjectStore
	api         batchapi.Client
	rateLimiter ratelimit.RateLimiter
	publisher   queue.Publisher
	transitions transitioner
	cfg         CollectConfig
	logger      *zap.Logger
	metrics     *observability.Metrics
	now         func() time.Time
}

func NewCollectService(
	repo repository.BatchRepository,
	objects ObjectStore,
	api batchapi.Client,
	rateLimiter ratelimit.RateLimiter,
	publisher queue.Publisher,
	cfg CollectConfig,
	logger *zap.Logger,
	metrics *observability.Metrics,
) (*CollectService, error) {
	if repo == nil || objects == nil || api == nil {
		return nil, fmt.Errorf("collect service requires a repository, object store and batch api client")
	}
	if strings.TrimSpace(cfg.ResultPrefix) == "" {
		return nil, fmt.Errorf("result prefix is required")
	}
	if cfg.Concurrency < minCollectConcurrency {
		cfg.Concurrency = minCollectConcurrency
	}
	if rateLimiter == nil {
		rateLimiter = ratelimit.Noop{}
	}
	if publisher == nil {
		publisher = queue.NoopPublisher{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &CollectService{
		repo:        repo,
		objects:     objects,
		api:         api,
		rateLimiter: rateLimiter,
		publisher:   publisher,
		transitions: transitioner{stage: StageCollect, repo: repo, logger: logger, metrics: metrics},
		cfg:         cfg,
		logger:      logger,
		metrics:     metrics,
		now:         time.Now,
	}, nil
}

// Run processes every submitted batch. It succeeds when there was nothing to
// collect or at least one batch completed.
func (s *CollectService) Run(ctx context.Context) StageResult {
	start := s.now()
	logger := observability.WithContextLogger(s.logger, ctx).With(zap.String("stage", StageCollect))
	result := StageResult{Stage: StageCollect}

	defer func() {
		s.metrics.ObserveStageRun(StageCollect, result.Success, s.now().Sub(start))
		logger.Info("stage finished", result.fields()...)
	}()

	submitted := s.repo.FindByStatus(ctx, domain.BatchStatusSubmitted)
	result.Found = len(submitted)
	if len(submitted) == 0 {
		logger.Info("no pending batches found")
		result.Success = true
		return result
	}
	logger.Info("pending batches found", zap.Int("count", len(submitted)))

	for i, rec := range submitted {
		if ctx.Err() != nil {
			result.Pending += len(submitted) - i
			break
		}

		switch s.collectOne(ctx, logger, rec) {
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

// lineTally counts result lines for one batch output file.
type lineTally struct {
	total   int
	success int
}

func (s *CollectService) collectOne(ctx context.Context, logger *zap.Logger, rec domain.BatchRecord) outcome {
	logger = logger.With(zap.String("batchId", rec.ID))

	jobID, ok := rec.ExtraString(domain.ExtraJobID)
	if !ok {
		return s.finish(ctx, logger, rec, domain.BatchStatusFailed, "", lineTally{}, errors.New("record has no batch job id"))
	}
	logger = logger.With(zap.String("jobId", jobID))

	if err := s.rateLimiter.Wait(ctx, batchAPIResource); err != nil {
		logger.Warn("rate limiter wait aborted, batch left submitted", zap.Error(err))
		return outcomePending
	}
	job, err := s.api.RetrieveBatch(ctx, jobID)
	if err != nil {
		if batchapi.IsTransient(err) {
			logger.Warn("failed to retrieve batch job, will retry on next run", zap.Error(err))
			return outcomePending
		}
		return s.finish(ctx, logger, rec, domain.BatchStatusFailed, "", lineTally{}, fmt.Errorf("failed to retrieve batch job: %w", err))
	}

	switch job.State() {
	case batchapi.JobStatePending:
		logger.Info("batch job not finished yet", zap.String("jobStatus", job.Status))
		return outcomePending

	case batchapi.JobStateFailed:
		return s.finish(ctx, logger, rec, domain.BatchStatusFailed, job.Status, lineTally{}, fmt.Errorf("batch job ended with status %q", job.Status))
	}

	tally, err := s.processOutput(ctx, logger, rec, job)
	if err != nil {
		return s.finish(ctx, logger, rec, domain.BatchStatusFailed, job.Status, tally, err)
	}
	if tally.success == 0 {
		return s.finish(ctx, logger, rec, domain.BatchStatusFailed, job.Status, tally, errors.New("no result line produced a payload"))
	}
	return s.finish(ctx, logger, rec, domain.BatchStatusCompleted, job.Status, tally, nil)
}

func (s *CollectService) processOutput(ctx context.Context, logger *zap.Logger, rec domain.BatchRecord, job batchapi.Job) (lineTally, error) {
	if strings.TrimSpace(job.OutputFileID) == "" {
		return lineTally{}, errors.New("completed batch job has no output file")
	}

	if err := s.rateLimiter.Wait(ctx, batchAPIResource); err != nil {
		return lineTally{}, fmt.Errorf("rate limiter wait aborted: %w", err)
	}
	content, err := s.api.FileContent(ctx, job.OutputFileID)
	if err != nil {
		return lineTally{}, fmt.Errorf("failed to download output file: %w", err)
	}

	var (
		tally   lineTally
		success atomic.Int64
		g       errgroup.Group
	)
	g.SetLimit(s.cfg.Concurrency)

	rest := content
	for len(rest) > 0 {
		var line []byte
		line, rest, _ = bytes.Cut(rest, []byte{'\n'})
		line = bytes.TrimSpace(line)
		if len(line) == 0 {
			continue
		}
		tally.total++

		if len(line) > maxResultLineBytes {
			s.metrics.IncResultItem(resultOutcomeInvalid)
			logger.Error("result line too long, skipped",
				zap.Int("line", tally.total),
				zap.Int("bytes", len(line)),
			)
			continue
		}

		res, err := horoscope.ParseResultLine(line)
		if errors.Is(err, horoscope.ErrEmptyContent) {
			s.metrics.IncResultItem(resultOutcomeEmpty)
			logger.Warn("empty or invalid response", zap.String("name", res.Name))
			continue
		}
		if err != nil {
			s.metrics.IncResultItem(resultOutcomeInvalid)
			logger.Error("failed to parse result line", zap.Int("line", tally.total), zap.Error(err))
			continue
		}

		key := horoscope.ResultKey(s.cfg.ResultPrefix, rec.TargetDate, res.Name)
		g.Go(func() error {
			s.metrics.IncPayloadWritesInFlight()
			defer s.metrics.DecPayloadWritesInFlight()

			if err := s.objects.PutJSON(ctx, key, res); err != nil {
				s.metrics.IncResultItem(resultOutcomeWriteFailed)
				logger.Error("failed to write result payload", zap.String("key", key), zap.Error(err))
				return nil
			}
			s.metrics.IncResultItem(resultOutcomeSuccess)
			success.Add(1)
			return nil
		})
	}
	_ = g.Wait()

	tally.success = int(success.Load())
	logger.Info("result lines processed",
		zap.Int("total", tally.total),
		zap.Int("succeeded", tally.success),
	)

	return tally, nil
}

func (s *CollectService) finish(
	ctx context.Context,
	logger *zap.Logger,
	rec domain.BatchRecord,
	status domain.BatchStatus,
	jobStatus string,
	tally lineTally,
	cause error,
) outcome {
	now := s.now()
	extra := map[string]any{
		domain.ExtraCompletedAt:  timestamp(now),
		domain.ExtraResultCount:  tally.total,
		domain.ExtraSuccessCount: tally.success,
	}
	if jobStatus != "" {
		extra[domain.ExtraJobStatus] = jobStatus
	}
	if cause != nil {
		extra[domain.ExtraError] = cause.Error()
		logger.Error("batch collection failed", zap.Error(cause))
	}

	if !s.transitions.apply(ctx, rec, status, extra) {
		return outcomeFailed
	}

	event := queue.BatchEvent{
		BatchID:      rec.ID,
		Status:       status,
		TargetDate:   rec.TargetDate,
		SuccessCount: tally.success,
		ResultCount:  tally.total,
		OccurredAt:   now.UTC(),
	}
	if runID, ok := observability.RunIDFromContext(ctx); ok {
		event.RunID = runID
	}
	if err := s.publisher.Publish(ctx, s.cfg.EventsQueue, event); err != nil {
		logger.Warn("failed to publish batch event", zap.Error(err))
	}

	logger.Info("batch collected",
		zap.String("status", status.String()),
		zap.Int("results", tally.total),
		zap.Int("succeeded", tally.success),
	)
	if status == domain.BatchStatusCompleted {
		return outcomeSucceeded
	}
	return outcomeFailed
}
