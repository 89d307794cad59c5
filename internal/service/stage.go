package service

import (
	"context"
	"time"

	"github.com/kursadbilgin/batch-relay/internal/domain"
	"github.com/kursadbilgin/batch-relay/internal/observability"
	"github.com/kursadbilgin/batch-relay/internal/repository"
	"go.uber.org/zap"
)

const (
	StagePrepare = "prepare"
	StageSubmit  = "submit"
	StageCollect = "collect"

	// batchAPIResource is the rate limiter bucket shared by every batch API call.
	batchAPIResource = "batch-api"
)

// ObjectStore is the slice of objectstore.Store the stages use.
type ObjectStore interface {
	GetJSON(ctx context.Context, key string, v any) error
	PutJSON(ctx context.Context, key string, v any) error
	UploadFile(ctx context.Context, localPath string, key string) error
	DownloadFile(ctx context.Context, key string, localPath string) error
}

// StageResult summarizes one stage invocation. Success drives the exit status.
type StageResult struct {
	Stage     string
	Found     int
	Succeeded int
	Failed    int
	Pending   int
	Success   bool
}

func (r StageResult) fields() []zap.Field {
	return []zap.Field{
		zap.String("stage", r.Stage),
		zap.Int("found", r.Found),
		zap.Int("succeeded", r.Succeeded),
		zap.Int("failed", r.Failed),
		zap.Int("pending", r.Pending),
		zap.Bool("success", r.Success),
	}
}

// transitioner writes status changes for one stage. It only attempts edges the
// state machine allows; the repository itself accepts anything.
type transitioner struct {
	stage   string
	repo    repository.BatchRepository
	logger  *zap.Logger
	metrics *observability.Metrics
}

func (t transitioner) apply(ctx context.Context, rec domain.BatchRecord, next domain.BatchStatus, extra map[string]any) bool {
	if !rec.Status.CanTransitionTo(next) {
		t.logger.Error("illegal batch transition not attempted",
			zap.String("batchId", rec.ID),
			zap.String("from", rec.Status.String()),
			zap.String("to", next.String()),
		)
		return false
	}

	ref := repository.BatchRef{ID: rec.ID, AlternateKey: rec.AlternateKey}
	if !t.repo.UpdateStatus(ctx, ref, next, extra) {
		t.logger.Error("failed to update batch status",
			zap.String("batchId", rec.ID),
			zap.String("alternateKey", rec.AlternateKey),
			zap.String("to", next.String()),
		)
		return false
	}

	t.metrics.IncBatchTransition(t.stage, next.String())
	return true
}

func timestamp(now time.Time) string {
	return now.UTC().Format(time.RFC3339Nano)
}
