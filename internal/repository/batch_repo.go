package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/kursadbilgin/batch-relay/internal/control"
	"github.com/kursadbilgin/batch-relay/internal/domain"
	"go.uber.org/zap"
)

// maxIDAttempts bounds regeneration when a fresh id already exists in the collection.
const maxIDAttempts = 8

// BatchRef identifies a record by id, falling back to its alternate key.
type BatchRef struct {
	ID           string
	AlternateKey string
}

func (r BatchRef) fields() []zap.Field {
	return []zap.Field{
		zap.String("batchId", r.ID),
		zap.String("alternateKey", r.AlternateKey),
	}
}

// BatchRepository never returns storage errors. Failures are logged and
// reported as false or an empty result.
type BatchRepository interface {
	FindByStatus(ctx context.Context, status domain.BatchStatus) []domain.BatchRecord
	Create(ctx context.Context, alternateKey string, targetDate string, extra map[string]any) (string, bool)
	UpdateStatus(ctx context.Context, ref BatchRef, status domain.BatchStatus, extra map[string]any) bool
	Get(ctx context.Context, id string) (domain.BatchRecord, bool)
}

// ControlStore loads and saves the whole record collection.
type ControlStore interface {
	Load(ctx context.Context) (control.Collection, error)
	Save(ctx context.Context, coll control.Collection) error
}

type ControlBatchRepo struct {
	store  ControlStore
	logger *zap.Logger
	now    func() time.Time
	newID  func() string
}

func NewControlBatchRepo(store ControlStore, logger *zap.Logger) *ControlBatchRepo {
	if logger == nil {
		logger = zap.NewNop()
	}

	return &ControlBatchRepo{
		store:  store,
		logger: logger,
		now:    time.Now,
		newID:  uuid.NewString,
	}
}

func (r *ControlBatchRepo) FindByStatus(ctx context.Context, status domain.BatchStatus) []domain.BatchRecord {
	coll, err := r.store.Load(ctx)
	if err != nil {
		r.logger.Error("failed to load batches by status",
			zap.String("status", status.String()),
			zap.Error(err),
		)
		return []domain.BatchRecord{}
	}

	matches := make([]domain.BatchRecord, 0, len(coll.Batches))
	for _, rec := range coll.Batches {
		if rec.Status == status {
			matches = append(matches, rec.Clone())
		}
	}
	return matches
}

func (r *ControlBatchRepo) Create(ctx context.Context, alternateKey string, targetDate string, extra map[string]any) (string, bool) {
	coll, err := r.store.Load(ctx)
	if err != nil {
		r.logger.Error("failed to load control document for create",
			zap.String("alternateKey", alternateKey),
			zap.Error(err),
		)
		return "", false
	}

	id, err := r.uniqueID(coll)
	if err != nil {
		r.logger.Error("failed to allocate batch id", zap.Error(err))
		return "", false
	}

	now := r.now().UTC()
	rec := domain.BatchRecord{
		ID:           id,
		AlternateKey: alternateKey,
		Status:       domain.BatchStatusPrepared,
		TargetDate:   targetDate,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	rec.MergeExtra(extra)
	coll.Batches = append(coll.Batches, rec)

	if err := r.store.Save(ctx, coll); err != nil {
		r.logger.Error("failed to save created batch",
			zap.String("batchId", id),
			zap.Error(err),
		)
		return "", false
	}

	r.logger.Info("batch record created",
		zap.String("batchId", id),
		zap.String("alternateKey", alternateKey),
		zap.String("targetDate", targetDate),
	)
	return id, true
}

// UpdateStatus does not check transition legality; callers own the state machine.
func (r *ControlBatchRepo) UpdateStatus(ctx context.Context, ref BatchRef, status domain.BatchStatus, extra map[string]any) bool {
	if !status.IsValid() {
		r.logger.Error("refusing to write invalid batch status",
			append(ref.fields(), zap.String("status", status.String()))...,
		)
		return false
	}
	if ref.ID == "" && ref.AlternateKey == "" {
		r.logger.Error("batch reference requires an id or alternate key")
		return false
	}

	coll, err := r.store.Load(ctx)
	if err != nil {
		r.logger.Error("failed to load control document for update",
			append(ref.fields(), zap.Error(err))...,
		)
		return false
	}

	idx := locate(coll.Batches, ref)
	if idx < 0 {
		r.logger.Warn("batch record not found", ref.fields()...)
		return false
	}

	rec := &coll.Batches[idx]
	previous := rec.Status
	rec.Status = status
	rec.MergeExtra(extra)
	rec.UpdatedAt = r.now().UTC()

	if err := r.store.Save(ctx, coll); err != nil {
		r.logger.Error("failed to save batch status",
			append(ref.fields(), zap.String("status", status.String()), zap.Error(err))...,
		)
		return false
	}

	r.logger.Info("batch status updated",
		zap.String("batchId", rec.ID),
		zap.String("from", previous.String()),
		zap.String("to", status.String()),
	)
	return true
}

func (r *ControlBatchRepo) Get(ctx context.Context, id string) (domain.BatchRecord, bool) {
	if id == "" {
		return domain.BatchRecord{}, false
	}

	coll, err := r.store.Load(ctx)
	if err != nil {
		r.logger.Error("failed to load control document for get",
			zap.String("batchId", id),
			zap.Error(err),
		)
		return domain.BatchRecord{}, false
	}

	for _, rec := range coll.Batches {
		if rec.ID == id {
			return rec.Clone(), true
		}
	}
	return domain.BatchRecord{}, false
}

func (r *ControlBatchRepo) uniqueID(coll control.Collection) (string, error) {
	existing := make(map[string]struct{}, len(coll.Batches))
	for _, rec := range coll.Batches {
		if rec.ID != "" {
			existing[rec.ID] = struct{}{}
		}
	}

	for attempt := 0; attempt < maxIDAttempts; attempt++ {
		id := r.newID()
		if id == "" {
			continue
		}
		if _, taken := existing[id]; !taken {
			return id, nil
		}
		r.logger.Warn("generated batch id already in use, regenerating", zap.String("batchId", id))
	}
	return "", fmt.Errorf("no unique id after %d attempts", maxIDAttempts)
}

// locate returns the first record with ref.ID, else the first with ref.AlternateKey, else -1.
func locate(records []domain.BatchRecord, ref BatchRef) int {
	if ref.ID != "" {
		for i := range records {
			if records[i].ID == ref.ID {
				return i
			}
		}
	}
	if ref.AlternateKey != "" {
		for i := range records {
			if records[i].AlternateKey == ref.AlternateKey {
				return i
			}
		}
	}
	return -1
}
