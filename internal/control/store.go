// Package control persists the batch record collection as a single JSON document.
package control

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/kursadbilgin/batch-relay/internal/domain"
	"github.com/kursadbilgin/batch-relay/internal/objectstore"
	"github.com/kursadbilgin/batch-relay/internal/observability"
	"go.uber.org/zap"
)

// Discard reasons reported when a stored document cannot be decoded.
const (
	ReasonEmpty           = "empty"
	ReasonInvalidJSON     = "invalid_json"
	ReasonUnexpectedShape = "unexpected_shape"
	ReasonInvalidRecord   = "invalid_record"
)

// ObjectStore is the subset of objectstore.Store used by the control store.
type ObjectStore interface {
	GetObject(ctx context.Context, key string) ([]byte, error)
	PutObject(ctx context.Context, key string, body []byte, contentType string) error
}

// Collection is the full set of batch records held in the control document.
type Collection struct {
	Batches []domain.BatchRecord `json:"batches"`
}

// Store loads and saves the whole Collection under one key.
// There is no locking; concurrent writers follow last-write-wins.
type Store struct {
	objects ObjectStore
	key     string
	logger  *zap.Logger
	metrics *observability.Metrics
	now     func() time.Time
}

func NewStore(objects ObjectStore, key string, logger *zap.Logger, metrics *observability.Metrics) (*Store, error) {
	if objects == nil {
		return nil, fmt.Errorf("object store is required")
	}
	if strings.TrimSpace(key) == "" {
		return nil, fmt.Errorf("control key is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Store{
		objects: objects,
		key:     key,
		logger:  logger,
		metrics: metrics,
		now:     time.Now,
	}, nil
}

func (s *Store) Key() string {
	return s.key
}

// Load returns the stored collection. A missing document yields an empty
// collection. A malformed one is quarantined and also yields an empty
// collection. Only storage failures are returned as errors.
func (s *Store) Load(ctx context.Context) (Collection, error) {
	body, err := s.objects.GetObject(ctx, s.key)
	if errors.Is(err, objectstore.ErrObjectNotFound) {
		s.logger.Info("control document not found, starting new one", zap.String("key", s.key))
		return Collection{}, nil
	}
	if err != nil {
		return Collection{}, fmt.Errorf("failed to load control document: %w", err)
	}

	coll, legacy, reason, err := decode(body)
	if err != nil {
		s.discard(ctx, body, reason, err)
		return Collection{}, nil
	}

	if legacy {
		s.metrics.IncControlDocumentLegacyLoad()
		s.logger.Info("control document in legacy array shape, upgrading on next save",
			zap.String("key", s.key),
			zap.Int("records", len(coll.Batches)),
		)
	}

	return coll, nil
}

// Save writes the collection in the canonical {"batches": [...]} shape.
func (s *Store) Save(ctx context.Context, coll Collection) error {
	if coll.Batches == nil {
		coll.Batches = []domain.BatchRecord{}
	}

	body, err := json.MarshalIndent(coll, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode control document: %w", err)
	}

	if err := s.objects.PutObject(ctx, s.key, body, objectstore.ContentTypeJSON); err != nil {
		return fmt.Errorf("failed to save control document: %w", err)
	}

	s.logger.Debug("control document saved",
		zap.String("key", s.key),
		zap.Int("records", len(coll.Batches)),
	)
	return nil
}

func (s *Store) discard(ctx context.Context, body []byte, reason string, cause error) {
	s.metrics.IncControlDocumentDiscarded(reason)

	fields := []zap.Field{
		zap.String("key", s.key),
		zap.String("reason", reason),
		zap.Int("bytes", len(body)),
		zap.Error(cause),
	}

	if reason != ReasonEmpty {
		quarantineKey := fmt.Sprintf("%s.corrupt-%d", s.key, s.now().Unix())
		if err := s.objects.PutObject(ctx, quarantineKey, body, "application/octet-stream"); err != nil {
			s.logger.Error("failed to quarantine malformed control document",
				zap.String("key", s.key),
				zap.String("quarantine_key", quarantineKey),
				zap.Error(err),
			)
		} else {
			fields = append(fields, zap.String("quarantine_key", quarantineKey))
		}
	}

	s.logger.Warn("malformed control document discarded, using empty collection", fields...)
}

// decode accepts the canonical object shape and the legacy bare array.
func decode(body []byte) (coll Collection, legacy bool, reason string, err error) {
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) == 0 {
		return Collection{}, false, ReasonEmpty, fmt.Errorf("control document is empty")
	}

	switch trimmed[0] {
	case '{':
		var doc map[string]json.RawMessage
		if err := json.Unmarshal(trimmed, &doc); err != nil {
			return Collection{}, false, ReasonInvalidJSON, err
		}
		raw, ok := doc["batches"]
		if !ok {
			return Collection{}, false, ReasonUnexpectedShape, fmt.Errorf("control document has no batches field")
		}
		records, reason, err := decodeRecords(raw)
		if err != nil {
			return Collection{}, false, reason, err
		}
		return Collection{Batches: records}, false, "", nil

	case '[':
		records, reason, err := decodeRecords(trimmed)
		if err != nil {
			return Collection{}, false, reason, err
		}
		return Collection{Batches: records}, true, "", nil
	}

	if !json.Valid(trimmed) {
		return Collection{}, false, ReasonInvalidJSON, fmt.Errorf("control document is not valid JSON")
	}
	return Collection{}, false, ReasonUnexpectedShape, fmt.Errorf("control document is neither an object nor an array")
}

func decodeRecords(raw json.RawMessage) ([]domain.BatchRecord, string, error) {
	var items []json.RawMessage
	if err := json.Unmarshal(raw, &items); err != nil {
		var syntaxErr *json.SyntaxError
		if errors.As(err, &syntaxErr) {
			return nil, ReasonInvalidJSON, err
		}
		return nil, ReasonUnexpectedShape, fmt.Errorf("batches must be an array: %w", err)
	}

	records := make([]domain.BatchRecord, 0, len(items))
	for i, item := range items {
		var rec domain.BatchRecord
		if err := json.Unmarshal(item, &rec); err != nil {
			return nil, ReasonInvalidRecord, fmt.Errorf("record %d: %w", i, err)
		}
		records = append(records, rec)
	}
	return records, "", nil
}
