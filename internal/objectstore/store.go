// Package objectstore stores byte blobs and files by key on a pluggable backend.
package objectstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/kursadbilgin/batch-relay/internal/domain"
	"go.uber.org/zap"
)

const ContentTypeJSON = "application/json"

// ErrObjectNotFound is returned by GetObject when the key does not exist.
var ErrObjectNotFound = fmt.Errorf("object %w", domain.ErrNotFound)

// Backend is the raw key/value blob port implemented by S3, Redis and Postgres.
type Backend interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Put(ctx context.Context, key string, body []byte, contentType string) error
}

// Store adds file and JSON helpers on top of a Backend.
type Store struct {
	backend Backend
	logger  *zap.Logger
}

func New(backend Backend, logger *zap.Logger) (*Store, error) {
	if backend == nil {
		return nil, fmt.Errorf("object store backend is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Store{backend: backend, logger: logger}, nil
}

func (s *Store) GetObject(ctx context.Context, key string) ([]byte, error) {
	if err := validateKey(key); err != nil {
		return nil, err
	}

	body, err := s.backend.Get(ctx, key)
	if err != nil {
		if errors.Is(err, ErrObjectNotFound) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to get object %q: %w", key, err)
	}
	return body, nil
}

func (s *Store) PutObject(ctx context.Context, key string, body []byte, contentType string) error {
	if err := validateKey(key); err != nil {
		return err
	}
	if strings.TrimSpace(contentType) == "" {
		contentType = "application/octet-stream"
	}

	if err := s.backend.Put(ctx, key, body, contentType); err != nil {
		return fmt.Errorf("failed to put object %q: %w", key, err)
	}

	s.logger.Debug("object stored",
		zap.String("key", key),
		zap.Int("bytes", len(body)),
	)
	return nil
}

func (s *Store) UploadFile(ctx context.Context, localPath string, key string) error {
	body, err := os.ReadFile(localPath)
	if err != nil {
		return fmt.Errorf("failed to read %q for upload: %w", localPath, err)
	}

	if err := s.PutObject(ctx, key, body, contentTypeFor(localPath)); err != nil {
		return err
	}

	s.logger.Info("file uploaded",
		zap.String("key", key),
		zap.String("path", localPath),
	)
	return nil
}

func (s *Store) DownloadFile(ctx context.Context, key string, localPath string) error {
	body, err := s.GetObject(ctx, key)
	if err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(localPath), 0o755); err != nil {
		return fmt.Errorf("failed to create directory for %q: %w", localPath, err)
	}
	if err := os.WriteFile(localPath, body, 0o644); err != nil {
		return fmt.Errorf("failed to write %q: %w", localPath, err)
	}

	s.logger.Info("file downloaded",
		zap.String("key", key),
		zap.String("path", localPath),
	)
	return nil
}

// GetJSON decodes the object at key into v.
func (s *Store) GetJSON(ctx context.Context, key string, v any) error {
	body, err := s.GetObject(ctx, key)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(body, v); err != nil {
		return fmt.Errorf("failed to decode JSON object %q: %w", key, err)
	}
	return nil
}

// PutJSON stores v as indented JSON.
func (s *Store) PutJSON(ctx context.Context, key string, v any) error {
	body, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode JSON object %q: %w", key, err)
	}
	return s.PutObject(ctx, key, body, ContentTypeJSON)
}

func validateKey(key string) error {
	if strings.TrimSpace(key) == "" {
		return fmt.Errorf("object key is required")
	}
	return nil
}

func contentTypeFor(path string) string {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json":
		return ContentTypeJSON
	case ".jsonl":
		return "application/jsonl"
	default:
		return "application/octet-stream"
	}
}
