package objectstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// ObjectModel is the persistence model for the objects table.
type ObjectModel struct {
	Key         string `gorm:"type:varchar(1024);primaryKey"`
	ContentType string `gorm:"type:varchar(255);not null"`
	Body        []byte `gorm:"type:bytea;not null"`
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

func (ObjectModel) TableName() string {
	return "objects"
}

var _ Backend = (*PostgresBackend)(nil)

// PostgresBackend stores objects as rows keyed by object key.
type PostgresBackend struct {
	db  *gorm.DB
	now func() time.Time
}

func NewPostgresBackend(db *gorm.DB) (*PostgresBackend, error) {
	if db == nil {
		return nil, fmt.Errorf("gorm db is required")
	}

	return &PostgresBackend{db: db, now: time.Now}, nil
}

func (b *PostgresBackend) Get(ctx context.Context, key string) ([]byte, error) {
	var model ObjectModel
	err := b.db.WithContext(ctx).First(&model, "key = ?", key).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrObjectNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get object %q: %w", key, err)
	}
	return model.Body, nil
}

func (b *PostgresBackend) Put(ctx context.Context, key string, body []byte, contentType string) error {
	// body is NOT NULL.
	if body == nil {
		body = []byte{}
	}

	now := b.now().UTC()
	model := ObjectModel{
		Key:         key,
		ContentType: contentType,
		Body:        body,
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	err := b.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "key"}},
			DoUpdates: clause.AssignmentColumns([]string{"content_type", "body", "updated_at"}),
		}).
		Create(&model).Error
	if err != nil {
		return fmt.Errorf("failed to put object %q: %w", key, err)
	}
	return nil
}
