package migrations

import (
	"github.com/go-gormigrate/gormigrate/v2"
	"github.com/kursadbilgin/batch-relay/internal/objectstore"
	"gorm.io/gorm"
)

func Migrate(db *gorm.DB) error {
	m := gormigrate.New(db, gormigrate.DefaultOptions, []*gormigrate.Migration{
		createObjectsTable(),
		addObjectsUpdatedAtIndex(),
	})

	return m.Migrate()
}

func createObjectsTable() *gormigrate.Migration {
	return &gormigrate.Migration{
		ID: "000001_create_objects",
		Migrate: func(tx *gorm.DB) error {
			return tx.AutoMigrate(&objectstore.ObjectModel{})
		},
		Rollback: func(tx *gorm.DB) error {
			return tx.Migrator().DropTable(&objectstore.ObjectModel{})
		},
	}
}

func addObjectsUpdatedAtIndex() *gormigrate.Migration {
	return &gormigrate.Migration{
		ID: "000002_add_objects_updated_at_index",
		Migrate: func(tx *gorm.DB) error {
			return tx.Exec(`CREATE INDEX IF NOT EXISTS idx_objects_updated_at ON objects (updated_at)`).Error
		},
		Rollback: func(tx *gorm.DB) error {
			return tx.Exec(`DROP INDEX IF EXISTS idx_objects_updated_at`).Error
		},
	}
}
