package database

import (
	"errors"
	"time"

	"github.com/MarcoPoloResearchLab/clubhouse/backend/internal/availability"
	"github.com/MarcoPoloResearchLab/clubhouse/backend/internal/resources"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	migrationSeedDefaultResources        = "2024-06-01_seed_default_resources"
	migrationRemoveOrphanedClosureBlocks = "2024-09-15_remove_orphaned_closure_blocks"
)

type migrationRecord struct {
	Name             string `gorm:"column:name;primaryKey;size:190;not null"`
	AppliedAtSeconds int64  `gorm:"column:applied_at_s;not null"`
}

func (migrationRecord) TableName() string {
	return "db_migrations"
}

type migrationDefinition struct {
	name  string
	apply func(*gorm.DB) error
}

func applyMigrations(db *gorm.DB, logger *zap.Logger) error {
	migrations := []migrationDefinition{
		{name: migrationSeedDefaultResources, apply: seedDefaultResources},
		{name: migrationRemoveOrphanedClosureBlocks, apply: removeOrphanedClosureBlocks},
	}

	for _, migration := range migrations {
		var record migrationRecord
		err := db.Where("name = ?", migration.name).Take(&record).Error
		if err == nil {
			continue
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}
		if err := migration.apply(db); err != nil {
			return err
		}
		appliedAt := time.Now().UTC().Unix()
		if err := db.Create(&migrationRecord{Name: migration.name, AppliedAtSeconds: appliedAt}).Error; err != nil {
			return err
		}
		if logger != nil {
			logger.Info("database migration applied", zap.String("migration", migration.name))
		}
	}
	return nil
}

// DefaultResources is the facility inventory: six simulator bays, the
// conference room and the wellness studio.
func DefaultResources() []resources.Resource {
	return []resources.Resource{
		{ID: 1, Name: "Bay 1", Type: resources.TypeSimulator, IsActive: true},
		{ID: 2, Name: "Bay 2", Type: resources.TypeSimulator, IsActive: true},
		{ID: 3, Name: "Bay 3", Type: resources.TypeSimulator, IsActive: true},
		{ID: 4, Name: "Bay 4", Type: resources.TypeSimulator, IsActive: true},
		{ID: 5, Name: "Bay 5", Type: resources.TypeSimulator, IsActive: true},
		{ID: 6, Name: "Bay 6", Type: resources.TypeSimulator, IsActive: true},
		{ID: 7, Name: "Conference Room", Type: resources.TypeConferenceRoom, IsActive: true, CalendarName: "MBO_Conference_Room"},
		{ID: 8, Name: "Wellness Studio", Type: resources.TypeWellnessStudio, IsActive: true},
	}
}

func seedDefaultResources(db *gorm.DB) error {
	seed := DefaultResources()
	return db.Clauses(clause.OnConflict{DoNothing: true}).Create(&seed).Error
}

func removeOrphanedClosureBlocks(db *gorm.DB) error {
	return db.
		Where("source_closure_id IS NOT NULL AND source_closure_id NOT IN (?)",
			db.Table("facility_closures").Select("id").Where("is_active = ?", true)).
		Delete(&availability.Block{}).Error
}
