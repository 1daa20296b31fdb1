package database

import (
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/clubhouse/backend/internal/availability"
	"github.com/MarcoPoloResearchLab/clubhouse/backend/internal/businesstime"
	"github.com/MarcoPoloResearchLab/clubhouse/backend/internal/records"
	"github.com/MarcoPoloResearchLab/clubhouse/backend/internal/resources"
	sqlite "github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
	"gorm.io/gorm"
)

func TestApplyMigrationsRemovesOrphanedClosureBlocks(testContext *testing.T) {
	tempDir := testContext.TempDir()
	databasePath := filepath.Join(tempDir, "migration.db")

	database, err := gorm.Open(sqlite.Open(databasePath), &gorm.Config{})
	if err != nil {
		testContext.Fatalf("failed to open sqlite: %v", err)
	}

	if err := database.AutoMigrate(Models()...); err != nil {
		testContext.Fatalf("failed to migrate schema: %v", err)
	}

	now := time.Date(2024, 9, 1, 12, 0, 0, 0, time.UTC)
	date := businesstime.NewDate(2024, time.September, 20)
	closures := []records.Closure{
		{ID: "active", Title: "Tournament", StartDate: date, EndDate: date, AffectedAreas: "all_bays", IsActive: true, CreatedAt: now, UpdatedAt: now},
		{ID: "inactive", Title: "Cancelled", StartDate: date, EndDate: date, AffectedAreas: "all_bays", IsActive: false, CreatedAt: now, UpdatedAt: now},
	}
	if err := database.Create(&closures).Error; err != nil {
		testContext.Fatalf("failed to insert closures: %v", err)
	}

	blockFor := func(closureID string) availability.Block {
		source := closureID
		block := availability.Block{
			ResourceID: 1,
			Date:       date,
			StartTime:  businesstime.NewWallTime(8, 0),
			EndTime:    businesstime.NewWallTime(22, 0),
			BlockType:  availability.BlockTypeClosure,
			CreatedAt:  now,
		}
		if closureID != "" {
			block.SourceClosureID = &source
		}
		return block
	}
	blocks := []availability.Block{blockFor("active"), blockFor("inactive"), blockFor("deleted")}
	manual := blockFor("")
	manual.BlockType = availability.BlockTypeManual
	blocks = append(blocks, manual)
	if err := database.Create(&blocks).Error; err != nil {
		testContext.Fatalf("failed to insert blocks: %v", err)
	}

	if err := applyMigrations(database, zap.NewNop()); err != nil {
		testContext.Fatalf("failed to apply migrations: %v", err)
	}

	var remaining []availability.Block
	if err := database.Order("id").Find(&remaining).Error; err != nil {
		testContext.Fatalf("failed to reload blocks: %v", err)
	}
	if len(remaining) != 2 {
		testContext.Fatalf("expected active closure and manual block to remain, got %d blocks", len(remaining))
	}
	if remaining[0].SourceClosureID == nil || *remaining[0].SourceClosureID != "active" {
		testContext.Fatalf("expected active closure block to remain, got %+v", remaining[0])
	}
	if remaining[1].SourceClosureID != nil {
		testContext.Fatalf("expected manual block to remain, got %+v", remaining[1])
	}

	var record migrationRecord
	if err := database.Where("name = ?", migrationRemoveOrphanedClosureBlocks).Take(&record).Error; err != nil {
		testContext.Fatalf("expected migration record to be created: %v", err)
	}
	if record.AppliedAtSeconds == 0 {
		testContext.Fatalf("expected migration timestamp to be set")
	}
}

func TestOpenSQLiteSeedsDefaultResourcesOnce(testContext *testing.T) {
	databasePath := filepath.Join(testContext.TempDir(), "seed.db")

	database, err := OpenSQLite(databasePath, zap.NewNop())
	if err != nil {
		testContext.Fatalf("failed to open database: %v", err)
	}

	if err := database.Model(&resources.Resource{}).Where("id = ?", 3).Update("is_active", false).Error; err != nil {
		testContext.Fatalf("failed to deactivate bay: %v", err)
	}
	sqlDB, err := database.DB()
	if err != nil {
		testContext.Fatalf("failed to access sql db: %v", err)
	}
	if err := sqlDB.Close(); err != nil {
		testContext.Fatalf("failed to close database: %v", err)
	}

	reopened, err := OpenSQLite(databasePath, zap.NewNop())
	if err != nil {
		testContext.Fatalf("failed to reopen database: %v", err)
	}
	var stored []resources.Resource
	if err := reopened.Order("id").Find(&stored).Error; err != nil {
		testContext.Fatalf("failed to list resources: %v", err)
	}
	if len(stored) != len(DefaultResources()) {
		testContext.Fatalf("expected %d resources, got %d", len(DefaultResources()), len(stored))
	}
	if stored[2].IsActive {
		testContext.Fatalf("expected seed migration not to reactivate bay 3")
	}
	if stored[6].CalendarName != "MBO_Conference_Room" {
		testContext.Fatalf("expected conference room calendar, got %q", stored[6].CalendarName)
	}
}

func TestOpenSQLiteRoutesQueryLogsThroughZap(testContext *testing.T) {
	core, logs := observer.New(zap.InfoLevel)
	database, err := OpenSQLite(filepath.Join(testContext.TempDir(), "logging.db"), zap.New(core))
	if err != nil {
		testContext.Fatalf("failed to open sqlite: %v", err)
	}

	var record migrationRecord
	if err := database.Where("name = ?", "missing").Take(&record).Error; !errors.Is(err, gorm.ErrRecordNotFound) {
		testContext.Fatalf("expected ErrRecordNotFound, got %v", err)
	}
	if lines := logs.FilterLoggerName("gorm").Len(); lines != 0 {
		testContext.Fatalf("expected lookup misses to stay quiet, got %d gorm lines", lines)
	}

	if err := database.Exec("SELECT * FROM missing_table").Error; err == nil {
		testContext.Fatalf("expected an error for a missing table")
	}
	if lines := logs.FilterLoggerName("gorm").Len(); lines == 0 {
		testContext.Fatalf("expected the failing query to be logged through zap")
	}
}
