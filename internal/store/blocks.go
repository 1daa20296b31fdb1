package store

import (
	"context"
	"time"

	"github.com/MarcoPoloResearchLab/clubhouse/backend/internal/availability"
	"github.com/MarcoPoloResearchLab/clubhouse/backend/internal/businesstime"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// BlockStore persists availability blocks.
type BlockStore struct {
	db    *gorm.DB
	clock func() time.Time
}

// NewBlockStore constructs a BlockStore.
func NewBlockStore(db *gorm.DB, clock func() time.Time) *BlockStore {
	if clock == nil {
		clock = time.Now
	}
	return &BlockStore{db: db, clock: clock}
}

// InsertBlocks inserts blocks, skipping rows that already exist, and returns the number inserted.
func (s *BlockStore) InsertBlocks(ctx context.Context, blocks []availability.Block) (int, error) {
	inserted := 0
	createdAt := s.clock().UTC()
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for index := range blocks {
			block := blocks[index]
			block.ID = 0
			if block.CreatedAt.IsZero() {
				block.CreatedAt = createdAt
			}
			result := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&block)
			if result.Error != nil {
				return result.Error
			}
			inserted += int(result.RowsAffected)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return inserted, nil
}

// DeleteBlocksForClosure removes every block derived from the closure.
func (s *BlockStore) DeleteBlocksForClosure(ctx context.Context, closureID string) (int, error) {
	result := s.db.WithContext(ctx).
		Where("source_closure_id = ?", closureID).
		Delete(&availability.Block{})
	if result.Error != nil {
		return 0, result.Error
	}
	return int(result.RowsAffected), nil
}

// CountBlocksForClosure counts the blocks derived from the closure.
func (s *BlockStore) CountBlocksForClosure(ctx context.Context, closureID string) (int, error) {
	var count int64
	err := s.db.WithContext(ctx).
		Model(&availability.Block{}).
		Where("source_closure_id = ?", closureID).
		Count(&count).Error
	return int(count), err
}

// Blocks returns the block windows of a resource on a date.
func (s *BlockStore) Blocks(ctx context.Context, resourceID int64, date businesstime.Date) ([]availability.Interval, error) {
	var rows []availability.Block
	err := s.db.WithContext(ctx).
		Where("resource_id = ? AND block_date = ?", resourceID, date).
		Order("start_time").
		Find(&rows).Error
	if err != nil {
		return nil, err
	}
	intervals := make([]availability.Interval, 0, len(rows))
	for _, row := range rows {
		intervals = append(intervals, availability.Interval{Start: row.StartTime, End: row.EndTime})
	}
	return intervals, nil
}

// CreateBlock inserts a manual block.
func (s *BlockStore) CreateBlock(ctx context.Context, block *availability.Block) error {
	if block.CreatedAt.IsZero() {
		block.CreatedAt = s.clock().UTC()
	}
	return s.db.WithContext(ctx).Create(block).Error
}
