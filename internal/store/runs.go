package store

import (
	"context"

	"github.com/MarcoPoloResearchLab/clubhouse/backend/internal/records"
	"gorm.io/gorm"
)

// RunLog appends reconciliation audit rows.
type RunLog struct {
	db *gorm.DB
}

// NewRunLog constructs a RunLog.
func NewRunLog(db *gorm.DB) *RunLog {
	return &RunLog{db: db}
}

// RecordRun appends one audit row.
func (l *RunLog) RecordRun(ctx context.Context, run records.SyncRun) error {
	return l.db.WithContext(ctx).Create(&run).Error
}

// RecentRuns returns the latest runs of a kind, newest first.
func (l *RunLog) RecentRuns(ctx context.Context, kind records.Kind, limit int) ([]records.SyncRun, error) {
	var rows []records.SyncRun
	err := l.db.WithContext(ctx).
		Where("kind = ?", kind).
		Order("started_at DESC").
		Limit(limit).
		Find(&rows).Error
	return rows, err
}
