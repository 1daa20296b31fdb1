package store

import (
	"context"
	"errors"

	"github.com/MarcoPoloResearchLab/clubhouse/backend/internal/records"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var syncStateColumns = []string{"external_id", "external_version_tag", "external_updated_at", "last_synced_at"}

// ErrNotFound indicates the requested row does not exist.
var ErrNotFound = errors.New("store: record not found")

// RecordPointer constrains a pointer to a syncable record model.
type RecordPointer[R any] interface {
	*R
	records.Record
}

// Table persists one syncable record kind.
type Table[R any, P RecordPointer[R]] struct {
	db *gorm.DB
}

// NewTable binds a record table to the database.
func NewTable[R any, P RecordPointer[R]](db *gorm.DB) *Table[R, P] {
	return &Table[R, P]{db: db}
}

// FindByID loads a record by its local identifier.
func (t *Table[R, P]) FindByID(ctx context.Context, id string) (P, error) {
	return t.take(ctx, "id = ?", id)
}

// FindByExternalID loads the record linked to a remote event.
func (t *Table[R, P]) FindByExternalID(ctx context.Context, externalID string) (P, error) {
	return t.take(ctx, "external_id = ?", externalID)
}

// ListLinked returns every record carrying a remote identifier.
func (t *Table[R, P]) ListLinked(ctx context.Context) ([]P, error) {
	return t.list(ctx, "external_id IS NOT NULL AND external_id <> ''")
}

// ListPending returns records that were never pushed or carry an unpushed local edit.
func (t *Table[R, P]) ListPending(ctx context.Context) ([]P, error) {
	return t.list(ctx, "external_id IS NULL OR external_id = '' OR locally_edited = ?", true)
}

// Create inserts a new record.
func (t *Table[R, P]) Create(ctx context.Context, record P) error {
	return t.db.WithContext(ctx).Create(record).Error
}

// Save writes every column of an existing record.
func (t *Table[R, P]) Save(ctx context.Context, record P) error {
	return t.db.WithContext(ctx).Save(record).Error
}

// Delete removes a record.
func (t *Table[R, P]) Delete(ctx context.Context, record P) error {
	return t.db.WithContext(ctx).Delete(record).Error
}

// SaveIfUnchanged writes every column of record unless the stored row no
// longer matches guard. It reports whether the write happened.
func (t *Table[R, P]) SaveIfUnchanged(ctx context.Context, record P, guard records.SyncGuard) (bool, error) {
	return t.writeIfUnchanged(ctx, record, guard, func(tx *gorm.DB) error {
		return tx.Save(record).Error
	})
}

// DeleteIfUnchanged removes record unless the stored row no longer matches guard.
func (t *Table[R, P]) DeleteIfUnchanged(ctx context.Context, record P, guard records.SyncGuard) (bool, error) {
	return t.writeIfUnchanged(ctx, record, guard, func(tx *gorm.DB) error {
		return tx.Delete(record).Error
	})
}

// SaveSyncState writes only the external identity and version columns,
// leaving content and local-edit columns as stored.
func (t *Table[R, P]) SaveSyncState(ctx context.Context, record P) error {
	return t.db.WithContext(ctx).Model(record).Select(syncStateColumns).Updates(record).Error
}

func (t *Table[R, P]) writeIfUnchanged(ctx context.Context, record P, guard records.SyncGuard, write func(tx *gorm.DB) error) (bool, error) {
	written := false
	err := t.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var rows []R
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("id = ?", record.RecordID()).
			Limit(1).
			Find(&rows).Error
		if err != nil {
			return err
		}
		if len(rows) == 0 || !guard.Matches(P(&rows[0]).Sync()) {
			return nil
		}
		if err := write(tx); err != nil {
			return err
		}
		written = true
		return nil
	})
	return written, err
}

func (t *Table[R, P]) take(ctx context.Context, query string, args ...any) (P, error) {
	var rows []R
	if err := t.db.WithContext(ctx).Where(query, args...).Limit(1).Find(&rows).Error; err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, ErrNotFound
	}
	return P(&rows[0]), nil
}

func (t *Table[R, P]) list(ctx context.Context, query string, args ...any) ([]P, error) {
	var rows []R
	if err := t.db.WithContext(ctx).Where(query, args...).Order("id").Find(&rows).Error; err != nil {
		return nil, err
	}
	result := make([]P, 0, len(rows))
	for index := range rows {
		result = append(result, P(&rows[index]))
	}
	return result, nil
}

// Events binds the events table.
func Events(db *gorm.DB) *Table[records.Event, *records.Event] {
	return NewTable[records.Event](db)
}

// WellnessClasses binds the wellness_classes table.
func WellnessClasses(db *gorm.DB) *Table[records.WellnessClass, *records.WellnessClass] {
	return NewTable[records.WellnessClass](db)
}

// Closures binds the facility_closures table.
func Closures(db *gorm.DB) *Table[records.Closure, *records.Closure] {
	return NewTable[records.Closure](db)
}
