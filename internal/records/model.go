package records

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/clubhouse/backend/internal/businesstime"
)

// Kind enumerates the record kinds mirrored to the external calendar.
type Kind string

const (
	KindEvents   Kind = "events"
	KindWellness Kind = "wellness"
	KindClosures Kind = "closures"
)

// ErrUnknownKind indicates that a kind name does not match any syncable record kind.
var ErrUnknownKind = errors.New("records: unknown kind")

// AllKinds lists every syncable kind in a stable order.
func AllKinds() []Kind {
	return []Kind{KindEvents, KindWellness, KindClosures}
}

// ParseKind validates raw input and returns a Kind.
func ParseKind(rawInput string) (Kind, error) {
	switch Kind(strings.ToLower(strings.TrimSpace(rawInput))) {
	case KindEvents, "event":
		return KindEvents, nil
	case KindWellness, "wellness_classes", "wellness_class":
		return KindWellness, nil
	case KindClosures, "closure":
		return KindClosures, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownKind, rawInput)
	}
}

func (k Kind) String() string {
	return string(k)
}

// SyncMetadata tracks the relationship between a local record and its external calendar event.
// Only reconciliation writes the external fields; application edits set LocallyEdited.
type SyncMetadata struct {
	ExternalID         *string    `gorm:"column:external_id;size:255;index"`
	ExternalVersionTag *string    `gorm:"column:external_version_tag;size:255"`
	ExternalUpdatedAt  *time.Time `gorm:"column:external_updated_at"`
	LocallyEdited      bool       `gorm:"column:locally_edited;not null"`
	AppLastModifiedAt  *time.Time `gorm:"column:app_last_modified_at"`
	LastSyncedAt       *time.Time `gorm:"column:last_synced_at"`
}

// Linked reports whether the record has ever been pushed to or pulled from the calendar.
func (m *SyncMetadata) Linked() bool {
	return m.ExternalID != nil && *m.ExternalID != ""
}

// ExternalIDValue returns the external identifier or an empty string.
func (m *SyncMetadata) ExternalIDValue() string {
	if m.ExternalID == nil {
		return ""
	}
	return *m.ExternalID
}

// MarkLocallyEdited flags a calendar-significant local change made at the given time.
func (m *SyncMetadata) MarkLocallyEdited(at time.Time) {
	editedAt := at.UTC()
	m.LocallyEdited = true
	m.AppLastModifiedAt = &editedAt
}

// ClearLocalEdit drops the pending local edit after it was pushed or superseded.
func (m *SyncMetadata) ClearLocalEdit() {
	m.LocallyEdited = false
	m.AppLastModifiedAt = nil
}

// Link stores the external identity and version returned by the calendar.
func (m *SyncMetadata) Link(externalID, versionTag string, updatedAt *time.Time, syncedAt time.Time) {
	id := externalID
	m.ExternalID = &id
	m.Observe(versionTag, updatedAt, syncedAt)
}

// Observe records the remote version seen during a pull or returned by a push.
func (m *SyncMetadata) Observe(versionTag string, updatedAt *time.Time, syncedAt time.Time) {
	if versionTag == "" {
		m.ExternalVersionTag = nil
	} else {
		tag := versionTag
		m.ExternalVersionTag = &tag
	}
	if updatedAt == nil {
		m.ExternalUpdatedAt = nil
	} else {
		remote := updatedAt.UTC()
		m.ExternalUpdatedAt = &remote
	}
	synced := syncedAt.UTC()
	m.LastSyncedAt = &synced
}

// Unlink forgets the external identity after the remote event was removed.
func (m *SyncMetadata) Unlink(syncedAt time.Time) {
	m.ExternalID = nil
	m.ExternalVersionTag = nil
	m.ExternalUpdatedAt = nil
	m.ClearLocalEdit()
	synced := syncedAt.UTC()
	m.LastSyncedAt = &synced
}

// SyncGuard is the local-edit state a record was read with. Reconciliation
// writes only land while the stored row still matches it.
type SyncGuard struct {
	LocallyEdited     bool
	AppLastModifiedAt *time.Time
}

// Guard captures the current local-edit state.
func (m *SyncMetadata) Guard() SyncGuard {
	guard := SyncGuard{LocallyEdited: m.LocallyEdited}
	if m.AppLastModifiedAt != nil {
		editedAt := *m.AppLastModifiedAt
		guard.AppLastModifiedAt = &editedAt
	}
	return guard
}

// Matches reports whether m still carries the guarded local-edit state.
func (g SyncGuard) Matches(m *SyncMetadata) bool {
	if g.LocallyEdited != m.LocallyEdited {
		return false
	}
	if g.AppLastModifiedAt == nil || m.AppLastModifiedAt == nil {
		return g.AppLastModifiedAt == nil && m.AppLastModifiedAt == nil
	}
	return g.AppLastModifiedAt.Equal(*m.AppLastModifiedAt)
}

// Record is the shape shared by every syncable kind.
type Record interface {
	RecordID() string
	Sync() *SyncMetadata
	// Active reports whether the record should exist on the calendar.
	Active() bool
	// SyncDate is the business date compared against the reconciliation fetch window.
	SyncDate() businesstime.Date
}

// Event is a member-facing club event.
type Event struct {
	ID          string                `gorm:"column:id;primaryKey;size:64;not null"`
	Title       string                `gorm:"column:title;size:255;not null"`
	Description string                `gorm:"column:description;type:text;not null;default:''"`
	Location    string                `gorm:"column:location;size:255;not null;default:''"`
	Category    string                `gorm:"column:category;size:64;not null;default:''"`
	Visibility  string                `gorm:"column:visibility;size:32;not null;default:'public'"`
	Date        businesstime.Date     `gorm:"column:event_date;not null;index"`
	StartTime   businesstime.WallTime `gorm:"column:start_time;not null"`
	EndTime     businesstime.WallTime `gorm:"column:end_time;not null"`
	AllDay      bool                  `gorm:"column:all_day;not null"`

	SyncMetadata `gorm:"embedded"`

	CreatedAt time.Time `gorm:"column:created_at;not null"`
	UpdatedAt time.Time `gorm:"column:updated_at;not null"`
}

// TableName provides the explicit table binding for GORM.
func (Event) TableName() string {
	return "events"
}

func (e *Event) RecordID() string { return e.ID }
func (e *Event) Sync() *SyncMetadata { return &e.SyncMetadata }
func (e *Event) Active() bool { return true }
func (e *Event) SyncDate() businesstime.Date { return e.Date }

// WellnessClass is a scheduled class that members enroll in.
type WellnessClass struct {
	ID              string                `gorm:"column:id;primaryKey;size:64;not null"`
	Title           string                `gorm:"column:title;size:255;not null"`
	Description     string                `gorm:"column:description;type:text;not null;default:''"`
	Instructor      string                `gorm:"column:instructor;size:255;not null;default:''"`
	Category        string                `gorm:"column:category;size:64;not null;default:''"`
	Date            businesstime.Date     `gorm:"column:class_date;not null;index"`
	StartTime       businesstime.WallTime `gorm:"column:start_time;not null"`
	DurationMinutes int                   `gorm:"column:duration_minutes;not null"`
	Capacity        int                   `gorm:"column:capacity;not null;default:0"`
	IsActive        bool                  `gorm:"column:is_active;not null"`

	SyncMetadata `gorm:"embedded"`

	CreatedAt time.Time `gorm:"column:created_at;not null"`
	UpdatedAt time.Time `gorm:"column:updated_at;not null"`
}

// TableName provides the explicit table binding for GORM.
func (WellnessClass) TableName() string {
	return "wellness_classes"
}

func (w *WellnessClass) RecordID() string { return w.ID }
func (w *WellnessClass) Sync() *SyncMetadata { return &w.SyncMetadata }
func (w *WellnessClass) Active() bool { return w.IsActive }
func (w *WellnessClass) SyncDate() businesstime.Date { return w.Date }

// EndTime returns the wall time at which the class ends.
func (w *WellnessClass) EndTime() businesstime.WallTime {
	return w.StartTime.Add(w.DurationMinutes)
}

// Closure takes resources out of service for a date range.
type Closure struct {
	ID            string                 `gorm:"column:id;primaryKey;size:64;not null"`
	Title         string                 `gorm:"column:title;size:255;not null"`
	Reason        string                 `gorm:"column:reason;type:text;not null;default:''"`
	StartDate     businesstime.Date      `gorm:"column:start_date;not null;index"`
	EndDate       businesstime.Date      `gorm:"column:end_date;not null;index"`
	StartTime     *businesstime.WallTime `gorm:"column:start_time"`
	EndTime       *businesstime.WallTime `gorm:"column:end_time"`
	AffectedAreas string                 `gorm:"column:affected_areas;type:text;not null;default:''"`
	IsActive      bool                   `gorm:"column:is_active;not null"`
	CreatedBy     string                 `gorm:"column:created_by;size:255;not null;default:''"`

	SyncMetadata `gorm:"embedded"`

	CreatedAt time.Time `gorm:"column:created_at;not null"`
	UpdatedAt time.Time `gorm:"column:updated_at;not null"`
}

// TableName provides the explicit table binding for GORM.
func (Closure) TableName() string {
	return "facility_closures"
}

func (c *Closure) RecordID() string { return c.ID }
func (c *Closure) Sync() *SyncMetadata { return &c.SyncMetadata }
func (c *Closure) Active() bool { return c.IsActive }
func (c *Closure) SyncDate() businesstime.Date { return c.EndDate }

// AllDay reports whether the closure has no time-of-day bounds.
func (c *Closure) AllDay() bool {
	return c.StartTime == nil && c.EndTime == nil
}

// SyncRun is the append-only audit of one reconciliation pass.
type SyncRun struct {
	RunID                string    `gorm:"column:run_id;primaryKey;size:64;not null" json:"run_id"`
	Kind                 Kind      `gorm:"column:kind;size:32;not null;index:idx_sync_runs_kind_started,priority:1" json:"kind"`
	StartedAt            time.Time `gorm:"column:started_at;not null;index:idx_sync_runs_kind_started,priority:2" json:"started_at"`
	FinishedAt           time.Time `gorm:"column:finished_at;not null" json:"finished_at"`
	Fetched              int       `gorm:"column:fetched;not null" json:"fetched"`
	Created              int       `gorm:"column:created;not null" json:"created"`
	Updated              int       `gorm:"column:updated;not null" json:"updated"`
	PushedToCalendar     int       `gorm:"column:pushed_to_calendar;not null" json:"pushed_to_calendar"`
	DeactivatedOrDeleted int       `gorm:"column:deactivated_or_deleted;not null" json:"deactivated_or_deleted"`
	ErrorCount           int       `gorm:"column:error_count;not null" json:"error_count"`
	ErrorMessage         string    `gorm:"column:error_message;type:text;not null;default:''" json:"error_message"`
}

// TableName provides the explicit table binding for GORM.
func (SyncRun) TableName() string {
	return "sync_runs"
}
