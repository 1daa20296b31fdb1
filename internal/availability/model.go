package availability

import (
	"time"

	"github.com/MarcoPoloResearchLab/clubhouse/backend/internal/businesstime"
	"github.com/MarcoPoloResearchLab/clubhouse/backend/internal/resources"
)

// Block types.
const (
	BlockTypeClosure = "closure"
	BlockTypeManual  = "manual"
)

// Block is a non-bookable window on a resource. Closure-derived blocks carry
// the identifier of their source closure.
type Block struct {
	ID              int64                 `gorm:"column:id;primaryKey;autoIncrement"`
	ResourceID      int64                 `gorm:"column:resource_id;not null;uniqueIndex:idx_blocks_identity,priority:1;index:idx_blocks_resource_date,priority:1"`
	Date            businesstime.Date     `gorm:"column:block_date;not null;uniqueIndex:idx_blocks_identity,priority:2;index:idx_blocks_resource_date,priority:2"`
	StartTime       businesstime.WallTime `gorm:"column:start_time;not null;uniqueIndex:idx_blocks_identity,priority:3"`
	EndTime         businesstime.WallTime `gorm:"column:end_time;not null;uniqueIndex:idx_blocks_identity,priority:4"`
	SourceClosureID *string               `gorm:"column:source_closure_id;size:64;uniqueIndex:idx_blocks_identity,priority:5;index"`
	BlockType       string                `gorm:"column:block_type;size:32;not null"`
	Notes           string                `gorm:"column:notes;type:text;not null;default:''"`
	CreatedBy       string                `gorm:"column:created_by;size:255;not null;default:''"`
	CreatedAt       time.Time             `gorm:"column:created_at;not null"`
}

// TableName provides the explicit table binding for GORM.
func (Block) TableName() string {
	return "availability_blocks"
}

// Interval is a half-open wall-clock window on a single business date.
type Interval struct {
	Start businesstime.WallTime
	End   businesstime.WallTime
}

// Overlaps applies the half-open test: a and b overlap when each starts before the other ends.
func (i Interval) Overlaps(other Interval) bool {
	return i.Start < other.End && other.Start < i.End
}

// Slot is one candidate booking window.
type Slot struct {
	Start     businesstime.WallTime `json:"start_time"`
	End       businesstime.WallTime `json:"end_time"`
	Available bool                  `json:"available"`
}

// Hours is an opening window within a day.
type Hours struct {
	Open  businesstime.WallTime
	Close businesstime.WallTime
}

// WeeklySchedule maps weekdays to opening hours; a missing weekday is closed.
type WeeklySchedule map[time.Weekday]Hours

// HoursOn returns the opening hours for date and whether the resource is open at all.
func (s WeeklySchedule) HoursOn(date businesstime.Date) (Hours, bool) {
	hours, ok := s[date.Weekday()]
	if !ok || hours.Close <= hours.Open {
		return Hours{}, false
	}
	return hours, true
}

// DefaultWeeklySchedule is the club's standard week: closed Monday, late
// Friday and Saturday, early close Sunday.
func DefaultWeeklySchedule() WeeklySchedule {
	open := businesstime.NewWallTime(8, 30)
	return WeeklySchedule{
		time.Tuesday:   {Open: open, Close: businesstime.NewWallTime(20, 0)},
		time.Wednesday: {Open: open, Close: businesstime.NewWallTime(20, 0)},
		time.Thursday:  {Open: open, Close: businesstime.NewWallTime(20, 0)},
		time.Friday:    {Open: open, Close: businesstime.NewWallTime(22, 0)},
		time.Saturday:  {Open: open, Close: businesstime.NewWallTime(22, 0)},
		time.Sunday:    {Open: open, Close: businesstime.NewWallTime(18, 0)},
	}
}

// DailySchedule opens every day of the week with the same hours.
func DailySchedule(open, close businesstime.WallTime) WeeklySchedule {
	schedule := make(WeeklySchedule, 7)
	for day := time.Sunday; day <= time.Saturday; day++ {
		schedule[day] = Hours{Open: open, Close: close}
	}
	return schedule
}

// DefaultSchedules returns the per-resource-type overrides applied on top of DefaultWeeklySchedule.
func DefaultSchedules() map[string]WeeklySchedule {
	return map[string]WeeklySchedule{
		resources.TypeConferenceRoom: DailySchedule(businesstime.NewWallTime(8, 0), businesstime.NewWallTime(18, 0)),
	}
}
