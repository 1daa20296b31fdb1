package bookings

import (
	"time"

	"github.com/MarcoPoloResearchLab/clubhouse/backend/internal/businesstime"
)

// Status values of a booking request.
const (
	StatusPending   = "pending"
	StatusApproved  = "approved"
	StatusConfirmed = "confirmed"
	StatusDeclined  = "declined"
	StatusCancelled = "cancelled"
)

// BookingRequest is a member's reservation of a resource.
type BookingRequest struct {
	ID              int64                 `gorm:"column:id;primaryKey;autoIncrement"`
	ResourceID      int64                 `gorm:"column:resource_id;not null;index:idx_booking_requests_resource_date,priority:1"`
	MemberEmail     string                `gorm:"column:member_email;size:255;not null"`
	MemberName      string                `gorm:"column:member_name;size:255;not null;default:''"`
	Date            businesstime.Date     `gorm:"column:request_date;not null;index:idx_booking_requests_resource_date,priority:2"`
	StartTime       businesstime.WallTime `gorm:"column:start_time;not null"`
	EndTime         businesstime.WallTime `gorm:"column:end_time;not null"`
	DurationMinutes int                   `gorm:"column:duration_minutes;not null"`
	Status          string                `gorm:"column:status;size:32;not null;index"`
	Notes           string                `gorm:"column:notes;type:text;not null;default:''"`
	CalendarEventID *string               `gorm:"column:calendar_event_id;size:255"`
	CreatedAt       time.Time             `gorm:"column:created_at;not null"`
	UpdatedAt       time.Time             `gorm:"column:updated_at;not null"`
}

// TableName provides the explicit table binding for GORM.
func (BookingRequest) TableName() string {
	return "booking_requests"
}

// Blocking reports whether the request occupies its resource.
func (b BookingRequest) Blocking() bool {
	return b.Status == StatusApproved || b.Status == StatusConfirmed
}
