package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/MarcoPoloResearchLab/clubhouse/backend/internal/availability"
	"github.com/MarcoPoloResearchLab/clubhouse/backend/internal/bookings"
	"github.com/MarcoPoloResearchLab/clubhouse/backend/internal/businesstime"
	"gorm.io/gorm"
)

// BookingStore reads booking requests and records their calendar links.
type BookingStore struct {
	db *gorm.DB
}

// NewBookingStore constructs a BookingStore.
func NewBookingStore(db *gorm.DB) *BookingStore {
	return &BookingStore{db: db}
}

// BookingRequest loads a booking request.
func (s *BookingStore) BookingRequest(ctx context.Context, id int64) (bookings.BookingRequest, error) {
	var row bookings.BookingRequest
	err := s.db.WithContext(ctx).Where("id = ?", id).Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return bookings.BookingRequest{}, fmt.Errorf("%w: %d", bookings.ErrRequestNotFound, id)
	}
	if err != nil {
		return bookings.BookingRequest{}, err
	}
	return row, nil
}

// SetCalendarEventID links a booking request to its calendar event.
func (s *BookingStore) SetCalendarEventID(ctx context.Context, id int64, eventID string) error {
	result := s.db.WithContext(ctx).
		Model(&bookings.BookingRequest{}).
		Where("id = ?", id).
		Update("calendar_event_id", eventID)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("%w: %d", bookings.ErrRequestNotFound, id)
	}
	return nil
}

// ConfirmedBookings returns the windows of approved and confirmed requests.
func (s *BookingStore) ConfirmedBookings(ctx context.Context, resourceID int64, date businesstime.Date) ([]availability.Interval, error) {
	var rows []bookings.BookingRequest
	err := s.db.WithContext(ctx).
		Where("resource_id = ? AND request_date = ? AND status IN ?", resourceID, date, []string{bookings.StatusApproved, bookings.StatusConfirmed}).
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
