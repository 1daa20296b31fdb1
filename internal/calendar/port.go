// Package calendar defines the external calendar port consumed by reconciliation
// and availability, together with its Google Calendar and ICS feed adapters.
package calendar

import (
	"context"
	"errors"
	"time"

	"github.com/MarcoPoloResearchLab/clubhouse/backend/internal/businesstime"
)

var (
	// ErrNotFound indicates that the remote event no longer exists.
	ErrNotFound = errors.New("calendar: event not found")
	// ErrRemoteUnavailable wraps network, auth, quota, and timeout failures.
	ErrRemoteUnavailable = errors.New("calendar: remote unavailable")
	// ErrReadOnly is returned by adapters that cannot write events.
	ErrReadOnly = errors.New("calendar: calendar is read-only")
	// ErrCalendarNotFound indicates that no calendar carries the requested name.
	ErrCalendarNotFound = errors.New("calendar: calendar not found")
)

// Status values reported by the remote calendar.
const (
	StatusConfirmed = "confirmed"
	StatusTentative = "tentative"
	StatusCancelled = "cancelled"
)

// EventTime is either an instant or, for all-day entries, a business date.
// All-day end dates are inclusive; adapters translate to and from the
// exclusive end used on the wire.
type EventTime struct {
	Instant time.Time
	Date    businesstime.Date
	AllDay  bool
}

// At returns a timed EventTime.
func At(instant time.Time) EventTime {
	return EventTime{Instant: instant}
}

// OnDate returns an all-day EventTime.
func OnDate(date businesstime.Date) EventTime {
	return EventTime{Date: date, AllDay: true}
}

// RemoteEvent is a single, already expanded occurrence listed from a calendar.
type RemoteEvent struct {
	ID                 string
	Title              string
	Description        string
	Location           string
	Start              EventTime
	End                EventTime
	UpdatedAt          *time.Time
	VersionTag         string
	Status             string
	ExtendedProperties map[string]string
}

// Cancelled reports whether the remote marked the occurrence as cancelled.
func (e RemoteEvent) Cancelled() bool {
	return e.Status == StatusCancelled
}

// EventInput carries the fields written on create and update.
type EventInput struct {
	Title              string
	Description        string
	Location           string
	Start              EventTime
	End                EventTime
	ExtendedProperties map[string]string
}

// EventVersion is the remote identity and revision returned by a write.
type EventVersion struct {
	ID         string
	VersionTag string
	UpdatedAt  *time.Time
}

// BusyPeriod is a half-open interval during which a calendar is occupied.
type BusyPeriod struct {
	Start time.Time
	End   time.Time
}

// Port is the external calendar as consumed by the core. Implementations bound
// every call with their own timeout.
type Port interface {
	ListEvents(ctx context.Context, calendarID string, since time.Time, limit int) ([]RemoteEvent, error)
	CreateEvent(ctx context.Context, calendarID string, input EventInput) (EventVersion, error)
	UpdateEvent(ctx context.Context, calendarID, eventID string, input EventInput) (EventVersion, error)
	DeleteEvent(ctx context.Context, calendarID, eventID string) error
	GetBusyPeriods(ctx context.Context, calendarID string, from, to time.Time) ([]BusyPeriod, error)
}

// BusySource is the read-only slice of Port used by availability.
type BusySource interface {
	GetBusyPeriods(ctx context.Context, calendarID string, from, to time.Time) ([]BusyPeriod, error)
}

// Info describes a calendar visible to the configured account.
type Info struct {
	ID   string
	Name string
}

// Lister enumerates calendars so that names can be mapped to identifiers.
type Lister interface {
	ListCalendars(ctx context.Context) ([]Info, error)
}
