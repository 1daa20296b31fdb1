package bookings

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/MarcoPoloResearchLab/clubhouse/backend/internal/businesstime"
	"github.com/MarcoPoloResearchLab/clubhouse/backend/internal/calendar"
	"go.uber.org/zap"
)

const (
	opPublisherNew   = "bookings.publisher.new"
	opPublishApprove = "bookings.publish_approved"

	extendedPropertyBookingID = "booking_request_id"
	extendedPropertyBayID     = "bay_id"
)

var (
	errMissingCalendar  = errors.New("calendar port is required")
	errMissingStore     = errors.New("booking store is required")
	errMissingCalendars = errors.New("calendar resolver is required")
	errNotApproved      = errors.New("booking request is not approved")
	errPayloadMismatch  = errors.New("approval payload disagrees with the stored booking request")

	// ErrRequestNotFound indicates the booking request identifier is unknown.
	ErrRequestNotFound = errors.New("booking request not found")
)

// ServiceError carries a stable operation.reason code.
type ServiceError struct {
	code string
	err  error
}

func (e *ServiceError) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *ServiceError) Unwrap() error {
	return e.err
}

func (e *ServiceError) Code() string {
	return e.code
}

func newServiceError(operation, reason string, cause error) error {
	return &ServiceError{code: fmt.Sprintf("%s.%s", operation, reason), err: cause}
}

// Store persists the calendar link of a booking request.
type Store interface {
	BookingRequest(ctx context.Context, id int64) (BookingRequest, error)
	SetCalendarEventID(ctx context.Context, id int64, eventID string) error
}

// CalendarResolver maps calendar names to identifiers.
type CalendarResolver interface {
	Lookup(ctx context.Context, name string) (string, error)
}

// BusyInvalidator drops cached busy periods after a new booking event lands.
type BusyInvalidator interface {
	Invalidate(ctx context.Context, calendarID string) error
}

// PublisherConfig wires a Publisher.
type PublisherConfig struct {
	Calendar     calendar.Port
	Calendars    CalendarResolver
	Store        Store
	CalendarName string
	Zone         businesstime.Zone
	BusyCache    BusyInvalidator
	Logger       *zap.Logger
}

// Publisher pushes exactly one calendar event per approved booking request.
// The event is never reconciled back.
type Publisher struct {
	calendar     calendar.Port
	calendars    CalendarResolver
	store        Store
	calendarName string
	zone         businesstime.Zone
	busyCache    BusyInvalidator
	logger       *zap.Logger
}

// NewPublisher validates the configuration.
func NewPublisher(cfg PublisherConfig) (*Publisher, error) {
	if cfg.Calendar == nil {
		return nil, newServiceError(opPublisherNew, "missing_calendar", errMissingCalendar)
	}
	if cfg.Calendars == nil {
		return nil, newServiceError(opPublisherNew, "missing_calendar_resolver", errMissingCalendars)
	}
	if cfg.Store == nil {
		return nil, newServiceError(opPublisherNew, "missing_store", errMissingStore)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Publisher{
		calendar:     cfg.Calendar,
		calendars:    cfg.Calendars,
		store:        cfg.Store,
		calendarName: cfg.CalendarName,
		zone:         cfg.Zone,
		busyCache:    cfg.BusyCache,
		logger:       logger,
	}, nil
}

// PublishApproved creates the calendar event for an approved booking and
// stores its identifier. Requests that already carry an event are left alone,
// so repeated approvals never duplicate the event.
func (p *Publisher) PublishApproved(ctx context.Context, booking ApprovedBooking) (string, error) {
	request, err := p.store.BookingRequest(ctx, booking.RequestID)
	if errors.Is(err, ErrRequestNotFound) {
		return "", newServiceError(opPublishApprove, "request_not_found", err)
	}
	if err != nil {
		p.logError(opPublishApprove, "request_lookup_failed", err, zap.Int64("request_id", booking.RequestID))
		return "", newServiceError(opPublishApprove, "request_lookup_failed", err)
	}
	if !request.Blocking() {
		return "", newServiceError(opPublishApprove, "not_approved", errNotApproved)
	}
	if err := matchesRequest(booking, request); err != nil {
		p.logger.Warn("approval payload rejected",
			zap.Int64("request_id", booking.RequestID),
			zap.Error(err))
		return "", newServiceError(opPublishApprove, "payload_mismatch", err)
	}
	if request.CalendarEventID != nil && *request.CalendarEventID != "" {
		return *request.CalendarEventID, nil
	}

	calendarID, err := p.calendars.Lookup(ctx, p.calendarName)
	if err != nil {
		p.logError(opPublishApprove, "calendar_lookup_failed", err, zap.String("calendar", p.calendarName))
		return "", newServiceError(opPublishApprove, "calendar_lookup_failed", err)
	}

	version, err := p.calendar.CreateEvent(ctx, calendarID, p.eventInput(request, booking))
	if err != nil {
		p.logError(opPublishApprove, "create_event_failed", err, zap.Int64("request_id", booking.RequestID))
		return "", newServiceError(opPublishApprove, "create_event_failed", err)
	}

	if err := p.store.SetCalendarEventID(ctx, booking.RequestID, version.ID); err != nil {
		p.logError(opPublishApprove, "link_save_failed", err,
			zap.Int64("request_id", booking.RequestID),
			zap.String("event_id", version.ID))
		return "", newServiceError(opPublishApprove, "link_save_failed", err)
	}

	if p.busyCache != nil {
		if err := p.busyCache.Invalidate(ctx, calendarID); err != nil {
			p.logger.Warn("busy cache invalidation failed", zap.String("calendar_id", calendarID), zap.Error(err))
		}
	}
	p.logger.Info("booking published to calendar",
		zap.Int64("request_id", booking.RequestID),
		zap.String("event_id", version.ID))
	return version.ID, nil
}

// matchesRequest rejects payloads whose slot differs from the stored row.
func matchesRequest(booking ApprovedBooking, request BookingRequest) error {
	switch {
	case booking.ResourceID != request.ResourceID:
		return fmt.Errorf("%w: resource %d, stored %d", errPayloadMismatch, booking.ResourceID, request.ResourceID)
	case booking.Date.Compare(request.Date) != 0:
		return fmt.Errorf("%w: date %s, stored %s", errPayloadMismatch, booking.Date, request.Date)
	case booking.StartTime != request.StartTime || booking.EndTime != request.EndTime:
		return fmt.Errorf("%w: %s-%s, stored %s-%s", errPayloadMismatch,
			booking.StartTime, booking.EndTime, request.StartTime, request.EndTime)
	}
	return nil
}

// eventInput takes the slot from the stored request. The payload only
// contributes display text.
func (p *Publisher) eventInput(request BookingRequest, booking ApprovedBooking) calendar.EventInput {
	email := request.MemberEmail
	if email == "" {
		email = booking.MemberEmail
	}
	who := request.MemberName
	if who == "" {
		who = booking.MemberName
	}
	if who == "" {
		who = email
	}
	bay := booking.ResourceName
	if bay == "" {
		bay = "Bay " + strconv.FormatInt(request.ResourceID, 10)
	}
	duration := request.DurationMinutes
	if duration <= 0 {
		duration = request.EndTime.Minutes() - request.StartTime.Minutes()
	}
	notes := request.Notes
	if notes == "" {
		notes = booking.Notes
	}

	lines := []string{
		"Bay: " + bay,
		"Member: " + email,
		"Duration: " + strconv.Itoa(duration) + " minutes",
	}
	if notes != "" {
		lines = append(lines, "Notes: "+notes)
	}

	return calendar.EventInput{
		Title:       "Simulator: " + who,
		Description: strings.Join(lines, "\n"),
		Location:    bay,
		Start:       calendar.At(p.zone.ToInstant(request.Date, request.StartTime)),
		End:         calendar.At(p.zone.ToInstant(request.Date, request.EndTime)),
		ExtendedProperties: map[string]string{
			extendedPropertyBookingID: strconv.FormatInt(request.ID, 10),
			extendedPropertyBayID:     strconv.FormatInt(request.ResourceID, 10),
		},
	}
}

func (p *Publisher) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	p.logger.Error("booking publisher error", attrs...)
}
