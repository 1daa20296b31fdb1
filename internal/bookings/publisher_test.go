package bookings

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/clubhouse/backend/internal/businesstime"
	"github.com/MarcoPoloResearchLab/clubhouse/backend/internal/calendar"
	"github.com/MarcoPoloResearchLab/clubhouse/backend/internal/calendar/calendartest"
)

type memoryStore struct {
	requests map[int64]BookingRequest
}

func (s *memoryStore) BookingRequest(_ context.Context, id int64) (BookingRequest, error) {
	request, ok := s.requests[id]
	if !ok {
		return BookingRequest{}, ErrRequestNotFound
	}
	return request, nil
}

func (s *memoryStore) SetCalendarEventID(_ context.Context, id int64, eventID string) error {
	request := s.requests[id]
	request.CalendarEventID = &eventID
	s.requests[id] = request
	return nil
}

type staticLookup map[string]string

func (s staticLookup) Lookup(_ context.Context, name string) (string, error) {
	id, ok := s[name]
	if !ok {
		return "", calendar.ErrCalendarNotFound
	}
	return id, nil
}

type recordingInvalidator struct {
	calendars []string
}

func (r *recordingInvalidator) Invalidate(_ context.Context, calendarID string) error {
	r.calendars = append(r.calendars, calendarID)
	return nil
}

func newTestPublisher(t *testing.T, store *memoryStore, remote *calendartest.Calendar, invalidator BusyInvalidator) *Publisher {
	t.Helper()
	zone, err := businesstime.NewZone(businesstime.DefaultTimezone, nil)
	if err != nil {
		t.Fatalf("failed to load zone: %v", err)
	}
	publisher, err := NewPublisher(PublisherConfig{
		Calendar:     remote,
		Calendars:    staticLookup{"Booked Golf": "golf"},
		Store:        store,
		CalendarName: "Booked Golf",
		Zone:         zone,
		BusyCache:    invalidator,
	})
	if err != nil {
		t.Fatalf("failed to construct publisher: %v", err)
	}
	return publisher
}

func approvedRequest(t *testing.T, start, end string) BookingRequest {
	t.Helper()
	date, err := businesstime.ParseDate("2024-07-12")
	if err != nil {
		t.Fatalf("failed to parse date: %v", err)
	}
	startTime, err := businesstime.ParseWallTime(start)
	if err != nil {
		t.Fatalf("failed to parse start time: %v", err)
	}
	endTime, err := businesstime.ParseWallTime(end)
	if err != nil {
		t.Fatalf("failed to parse end time: %v", err)
	}
	return BookingRequest{
		ID:              7,
		ResourceID:      2,
		MemberEmail:     "pat@example.com",
		MemberName:      "Pat",
		Date:            date,
		StartTime:       startTime,
		EndTime:         endTime,
		DurationMinutes: endTime.Minutes() - startTime.Minutes(),
		Status:          StatusApproved,
	}
}

func approvedBooking(t *testing.T) ApprovedBooking {
	t.Helper()
	booking, err := DecodeBookingPayload([]byte(`{"id":7,"bay_id":2,"user_email":"pat@example.com","user_name":"Pat","request_date":"2024-07-12","start_time":"18:00","end_time":"19:30","notes":"lefty clubs"}`))
	if err != nil {
		t.Fatalf("unexpected decode error: %v", err)
	}
	return booking
}

func TestPublishApprovedCreatesExactlyOneEvent(t *testing.T) {
	store := &memoryStore{requests: map[int64]BookingRequest{7: approvedRequest(t, "18:00", "19:30")}}
	remote := calendartest.New(nil)
	invalidator := &recordingInvalidator{}
	publisher := newTestPublisher(t, store, remote, invalidator)

	first, err := publisher.PublishApproved(context.Background(), approvedBooking(t))
	if err != nil {
		t.Fatalf("unexpected publish error: %v", err)
	}
	second, err := publisher.PublishApproved(context.Background(), approvedBooking(t))
	if err != nil {
		t.Fatalf("unexpected publish error: %v", err)
	}

	if first != second {
		t.Fatalf("expected the stored event id to be reused, got %s and %s", first, second)
	}
	if calls := remote.Calls(); calls.Create != 1 || calls.Update != 0 {
		t.Fatalf("expected a single create, got %+v", calls)
	}
	event, ok := remote.Event("golf", first)
	if !ok {
		t.Fatalf("expected event on the golf calendar")
	}
	if event.Title != "Simulator: Pat" {
		t.Fatalf("unexpected title: %q", event.Title)
	}
	if want := time.Date(2024, 7, 13, 1, 0, 0, 0, time.UTC); !event.Start.Instant.Equal(want) {
		t.Fatalf("unexpected start instant: %s", event.Start.Instant)
	}
	if want := time.Date(2024, 7, 13, 2, 30, 0, 0, time.UTC); !event.End.Instant.Equal(want) {
		t.Fatalf("unexpected end instant: %s", event.End.Instant)
	}
	if event.ExtendedProperties[extendedPropertyBayID] != "2" {
		t.Fatalf("expected bay id property, got %v", event.ExtendedProperties)
	}
	if event.ExtendedProperties[extendedPropertyBookingID] != "7" {
		t.Fatalf("expected booking id property, got %v", event.ExtendedProperties)
	}
	if len(invalidator.calendars) != 1 || invalidator.calendars[0] != "golf" {
		t.Fatalf("expected busy cache invalidation, got %v", invalidator.calendars)
	}
}

func TestPublishApprovedRejectsPendingRequests(t *testing.T) {
	store := &memoryStore{requests: map[int64]BookingRequest{7: {ID: 7, Status: StatusPending}}}
	remote := calendartest.New(nil)
	publisher := newTestPublisher(t, store, remote, nil)

	_, err := publisher.PublishApproved(context.Background(), approvedBooking(t))
	var serviceErr *ServiceError
	if !errors.As(err, &serviceErr) || serviceErr.Code() != "bookings.publish_approved.not_approved" {
		t.Fatalf("expected not_approved service error, got %v", err)
	}
	if remote.Calls().Create != 0 {
		t.Fatalf("expected no calendar writes")
	}
}

func TestPublishApprovedLeavesRequestUnlinkedOnCalendarFailure(t *testing.T) {
	store := &memoryStore{requests: map[int64]BookingRequest{7: approvedRequest(t, "18:00", "19:30")}}
	remote := calendartest.New(nil)
	remote.CreateErr = calendar.ErrRemoteUnavailable
	publisher := newTestPublisher(t, store, remote, nil)

	if _, err := publisher.PublishApproved(context.Background(), approvedBooking(t)); !errors.Is(err, calendar.ErrRemoteUnavailable) {
		t.Fatalf("expected remote error, got %v", err)
	}
	if store.requests[7].CalendarEventID != nil {
		t.Fatalf("expected request to stay unlinked")
	}
}

func TestPublishApprovedReportsUnknownRequest(t *testing.T) {
	store := &memoryStore{requests: map[int64]BookingRequest{}}
	remote := calendartest.New(nil)
	publisher := newTestPublisher(t, store, remote, nil)

	_, err := publisher.PublishApproved(context.Background(), approvedBooking(t))
	var serviceErr *ServiceError
	if !errors.As(err, &serviceErr) || serviceErr.Code() != "bookings.publish_approved.request_not_found" {
		t.Fatalf("expected request_not_found service error, got %v", err)
	}
	if !errors.Is(err, ErrRequestNotFound) {
		t.Fatalf("expected ErrRequestNotFound in chain, got %v", err)
	}
}

func TestPublishApprovedRejectsPayloadThatDisagreesWithStoredSlot(t *testing.T) {
	testCases := []struct {
		name   string
		stored func(*testing.T) BookingRequest
	}{
		{
			name:   "different times",
			stored: func(t *testing.T) BookingRequest { return approvedRequest(t, "10:00", "11:00") },
		},
		{
			name: "different bay",
			stored: func(t *testing.T) BookingRequest {
				request := approvedRequest(t, "18:00", "19:30")
				request.ResourceID = 3
				return request
			},
		},
		{
			name: "different date",
			stored: func(t *testing.T) BookingRequest {
				request := approvedRequest(t, "18:00", "19:30")
				request.Date = request.Date.AddDays(1)
				return request
			},
		},
	}

	for _, testCase := range testCases {
		t.Run(testCase.name, func(t *testing.T) {
			store := &memoryStore{requests: map[int64]BookingRequest{7: testCase.stored(t)}}
			remote := calendartest.New(nil)
			publisher := newTestPublisher(t, store, remote, nil)

			_, err := publisher.PublishApproved(context.Background(), approvedBooking(t))
			var serviceErr *ServiceError
			if !errors.As(err, &serviceErr) || serviceErr.Code() != "bookings.publish_approved.payload_mismatch" {
				t.Fatalf("expected payload_mismatch service error, got %v", err)
			}
			if remote.Calls().Create != 0 {
				t.Fatalf("expected no calendar writes")
			}
			if store.requests[7].CalendarEventID != nil {
				t.Fatalf("expected request to stay unlinked")
			}
		})
	}
}

func TestPublishApprovedTakesDisplayTextFromPayloadWhenRowLacksIt(t *testing.T) {
	request := approvedRequest(t, "18:00", "19:30")
	request.MemberName = ""
	request.Notes = ""
	store := &memoryStore{requests: map[int64]BookingRequest{7: request}}
	remote := calendartest.New(nil)
	publisher := newTestPublisher(t, store, remote, nil)

	eventID, err := publisher.PublishApproved(context.Background(), approvedBooking(t))
	if err != nil {
		t.Fatalf("unexpected publish error: %v", err)
	}
	event, ok := remote.Event("golf", eventID)
	if !ok {
		t.Fatalf("expected event on the golf calendar")
	}
	if event.Title != "Simulator: Pat" {
		t.Fatalf("unexpected title: %q", event.Title)
	}
	if want := "Bay: Bay 2\nMember: pat@example.com\nDuration: 90 minutes\nNotes: lefty clubs"; event.Description != want {
		t.Fatalf("unexpected description: %q", event.Description)
	}
}
