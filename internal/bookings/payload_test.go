package bookings

import (
	"errors"
	"testing"
)

func TestDecodeBookingPayloadAcceptsBothNamingConventions(t *testing.T) {
	testCases := []struct {
		name    string
		payload string
	}{
		{
			name:    "snake case",
			payload: `{"id":42,"bay_id":3,"bay_name":"Bay 3","user_email":"pat@example.com","user_name":"Pat","request_date":"2024-01-10","start_time":"10:00:00","end_time":"11:00:00","duration_minutes":60}`,
		},
		{
			name:    "camel case",
			payload: `{"requestId":"42","bayId":"3","bayName":"Bay 3","userEmail":"pat@example.com","userName":"Pat","requestDate":"2024-01-10","startTime":"10:00","endTime":"11:00","durationMinutes":60}`,
		},
	}

	for _, testCase := range testCases {
		t.Run(testCase.name, func(t *testing.T) {
			booking, err := DecodeBookingPayload([]byte(testCase.payload))
			if err != nil {
				t.Fatalf("unexpected decode error: %v", err)
			}
			if booking.RequestID != 42 || booking.ResourceID != 3 {
				t.Fatalf("unexpected identifiers: %+v", booking)
			}
			if booking.MemberEmail != "pat@example.com" || booking.MemberName != "Pat" || booking.ResourceName != "Bay 3" {
				t.Fatalf("unexpected member fields: %+v", booking)
			}
			if booking.Date.String() != "2024-01-10" || booking.StartTime.String() != "10:00" || booking.EndTime.String() != "11:00" {
				t.Fatalf("unexpected schedule: %+v", booking)
			}
			if booking.DurationMinutes != 60 {
				t.Fatalf("unexpected duration: %d", booking.DurationMinutes)
			}
		})
	}
}

func TestDecodeBookingPayloadDerivesMissingDuration(t *testing.T) {
	booking, err := DecodeBookingPayload([]byte(`{"id":1,"resource_id":9,"user_email":"a@b.c","request_date":"2024-01-10","start_time":"13:30","end_time":"15:00"}`))
	if err != nil {
		t.Fatalf("unexpected decode error: %v", err)
	}
	if booking.DurationMinutes != 90 {
		t.Fatalf("expected derived duration, got %d", booking.DurationMinutes)
	}
}

func TestDecodeBookingPayloadRejectsInvalidInput(t *testing.T) {
	payloads := []string{
		`not json`,
		`{"bay_id":3,"user_email":"a@b.c","request_date":"2024-01-10","start_time":"10:00","end_time":"11:00"}`,
		`{"id":1,"bay_id":3,"user_email":"a@b.c","request_date":"2024-01-10","start_time":"11:00","end_time":"10:00"}`,
		`{"id":1,"bay_id":3,"request_date":"2024-01-10","start_time":"10:00","end_time":"11:00"}`,
	}
	for _, payload := range payloads {
		if _, err := DecodeBookingPayload([]byte(payload)); !errors.Is(err, ErrInvalidPayload) {
			t.Fatalf("%s: expected ErrInvalidPayload, got %v", payload, err)
		}
	}
}
