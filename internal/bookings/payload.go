package bookings

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/MarcoPoloResearchLab/clubhouse/backend/internal/businesstime"
)

// ErrInvalidPayload indicates an approval payload that cannot be normalized.
var ErrInvalidPayload = errors.New("bookings: invalid payload")

// ApprovedBooking is the normalized form of an approved booking handed over by
// the booking subsystem.
type ApprovedBooking struct {
	RequestID       int64
	ResourceID      int64
	ResourceName    string
	MemberEmail     string
	MemberName      string
	Date            businesstime.Date
	StartTime       businesstime.WallTime
	EndTime         businesstime.WallTime
	DurationMinutes int
	Notes           string
}

// rawPayload accepts both naming conventions emitted by collaborators.
type rawPayload struct {
	ID               json.RawMessage `json:"id"`
	RequestID        json.RawMessage `json:"request_id"`
	RequestIDCamel   json.RawMessage `json:"requestId"`
	BayID            json.RawMessage `json:"bay_id"`
	BayIDCamel       json.RawMessage `json:"bayId"`
	ResourceID       json.RawMessage `json:"resource_id"`
	ResourceIDCamel  json.RawMessage `json:"resourceId"`
	BayName          string          `json:"bay_name"`
	BayNameCamel     string          `json:"bayName"`
	UserEmail        string          `json:"user_email"`
	UserEmailCamel   string          `json:"userEmail"`
	UserName         string          `json:"user_name"`
	UserNameCamel    string          `json:"userName"`
	RequestDate      string          `json:"request_date"`
	RequestDateCamel string          `json:"requestDate"`
	StartTime        string          `json:"start_time"`
	StartTimeCamel   string          `json:"startTime"`
	EndTime          string          `json:"end_time"`
	EndTimeCamel     string          `json:"endTime"`
	Duration         json.RawMessage `json:"duration_minutes"`
	DurationCamel    json.RawMessage `json:"durationMinutes"`
	Notes            string          `json:"notes"`
}

// DecodeBookingPayload normalizes a camelCase or snake_case approval payload.
// When both spellings are present the snake_case value wins.
func DecodeBookingPayload(body []byte) (ApprovedBooking, error) {
	var raw rawPayload
	if err := json.Unmarshal(body, &raw); err != nil {
		return ApprovedBooking{}, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}

	requestID, err := firstInt(raw.RequestID, raw.RequestIDCamel, raw.ID)
	if err != nil {
		return ApprovedBooking{}, fmt.Errorf("%w: request id: %v", ErrInvalidPayload, err)
	}
	resourceID, err := firstInt(raw.BayID, raw.BayIDCamel, raw.ResourceID, raw.ResourceIDCamel)
	if err != nil {
		return ApprovedBooking{}, fmt.Errorf("%w: resource id: %v", ErrInvalidPayload, err)
	}
	date, err := businesstime.ParseDate(firstString(raw.RequestDate, raw.RequestDateCamel))
	if err != nil {
		return ApprovedBooking{}, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	start, err := businesstime.ParseWallTime(firstString(raw.StartTime, raw.StartTimeCamel))
	if err != nil {
		return ApprovedBooking{}, fmt.Errorf("%w: start time: %v", ErrInvalidPayload, err)
	}
	end, err := businesstime.ParseWallTime(firstString(raw.EndTime, raw.EndTimeCamel))
	if err != nil {
		return ApprovedBooking{}, fmt.Errorf("%w: end time: %v", ErrInvalidPayload, err)
	}
	if end <= start {
		return ApprovedBooking{}, fmt.Errorf("%w: end time %s is not after start time %s", ErrInvalidPayload, end, start)
	}
	duration, err := firstInt(raw.Duration, raw.DurationCamel)
	if err != nil {
		duration = int64(end.Minutes() - start.Minutes())
	}

	booking := ApprovedBooking{
		RequestID:       requestID,
		ResourceID:      resourceID,
		ResourceName:    firstString(raw.BayName, raw.BayNameCamel),
		MemberEmail:     firstString(raw.UserEmail, raw.UserEmailCamel),
		MemberName:      firstString(raw.UserName, raw.UserNameCamel),
		Date:            date,
		StartTime:       start,
		EndTime:         end,
		DurationMinutes: int(duration),
		Notes:           strings.TrimSpace(raw.Notes),
	}
	if booking.MemberEmail == "" {
		return ApprovedBooking{}, fmt.Errorf("%w: member email is required", ErrInvalidPayload)
	}
	return booking, nil
}

func firstString(values ...string) string {
	for _, value := range values {
		if trimmed := strings.TrimSpace(value); trimmed != "" {
			return trimmed
		}
	}
	return ""
}

// firstInt returns the first present value, accepting JSON numbers and numeric strings.
func firstInt(values ...json.RawMessage) (int64, error) {
	for _, value := range values {
		if len(value) == 0 || string(value) == "null" {
			continue
		}
		var number int64
		if err := json.Unmarshal(value, &number); err == nil {
			return number, nil
		}
		var text string
		if err := json.Unmarshal(value, &text); err == nil {
			parsed, err := strconv.ParseInt(strings.TrimSpace(text), 10, 64)
			if err != nil {
				return 0, err
			}
			return parsed, nil
		}
		return 0, fmt.Errorf("unsupported value %s", string(value))
	}
	return 0, errors.New("missing")
}
