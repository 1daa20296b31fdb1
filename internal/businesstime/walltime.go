package businesstime

import (
	"database/sql/driver"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

const (
	minutesPerHour = 60
	// MinutesPerDay is the exclusive upper bound of a wall time; 24:00 is accepted as an end of day.
	MinutesPerDay = 24 * minutesPerHour
)

// ErrInvalidWallTime indicates that a wall-clock time could not be parsed.
var ErrInvalidWallTime = errors.New("businesstime: invalid wall time")

// WallTime is a business wall-clock time of day expressed in minutes after midnight.
type WallTime int

// NewWallTime builds a wall time from hours and minutes.
func NewWallTime(hour, minute int) WallTime {
	return WallTime(hour*minutesPerHour + minute)
}

// ParseWallTime accepts HH:MM or HH:MM:SS; seconds are truncated.
func ParseWallTime(rawInput string) (WallTime, error) {
	trimmed := strings.TrimSpace(rawInput)
	parts := strings.Split(trimmed, ":")
	if len(parts) < 2 || len(parts) > 3 {
		return 0, fmt.Errorf("%w: %q", ErrInvalidWallTime, rawInput)
	}
	hour, err := strconv.Atoi(parts[0])
	if err != nil {
		return 0, fmt.Errorf("%w: %q", ErrInvalidWallTime, rawInput)
	}
	minute, err := strconv.Atoi(parts[1])
	if err != nil {
		return 0, fmt.Errorf("%w: %q", ErrInvalidWallTime, rawInput)
	}
	if len(parts) == 3 {
		if _, err := strconv.Atoi(parts[2]); err != nil {
			return 0, fmt.Errorf("%w: %q", ErrInvalidWallTime, rawInput)
		}
	}
	if hour < 0 || minute < 0 || minute >= minutesPerHour {
		return 0, fmt.Errorf("%w: %q", ErrInvalidWallTime, rawInput)
	}
	value := NewWallTime(hour, minute)
	if value > MinutesPerDay {
		return 0, fmt.Errorf("%w: %q", ErrInvalidWallTime, rawInput)
	}
	return value, nil
}

// WallTimeOf returns the time of day of t in t's own location.
func WallTimeOf(t time.Time) WallTime {
	return NewWallTime(t.Hour(), t.Minute())
}

func (w WallTime) Hour() int {
	return int(w) / minutesPerHour
}

func (w WallTime) Minute() int {
	return int(w) % minutesPerHour
}

// Minutes returns the number of minutes after midnight.
func (w WallTime) Minutes() int {
	return int(w)
}

// Add shifts the wall time by the given number of minutes without wrapping.
func (w WallTime) Add(minutes int) WallTime {
	return w + WallTime(minutes)
}

func (w WallTime) String() string {
	return fmt.Sprintf("%02d:%02d", w.Hour(), w.Minute())
}

func (w WallTime) Value() (driver.Value, error) {
	return w.String(), nil
}

func (w *WallTime) Scan(value any) error {
	switch typed := value.(type) {
	case nil:
		*w = 0
		return nil
	case string:
		parsed, err := ParseWallTime(typed)
		if err != nil {
			return err
		}
		*w = parsed
		return nil
	case []byte:
		parsed, err := ParseWallTime(string(typed))
		if err != nil {
			return err
		}
		*w = parsed
		return nil
	case time.Time:
		*w = WallTimeOf(typed)
		return nil
	default:
		return fmt.Errorf("%w: unsupported column type %T", ErrInvalidWallTime, value)
	}
}

// GormDataType keeps wall times in a text column regardless of dialect.
func (WallTime) GormDataType() string {
	return "text"
}

func (w WallTime) MarshalText() ([]byte, error) {
	return []byte(w.String()), nil
}

func (w *WallTime) UnmarshalText(text []byte) error {
	parsed, err := ParseWallTime(string(text))
	if err != nil {
		return err
	}
	*w = parsed
	return nil
}
