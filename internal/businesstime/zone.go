package businesstime

import (
	"fmt"
	"iter"
	"strings"
	"time"
	_ "time/tzdata"
)

// DefaultTimezone is the club's business timezone.
const DefaultTimezone = "America/Los_Angeles"

// Zone converts between business wall-clock pairs and instants.
//
// Offsets are always looked up for the converted moment itself, so a date on
// the far side of a daylight-saving transition gets its own offset rather than
// the one in force when the conversion runs.
type Zone struct {
	location *time.Location
	clock    func() time.Time
}

// NewZone loads the named IANA location. An empty name selects DefaultTimezone
// and a nil clock selects time.Now.
func NewZone(name string, clock func() time.Time) (Zone, error) {
	trimmed := strings.TrimSpace(name)
	if trimmed == "" {
		trimmed = DefaultTimezone
	}
	location, err := time.LoadLocation(trimmed)
	if err != nil {
		return Zone{}, fmt.Errorf("businesstime: load location %q: %w", trimmed, err)
	}
	if clock == nil {
		clock = time.Now
	}
	return Zone{location: location, clock: clock}, nil
}

// Location exposes the underlying time.Location.
func (z Zone) Location() *time.Location {
	if z.location == nil {
		return time.UTC
	}
	return z.location
}

// ToInstant returns the instant of the wall-clock pair in the business zone.
// 24:00 resolves to midnight of the following day.
func (z Zone) ToInstant(date Date, wall WallTime) time.Time {
	return time.Date(date.Year, date.Month, date.Day, wall.Hour(), wall.Minute(), 0, 0, z.Location())
}

// ToBusinessWall formats the wall-clock pair as an RFC3339 instant carrying the
// offset valid at that moment.
func (z Zone) ToBusinessWall(date Date, wall WallTime) string {
	return z.ToInstant(date, wall).Format(time.RFC3339)
}

// FromInstant returns the business date and wall time of the instant.
func (z Zone) FromInstant(instant time.Time) (Date, WallTime) {
	local := instant.In(z.Location())
	return DateOf(local), WallTimeOf(local)
}

// StartOfDay returns the instant of local midnight on date.
func (z Zone) StartOfDay(date Date) time.Time {
	return z.ToInstant(date, 0)
}

// Now returns the current business date and wall time.
func (z Zone) Now() (Date, WallTime) {
	return z.FromInstant(z.now())
}

// Today returns the current business date.
func (z Zone) Today() Date {
	date, _ := z.Now()
	return date
}

func (z Zone) now() time.Time {
	if z.clock == nil {
		return time.Now()
	}
	return z.clock()
}

// InvalidRangeError reports a date range whose end precedes its start.
type InvalidRangeError struct {
	Start Date
	End   Date
}

func (e *InvalidRangeError) Error() string {
	return fmt.Sprintf("businesstime: invalid range: end %s is before start %s", e.End, e.Start)
}

// ExpandDateRange yields every date from start to end inclusive. The returned
// sequence is lazy and may be ranged over any number of times.
func ExpandDateRange(start, end Date) (iter.Seq[Date], error) {
	if end.Before(start) {
		return nil, &InvalidRangeError{Start: start, End: end}
	}
	return func(yield func(Date) bool) {
		for current := start; !current.After(end); current = current.AddDays(1) {
			if !yield(current) {
				return
			}
		}
	}, nil
}
