package reconcile

import (
	"context"
	"strconv"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/clubhouse/backend/internal/businesstime"
	"github.com/MarcoPoloResearchLab/clubhouse/backend/internal/calendar"
	"github.com/MarcoPoloResearchLab/clubhouse/backend/internal/records"
)

// Extended property keys written on pushed events.
const (
	propertyRecordID      = "clubhouse_id"
	propertyKind          = "clubhouse_kind"
	propertyCategory      = "category"
	propertyVisibility    = "visibility"
	propertyInstructor    = "instructor"
	propertyCapacity      = "capacity"
	propertyAffectedAreas = "affected_areas"
)

const (
	defaultEventCategory    = "Social"
	defaultEventVisibility  = "public"
	defaultWellnessCategory = "Wellness"
	defaultInstructor       = "TBD"
	defaultCapacity         = 10
	defaultClassDuration    = 60
	defaultAffectedAreas    = "entire_facility"
)

var (
	lastMinute       = businesstime.NewWallTime(23, 59)
	allDayClassStart = businesstime.NewWallTime(9, 0)
)

// mapper translates between one record kind and remote events.
type mapper interface {
	kind() records.Kind
	newRecord(id string, now time.Time) records.Record
	snapshot(record records.Record) records.Record
	fromRemote(record records.Record, remote calendar.RemoteEvent, created bool)
	toInput(record records.Record) calendar.EventInput
	// retire applies the remote-deletion policy and reports whether the row
	// must be hard-deleted.
	retire(record records.Record) bool
	afterWrite(ctx context.Context, before, after records.Record) error
}

type eventMapper struct {
	zone businesstime.Zone
}

func (eventMapper) kind() records.Kind { return records.KindEvents }

func (eventMapper) newRecord(id string, now time.Time) records.Record {
	return &records.Event{ID: id, CreatedAt: now, UpdatedAt: now}
}

func (eventMapper) snapshot(record records.Record) records.Record {
	copied := *record.(*records.Event)
	return &copied
}

func (m eventMapper) fromRemote(record records.Record, remote calendar.RemoteEvent, created bool) {
	event := record.(*records.Event)
	event.Title = remote.Title
	event.Description = remote.Description
	event.Location = remote.Location
	event.Date, event.StartTime, event.EndTime, event.AllDay = wallWindow(m.zone, remote)
	event.Category = propertyOr(remote, propertyCategory, keepOr(event.Category, created, defaultEventCategory))
	event.Visibility = propertyOr(remote, propertyVisibility, keepOr(event.Visibility, created, defaultEventVisibility))
}

func (m eventMapper) toInput(record records.Record) calendar.EventInput {
	event := record.(*records.Event)
	input := calendar.EventInput{
		Title:       event.Title,
		Description: event.Description,
		Location:    event.Location,
		ExtendedProperties: map[string]string{
			propertyRecordID:   event.ID,
			propertyKind:       string(records.KindEvents),
			propertyCategory:   event.Category,
			propertyVisibility: event.Visibility,
		},
	}
	if event.AllDay {
		input.Start = calendar.OnDate(event.Date)
		input.End = calendar.OnDate(event.Date)
		return input
	}
	input.Start = calendar.At(m.zone.ToInstant(event.Date, event.StartTime))
	input.End = calendar.At(m.zone.ToInstant(event.Date, event.EndTime))
	return input
}

func (eventMapper) retire(records.Record) bool { return true }

func (eventMapper) afterWrite(context.Context, records.Record, records.Record) error { return nil }

type wellnessMapper struct {
	zone businesstime.Zone
}

func (wellnessMapper) kind() records.Kind { return records.KindWellness }

func (wellnessMapper) newRecord(id string, now time.Time) records.Record {
	return &records.WellnessClass{ID: id, IsActive: true, CreatedAt: now, UpdatedAt: now}
}

func (wellnessMapper) snapshot(record records.Record) records.Record {
	copied := *record.(*records.WellnessClass)
	return &copied
}

func (m wellnessMapper) fromRemote(record records.Record, remote calendar.RemoteEvent, created bool) {
	class := record.(*records.WellnessClass)
	details := parseWellnessTitle(remote.Title, remote.Description)
	if details.Instructor == "" {
		details.Instructor = propertyOr(remote, propertyInstructor, keepOr(class.Instructor, created, defaultInstructor))
	}
	if details.Category == "" {
		details.Category = propertyOr(remote, propertyCategory, keepOr(class.Category, created, defaultWellnessCategory))
	}
	class.Title = details.Title
	class.Instructor = details.Instructor
	class.Category = details.Category
	class.Description = remote.Description
	class.IsActive = true

	if remote.Start.AllDay {
		class.Date = remote.Start.Date
		class.StartTime = allDayClassStart
		class.DurationMinutes = defaultClassDuration
	} else {
		class.Date, class.StartTime = m.zone.FromInstant(remote.Start.Instant)
		class.DurationMinutes = int(remote.End.Instant.Sub(remote.Start.Instant) / time.Minute)
		if class.DurationMinutes <= 0 {
			class.DurationMinutes = defaultClassDuration
		}
	}

	if capacity, err := strconv.Atoi(remote.ExtendedProperties[propertyCapacity]); err == nil && capacity > 0 {
		class.Capacity = capacity
	} else if created || class.Capacity <= 0 {
		class.Capacity = defaultCapacity
	}
}

func (m wellnessMapper) toInput(record records.Record) calendar.EventInput {
	class := record.(*records.WellnessClass)
	start := m.zone.ToInstant(class.Date, class.StartTime)
	return calendar.EventInput{
		Title:       formatWellnessTitle(class.Category, class.Title, class.Instructor),
		Description: class.Description,
		Start:       calendar.At(start),
		End:         calendar.At(start.Add(time.Duration(class.DurationMinutes) * time.Minute)),
		ExtendedProperties: map[string]string{
			propertyRecordID:   class.ID,
			propertyKind:       string(records.KindWellness),
			propertyCategory:   class.Category,
			propertyInstructor: class.Instructor,
			propertyCapacity:   strconv.Itoa(class.Capacity),
		},
	}
}

func (wellnessMapper) retire(record records.Record) bool {
	record.(*records.WellnessClass).IsActive = false
	return false
}

func (wellnessMapper) afterWrite(context.Context, records.Record, records.Record) error { return nil }

// BlockApplier keeps closure-derived blocks in step with closure rows.
type BlockApplier interface {
	ApplyClosure(ctx context.Context, before, after *records.Closure) error
}

type closureMapper struct {
	zone   businesstime.Zone
	blocks BlockApplier
}

func (closureMapper) kind() records.Kind { return records.KindClosures }

func (closureMapper) newRecord(id string, now time.Time) records.Record {
	return &records.Closure{ID: id, IsActive: true, CreatedBy: "calendar", CreatedAt: now, UpdatedAt: now}
}

func (closureMapper) snapshot(record records.Record) records.Record {
	copied := *record.(*records.Closure)
	return &copied
}

func (m closureMapper) fromRemote(record records.Record, remote calendar.RemoteEvent, created bool) {
	closure := record.(*records.Closure)
	closure.Title = remote.Title
	closure.Reason = remote.Description
	closure.IsActive = true
	if closure.AffectedAreas == "" {
		closure.AffectedAreas = propertyOr(remote, propertyAffectedAreas, defaultAffectedAreas)
	}

	if remote.Start.AllDay {
		closure.StartDate = remote.Start.Date
		closure.EndDate = remote.End.Date
		closure.StartTime = nil
		closure.EndTime = nil
	} else {
		startDate, startTime := m.zone.FromInstant(remote.Start.Instant)
		endDate, endTime := m.zone.FromInstant(remote.End.Instant)
		if endTime == 0 && endDate.After(startDate) {
			endDate = endDate.AddDays(-1)
			endTime = businesstime.WallTime(businesstime.MinutesPerDay)
		}
		closure.StartDate = startDate
		closure.EndDate = endDate
		closure.StartTime = &startTime
		closure.EndTime = &endTime
	}
	if closure.EndDate.Before(closure.StartDate) {
		closure.EndDate = closure.StartDate
	}
}

func (m closureMapper) toInput(record records.Record) calendar.EventInput {
	closure := record.(*records.Closure)
	input := calendar.EventInput{
		Title:       closure.Title,
		Description: closure.Reason,
		ExtendedProperties: map[string]string{
			propertyRecordID:      closure.ID,
			propertyKind:          string(records.KindClosures),
			propertyAffectedAreas: closure.AffectedAreas,
		},
	}
	if closure.AllDay() {
		input.Start = calendar.OnDate(closure.StartDate)
		input.End = calendar.OnDate(closure.EndDate)
		return input
	}
	start, end := businesstime.NewWallTime(8, 0), businesstime.NewWallTime(22, 0)
	if closure.StartTime != nil {
		start = *closure.StartTime
	}
	if closure.EndTime != nil {
		end = *closure.EndTime
	}
	input.Start = calendar.At(m.zone.ToInstant(closure.StartDate, start))
	input.End = calendar.At(m.zone.ToInstant(closure.EndDate, end))
	return input
}

func (closureMapper) retire(record records.Record) bool {
	record.(*records.Closure).IsActive = false
	return false
}

func (m closureMapper) afterWrite(ctx context.Context, before, after records.Record) error {
	if m.blocks == nil {
		return nil
	}
	var previous *records.Closure
	if before != nil {
		previous = before.(*records.Closure)
	}
	return m.blocks.ApplyClosure(ctx, previous, after.(*records.Closure))
}

// wallWindow converts a remote occurrence to a single business date with wall-clock bounds.
// All-day occurrences span the whole day; timed ones crossing midnight end at 23:59.
func wallWindow(zone businesstime.Zone, remote calendar.RemoteEvent) (businesstime.Date, businesstime.WallTime, businesstime.WallTime, bool) {
	if remote.Start.AllDay {
		return remote.Start.Date, 0, lastMinute, true
	}
	date, start := zone.FromInstant(remote.Start.Instant)
	endDate, end := zone.FromInstant(remote.End.Instant)
	if endDate.After(date) {
		if end == 0 && endDate == date.AddDays(1) {
			end = businesstime.WallTime(businesstime.MinutesPerDay)
		} else {
			end = lastMinute
		}
	}
	return date, start, end, false
}

func propertyOr(remote calendar.RemoteEvent, key, fallback string) string {
	if value := strings.TrimSpace(remote.ExtendedProperties[key]); value != "" {
		return value
	}
	return fallback
}

func keepOr(current string, created bool, fallback string) string {
	if created || current == "" {
		return fallback
	}
	return current
}
