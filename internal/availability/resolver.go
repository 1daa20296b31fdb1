package availability

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/MarcoPoloResearchLab/clubhouse/backend/internal/businesstime"
	"github.com/MarcoPoloResearchLab/clubhouse/backend/internal/calendar"
	"github.com/MarcoPoloResearchLab/clubhouse/backend/internal/resources"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const defaultGranularityMinutes = 5

var (
	// ErrInvalidDuration indicates a non-positive slot duration.
	ErrInvalidDuration = errors.New("availability: duration must be positive")
	// ErrUnknownResource indicates that the resource does not exist.
	ErrUnknownResource = errors.New("availability: unknown resource")

	errMissingResources = errors.New("availability: resource reader is required")
	errMissingBookings  = errors.New("availability: booking reader is required")
	errMissingBlocks    = errors.New("availability: block reader is required")
)

var tracer = otel.Tracer("clubhouse.internal.availability")

// ResourceReader loads a single resource; unknown identifiers yield ErrUnknownResource.
type ResourceReader interface {
	Resource(ctx context.Context, id int64) (resources.Resource, error)
}

// BookingReader lists confirmed bookings of a resource on a date.
type BookingReader interface {
	ConfirmedBookings(ctx context.Context, resourceID int64, date businesstime.Date) ([]Interval, error)
}

// BlockReader lists manual and closure-derived blocks of a resource on a date.
type BlockReader interface {
	Blocks(ctx context.Context, resourceID int64, date businesstime.Date) ([]Interval, error)
}

// CalendarResolver maps a resource's calendar name to a calendar identifier.
type CalendarResolver interface {
	Lookup(ctx context.Context, name string) (string, error)
}

// Observer receives availability outcomes; a nil Observer is ignored.
type Observer interface {
	ObserveAvailability(resourceType string, degraded bool, elapsed time.Duration)
}

// ResolverConfig wires a Resolver.
type ResolverConfig struct {
	Resources ResourceReader
	Bookings  BookingReader
	Blocks    BlockReader
	// Busy and Calendars are optional; without them remote busy periods are skipped.
	Busy               calendar.BusySource
	Calendars          CalendarResolver
	Zone               businesstime.Zone
	DefaultSchedule    WeeklySchedule
	Schedules          map[string]WeeklySchedule
	GranularityMinutes int
	Observer           Observer
	Logger             *zap.Logger
}

// Resolver computes the bookable slot grid of a resource.
type Resolver struct {
	resources       ResourceReader
	bookings        BookingReader
	blocks          BlockReader
	busy            calendar.BusySource
	calendars       CalendarResolver
	zone            businesstime.Zone
	defaultSchedule WeeklySchedule
	schedules       map[string]WeeklySchedule
	granularity     int
	observer        Observer
	logger          *zap.Logger
}

// NewResolver validates the configuration and constructs a Resolver.
func NewResolver(cfg ResolverConfig) (*Resolver, error) {
	if cfg.Resources == nil {
		return nil, errMissingResources
	}
	if cfg.Bookings == nil {
		return nil, errMissingBookings
	}
	if cfg.Blocks == nil {
		return nil, errMissingBlocks
	}
	schedule := cfg.DefaultSchedule
	if schedule == nil {
		schedule = DefaultWeeklySchedule()
	}
	granularity := cfg.GranularityMinutes
	if granularity <= 0 {
		granularity = defaultGranularityMinutes
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Resolver{
		resources:       cfg.Resources,
		bookings:        cfg.Bookings,
		blocks:          cfg.Blocks,
		busy:            cfg.Busy,
		calendars:       cfg.Calendars,
		zone:            cfg.Zone,
		defaultSchedule: schedule,
		schedules:       cfg.Schedules,
		granularity:     granularity,
		observer:        cfg.Observer,
		logger:          logger,
	}, nil
}

// Result is the slot grid plus whether remote busy periods had to be skipped.
type Result struct {
	Slots    []Slot
	Degraded bool
}

// ComputeSlots returns the ordered slot grid for resourceID on date.
func (r *Resolver) ComputeSlots(ctx context.Context, resourceID int64, date businesstime.Date, durationMinutes int) ([]Slot, error) {
	result, err := r.Resolve(ctx, resourceID, date, durationMinutes)
	if err != nil {
		return nil, err
	}
	return result.Slots, nil
}

// Resolve computes the slot grid. Bookings, blocks, and remote busy periods are
// gathered concurrently and then evaluated as one union. A failing remote
// lookup degrades the result to local sources; local failures are returned.
func (r *Resolver) Resolve(ctx context.Context, resourceID int64, date businesstime.Date, durationMinutes int) (Result, error) {
	if durationMinutes <= 0 {
		return Result{}, ErrInvalidDuration
	}
	started := time.Now()
	ctx, span := tracer.Start(ctx, "availability.resolve")
	defer span.End()
	span.SetAttributes(
		attribute.Int64("resource.id", resourceID),
		attribute.String("date", date.String()),
		attribute.Int("duration_minutes", durationMinutes),
	)

	resource, err := r.resources.Resource(ctx, resourceID)
	if err != nil {
		return Result{}, err
	}

	hours, open := r.scheduleFor(resource).HoursOn(date)
	if !open {
		r.observe(resource, false, started)
		return Result{Slots: []Slot{}}, nil
	}

	var bookings, blocks, busy []Interval
	degraded := false
	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error {
		intervals, err := r.bookings.ConfirmedBookings(groupCtx, resourceID, date)
		if err != nil {
			return fmt.Errorf("availability: load bookings: %w", err)
		}
		bookings = intervals
		return nil
	})
	group.Go(func() error {
		intervals, err := r.blocks.Blocks(groupCtx, resourceID, date)
		if err != nil {
			return fmt.Errorf("availability: load blocks: %w", err)
		}
		blocks = intervals
		return nil
	})
	if resource.CalendarBacked() && r.busy != nil && r.calendars != nil {
		group.Go(func() error {
			intervals, err := r.remoteBusy(groupCtx, resource, date)
			if err != nil {
				if groupCtx.Err() != nil && ctx.Err() == nil {
					// A sibling local lookup failed and cancelled this one.
					return nil
				}
				r.logger.Warn("remote busy periods unavailable, using local sources only",
					zap.Int64("resource_id", resourceID),
					zap.String("date", date.String()),
					zap.Error(err))
				degraded = true
				return nil
			}
			busy = intervals
			return nil
		})
	}
	if err := group.Wait(); err != nil {
		span.RecordError(err)
		return Result{}, err
	}

	occupied := make([]Interval, 0, len(bookings)+len(blocks)+len(busy))
	occupied = append(occupied, bookings...)
	occupied = append(occupied, blocks...)
	occupied = append(occupied, busy...)

	cutoff := businesstime.WallTime(-1)
	if today, now := r.zone.Now(); today == date {
		cutoff = now
	}

	slots := buildSlots(hours, durationMinutes, r.granularity, cutoff, occupied)
	span.SetAttributes(attribute.Bool("degraded", degraded), attribute.Int("slot_count", len(slots)))
	r.observe(resource, degraded, started)
	return Result{Slots: slots, Degraded: degraded}, nil
}

func (r *Resolver) scheduleFor(resource resources.Resource) WeeklySchedule {
	if schedule, ok := r.schedules[resource.Type]; ok {
		return schedule
	}
	return r.defaultSchedule
}

// remoteBusy fetches busy periods for the whole business day and clips them to wall times on date.
func (r *Resolver) remoteBusy(ctx context.Context, resource resources.Resource, date businesstime.Date) ([]Interval, error) {
	calendarID, err := r.calendars.Lookup(ctx, resource.CalendarName)
	if err != nil {
		return nil, err
	}
	dayStart := r.zone.StartOfDay(date)
	dayEnd := r.zone.StartOfDay(date.AddDays(1))
	periods, err := r.busy.GetBusyPeriods(ctx, calendarID, dayStart, dayEnd)
	if err != nil {
		return nil, err
	}

	intervals := make([]Interval, 0, len(periods))
	for _, period := range periods {
		if !period.Start.Before(dayEnd) || !dayStart.Before(period.End) {
			continue
		}
		start := businesstime.WallTime(0)
		if period.Start.After(dayStart) {
			_, start = r.zone.FromInstant(period.Start)
		}
		end := businesstime.WallTime(businesstime.MinutesPerDay)
		if period.End.Before(dayEnd) {
			_, end = r.zone.FromInstant(period.End)
		}
		if end > start {
			intervals = append(intervals, Interval{Start: start, End: end})
		}
	}
	return intervals, nil
}

func (r *Resolver) observe(resource resources.Resource, degraded bool, started time.Time) {
	if r.observer == nil {
		return
	}
	r.observer.ObserveAvailability(resource.Type, degraded, time.Since(started))
}

// buildSlots generates every start from opening at the given granularity that
// fits before closing. Starts at or before cutoff are dropped; a slot is
// available only when it overlaps none of the occupied intervals.
func buildSlots(hours Hours, duration, granularity int, cutoff businesstime.WallTime, occupied []Interval) []Slot {
	slots := []Slot{}
	for start := hours.Open; start.Add(duration) <= hours.Close; start = start.Add(granularity) {
		if start <= cutoff {
			continue
		}
		candidate := Interval{Start: start, End: start.Add(duration)}
		available := true
		for _, interval := range occupied {
			if candidate.Overlaps(interval) {
				available = false
				break
			}
		}
		slots = append(slots, Slot{Start: candidate.Start, End: candidate.End, Available: available})
	}
	return slots
}
