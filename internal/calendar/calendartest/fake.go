// Package calendartest provides an in-memory calendar for exercising the core.
package calendartest

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/clubhouse/backend/internal/calendar"
)

// Calls counts port invocations by operation.
type Calls struct {
	List   int
	Create int
	Update int
	Delete int
	Busy   int
}

// Writes is the number of remote mutations.
func (c Calls) Writes() int {
	return c.Create + c.Update + c.Delete
}

// Calendar is an in-memory calendar.Port. Every write assigns a fresh version
// tag and stamps the event with the fake clock.
type Calendar struct {
	mu        sync.Mutex
	clock     func() time.Time
	events    map[string]map[string]calendar.RemoteEvent
	busy      map[string][]calendar.BusyPeriod
	sequence  int
	calls     Calls
	updates   []calendar.EventInput
	ListErr   error
	CreateErr error
	UpdateErr error
	DeleteErr error
	BusyErr   error
}

var _ calendar.Port = (*Calendar)(nil)

// New constructs an empty calendar using clock for remote timestamps.
func New(clock func() time.Time) *Calendar {
	if clock == nil {
		clock = time.Now
	}
	return &Calendar{
		clock:  clock,
		events: map[string]map[string]calendar.RemoteEvent{},
		busy:   map[string][]calendar.BusyPeriod{},
	}
}

// Put stores event as if it were edited remotely and returns the stored copy.
// Missing identifiers are generated.
func (c *Calendar) Put(calendarID string, event calendar.RemoteEvent) calendar.RemoteEvent {
	c.mu.Lock()
	defer c.mu.Unlock()
	if event.ID == "" {
		event.ID = c.nextIDLocked()
	}
	event.VersionTag = c.nextTagLocked()
	now := c.clock().UTC()
	event.UpdatedAt = &now
	if event.Status == "" {
		event.Status = calendar.StatusConfirmed
	}
	event.ExtendedProperties = maps.Clone(event.ExtendedProperties)
	c.calendarLocked(calendarID)[event.ID] = event
	return event
}

// Remove deletes an event out of band.
func (c *Calendar) Remove(calendarID, eventID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.calendarLocked(calendarID), eventID)
}

// Event returns the stored event.
func (c *Calendar) Event(calendarID, eventID string) (calendar.RemoteEvent, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	event, ok := c.calendarLocked(calendarID)[eventID]
	return event, ok
}

// Events returns every stored event of the calendar.
func (c *Calendar) Events(calendarID string) []calendar.RemoteEvent {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sortedLocked(calendarID)
}

// SetBusy replaces the busy periods reported for the calendar.
func (c *Calendar) SetBusy(calendarID string, periods ...calendar.BusyPeriod) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.busy[calendarID] = slices.Clone(periods)
}

// Calls returns a snapshot of the invocation counters.
func (c *Calendar) Calls() Calls {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls
}

// Updates returns the inputs of every successful UpdateEvent call.
func (c *Calendar) Updates() []calendar.EventInput {
	c.mu.Lock()
	defer c.mu.Unlock()
	return slices.Clone(c.updates)
}

// ResetCalls zeroes the invocation counters.
func (c *Calendar) ResetCalls() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls = Calls{}
	c.updates = nil
}

func (c *Calendar) ListEvents(_ context.Context, calendarID string, since time.Time, limit int) ([]calendar.RemoteEvent, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls.List++
	if c.ListErr != nil {
		return nil, c.ListErr
	}
	var listed []calendar.RemoteEvent
	for _, event := range c.sortedLocked(calendarID) {
		if event.Cancelled() {
			continue
		}
		if endOf(event).Before(since) {
			continue
		}
		listed = append(listed, event)
		if limit > 0 && len(listed) == limit {
			break
		}
	}
	return listed, nil
}

func (c *Calendar) CreateEvent(_ context.Context, calendarID string, input calendar.EventInput) (calendar.EventVersion, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls.Create++
	if c.CreateErr != nil {
		return calendar.EventVersion{}, c.CreateErr
	}
	event := fromInput(c.nextIDLocked(), input)
	return c.storeLocked(calendarID, event), nil
}

func (c *Calendar) UpdateEvent(_ context.Context, calendarID, eventID string, input calendar.EventInput) (calendar.EventVersion, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls.Update++
	if c.UpdateErr != nil {
		return calendar.EventVersion{}, c.UpdateErr
	}
	existing, ok := c.calendarLocked(calendarID)[eventID]
	if !ok {
		return calendar.EventVersion{}, fmt.Errorf("%w: %s", calendar.ErrNotFound, eventID)
	}
	event := fromInput(eventID, input)
	merged := maps.Clone(existing.ExtendedProperties)
	if merged == nil {
		merged = map[string]string{}
	}
	maps.Copy(merged, input.ExtendedProperties)
	event.ExtendedProperties = merged
	c.updates = append(c.updates, input)
	return c.storeLocked(calendarID, event), nil
}

func (c *Calendar) DeleteEvent(_ context.Context, calendarID, eventID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls.Delete++
	if c.DeleteErr != nil {
		return c.DeleteErr
	}
	events := c.calendarLocked(calendarID)
	if _, ok := events[eventID]; !ok {
		return fmt.Errorf("%w: %s", calendar.ErrNotFound, eventID)
	}
	delete(events, eventID)
	return nil
}

func (c *Calendar) GetBusyPeriods(_ context.Context, calendarID string, from, to time.Time) ([]calendar.BusyPeriod, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls.Busy++
	if c.BusyErr != nil {
		return nil, c.BusyErr
	}
	var periods []calendar.BusyPeriod
	for _, period := range c.busy[calendarID] {
		if period.Start.Before(to) && from.Before(period.End) {
			periods = append(periods, period)
		}
	}
	return periods, nil
}

func (c *Calendar) storeLocked(calendarID string, event calendar.RemoteEvent) calendar.EventVersion {
	event.VersionTag = c.nextTagLocked()
	now := c.clock().UTC()
	event.UpdatedAt = &now
	event.Status = calendar.StatusConfirmed
	c.calendarLocked(calendarID)[event.ID] = event
	return calendar.EventVersion{ID: event.ID, VersionTag: event.VersionTag, UpdatedAt: &now}
}

func (c *Calendar) calendarLocked(calendarID string) map[string]calendar.RemoteEvent {
	events, ok := c.events[calendarID]
	if !ok {
		events = map[string]calendar.RemoteEvent{}
		c.events[calendarID] = events
	}
	return events
}

func (c *Calendar) sortedLocked(calendarID string) []calendar.RemoteEvent {
	events := slices.Collect(maps.Values(c.calendarLocked(calendarID)))
	slices.SortFunc(events, func(a, b calendar.RemoteEvent) int {
		if byStart := startOf(a).Compare(startOf(b)); byStart != 0 {
			return byStart
		}
		return strings.Compare(a.ID, b.ID)
	})
	return events
}

func (c *Calendar) nextIDLocked() string {
	c.sequence++
	return fmt.Sprintf("remote-%d", c.sequence)
}

func (c *Calendar) nextTagLocked() string {
	c.sequence++
	return fmt.Sprintf(`"etag-%d"`, c.sequence)
}

func fromInput(id string, input calendar.EventInput) calendar.RemoteEvent {
	return calendar.RemoteEvent{
		ID:                 id,
		Title:              input.Title,
		Description:        input.Description,
		Location:           input.Location,
		Start:              input.Start,
		End:                input.End,
		ExtendedProperties: maps.Clone(input.ExtendedProperties),
	}
}

func startOf(event calendar.RemoteEvent) time.Time {
	if event.Start.AllDay {
		return time.Date(event.Start.Date.Year, event.Start.Date.Month, event.Start.Date.Day, 0, 0, 0, 0, time.UTC)
	}
	return event.Start.Instant
}

func endOf(event calendar.RemoteEvent) time.Time {
	if event.End.AllDay {
		return time.Date(event.End.Date.Year, event.End.Date.Month, event.End.Date.Day+1, 0, 0, 0, 0, time.UTC)
	}
	return event.End.Instant
}
