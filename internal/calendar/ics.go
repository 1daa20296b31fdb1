package calendar

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/clubhouse/backend/internal/businesstime"
	ical "github.com/arran4/golang-ical"
	"github.com/teambition/rrule-go"
	"go.uber.org/zap"
)

const (
	icsOccurrenceHorizon     = 400 * 24 * time.Hour
	icsMaxOccurrencesPerRule = 1000
	icsMaxBodyBytes          = 8 << 20
	icsOccurrenceIDLayout    = "20060102T150405Z"
	icsPropertyLastModified  = "LAST-MODIFIED"
	icsPropertyStatus        = "STATUS"
	icsPropertyPrefix        = "X-CLUBHOUSE-"
)

// ICSFeedConfig maps calendar identifiers to subscription URLs.
type ICSFeedConfig struct {
	Feeds          map[string]string
	HTTPClient     *http.Client
	RequestTimeout time.Duration
	Zone           businesstime.Zone
	Logger         *zap.Logger
}

// ICSFeed is a read-only Port over iCalendar subscription feeds. Recurring
// entries are expanded into single occurrences before they leave the adapter.
type ICSFeed struct {
	feeds   map[string]string
	client  *http.Client
	timeout time.Duration
	zone    businesstime.Zone
	logger  *zap.Logger
}

var (
	_ Port   = (*ICSFeed)(nil)
	_ Lister = (*ICSFeed)(nil)
)

// NewICSFeed constructs the adapter.
func NewICSFeed(cfg ICSFeedConfig) *ICSFeed {
	client := cfg.HTTPClient
	if client == nil {
		client = http.DefaultClient
	}
	timeout := cfg.RequestTimeout
	if timeout <= 0 {
		timeout = defaultRequestTimeout
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	feeds := make(map[string]string, len(cfg.Feeds))
	for id, url := range cfg.Feeds {
		feeds[id] = url
	}
	return &ICSFeed{feeds: feeds, client: client, timeout: timeout, zone: cfg.Zone, logger: logger}
}

// ListCalendars reports every configured feed, named by its identifier.
func (f *ICSFeed) ListCalendars(context.Context) ([]Info, error) {
	calendars := make([]Info, 0, len(f.feeds))
	for id := range f.feeds {
		calendars = append(calendars, Info{ID: id, Name: id})
	}
	slices.SortFunc(calendars, func(a, b Info) int { return strings.Compare(a.ID, b.ID) })
	return calendars, nil
}

func (f *ICSFeed) ListEvents(ctx context.Context, calendarID string, since time.Time, limit int) ([]RemoteEvent, error) {
	occurrences, err := f.occurrences(ctx, calendarID, since, since.Add(icsOccurrenceHorizon))
	if err != nil {
		return nil, err
	}
	if limit > 0 && len(occurrences) > limit {
		occurrences = occurrences[:limit]
	}
	return occurrences, nil
}

func (f *ICSFeed) CreateEvent(context.Context, string, EventInput) (EventVersion, error) {
	return EventVersion{}, ErrReadOnly
}

func (f *ICSFeed) UpdateEvent(context.Context, string, string, EventInput) (EventVersion, error) {
	return EventVersion{}, ErrReadOnly
}

func (f *ICSFeed) DeleteEvent(context.Context, string, string) error {
	return ErrReadOnly
}

func (f *ICSFeed) GetBusyPeriods(ctx context.Context, calendarID string, from, to time.Time) ([]BusyPeriod, error) {
	occurrences, err := f.occurrences(ctx, calendarID, from.Add(-24*time.Hour), to)
	if err != nil {
		return nil, err
	}
	periods := make([]BusyPeriod, 0, len(occurrences))
	for _, occurrence := range occurrences {
		start, end := f.instantBounds(occurrence)
		if start.Before(to) && from.Before(end) {
			periods = append(periods, BusyPeriod{Start: start, End: end})
		}
	}
	return periods, nil
}

func (f *ICSFeed) occurrences(ctx context.Context, calendarID string, from, to time.Time) ([]RemoteEvent, error) {
	body, err := f.fetch(ctx, calendarID)
	if err != nil {
		return nil, err
	}
	parsed, err := ical.ParseCalendar(bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("%w: parse feed %s: %w", ErrRemoteUnavailable, calendarID, err)
	}

	var occurrences []RemoteEvent
	for _, component := range parsed.Events() {
		base, rule, err := f.parseEvent(component)
		if err != nil {
			f.logger.Warn("skipping unparseable feed entry", zap.String("calendar_id", calendarID), zap.Error(err))
			continue
		}
		if base.Cancelled() {
			continue
		}
		if rule == "" {
			start, end := f.instantBounds(base)
			if !end.Before(from) && start.Before(to) {
				occurrences = append(occurrences, base)
			}
			continue
		}
		expanded, err := f.expand(base, rule, component, from, to)
		if err != nil {
			f.logger.Warn("skipping unexpandable recurrence", zap.String("event_id", base.ID), zap.Error(err))
			continue
		}
		occurrences = append(occurrences, expanded...)
	}

	slices.SortFunc(occurrences, func(a, b RemoteEvent) int {
		startA, _ := f.instantBounds(a)
		startB, _ := f.instantBounds(b)
		return startA.Compare(startB)
	})
	return occurrences, nil
}

func (f *ICSFeed) fetch(ctx context.Context, calendarID string) ([]byte, error) {
	url, ok := f.feeds[calendarID]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrCalendarNotFound, calendarID)
	}
	callCtx, cancel := context.WithTimeout(ctx, f.timeout)
	defer cancel()

	request, err := http.NewRequestWithContext(callCtx, http.MethodGet, url, http.NoBody)
	if err != nil {
		return nil, fmt.Errorf("%w: build request: %w", ErrRemoteUnavailable, err)
	}
	response, err := f.client.Do(request)
	if err != nil {
		return nil, fmt.Errorf("%w: fetch feed %s: %w", ErrRemoteUnavailable, calendarID, err)
	}
	defer response.Body.Close()
	if response.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: fetch feed %s: status %d", ErrRemoteUnavailable, calendarID, response.StatusCode)
	}
	body, err := io.ReadAll(io.LimitReader(response.Body, icsMaxBodyBytes))
	if err != nil {
		return nil, fmt.Errorf("%w: read feed %s: %w", ErrRemoteUnavailable, calendarID, err)
	}
	return body, nil
}

func (f *ICSFeed) parseEvent(component *ical.VEvent) (RemoteEvent, string, error) {
	uid := component.GetProperty(ical.ComponentPropertyUniqueId)
	if uid == nil || uid.Value == "" {
		return RemoteEvent{}, "", fmt.Errorf("calendar: feed entry missing UID")
	}

	event := RemoteEvent{ID: uid.Value, Status: StatusConfirmed}
	if property := component.GetProperty(ical.ComponentPropertySummary); property != nil {
		event.Title = property.Value
	}
	if property := component.GetProperty(ical.ComponentPropertyDescription); property != nil {
		event.Description = property.Value
	}
	if property := component.GetProperty(ical.ComponentPropertyLocation); property != nil {
		event.Location = property.Value
	}
	if property := component.GetProperty(icsPropertyStatus); property != nil {
		event.Status = strings.ToLower(strings.TrimSpace(property.Value))
	}

	start, err := f.parseTimeProperty(component.GetProperty(ical.ComponentPropertyDtStart), false)
	if err != nil {
		return RemoteEvent{}, "", fmt.Errorf("calendar: %s DTSTART: %w", uid.Value, err)
	}
	event.Start = start
	endProperty := component.GetProperty(ical.ComponentPropertyDtEnd)
	if endProperty == nil {
		event.End = start
	} else {
		end, err := f.parseTimeProperty(endProperty, true)
		if err != nil {
			return RemoteEvent{}, "", fmt.Errorf("calendar: %s DTEND: %w", uid.Value, err)
		}
		event.End = end
	}

	sequence := "0"
	if property := component.GetProperty(ical.ComponentPropertySequence); property != nil {
		if _, err := strconv.Atoi(strings.TrimSpace(property.Value)); err == nil {
			sequence = strings.TrimSpace(property.Value)
		}
	}
	lastModified := ""
	if property := component.GetProperty(icsPropertyLastModified); property != nil {
		lastModified = property.Value
		if updated, err := time.Parse(icsOccurrenceIDLayout, strings.TrimSpace(property.Value)); err == nil {
			event.UpdatedAt = &updated
		}
	}
	event.VersionTag = sequence + "-" + lastModified

	for _, property := range component.Properties {
		name, ok := strings.CutPrefix(strings.ToUpper(property.IANAToken), icsPropertyPrefix)
		if !ok {
			continue
		}
		if event.ExtendedProperties == nil {
			event.ExtendedProperties = map[string]string{}
		}
		event.ExtendedProperties[strings.ToLower(strings.ReplaceAll(name, "-", "_"))] = property.Value
	}

	rule := ""
	if property := component.GetProperty(ical.ComponentPropertyRrule); property != nil {
		rule = property.Value
	}
	return event, rule, nil
}

func (f *ICSFeed) parseTimeProperty(property *ical.IANAProperty, isEnd bool) (EventTime, error) {
	if property == nil {
		return EventTime{}, fmt.Errorf("missing value")
	}
	value := strings.TrimSpace(property.Value)
	allDay := !strings.Contains(value, "T")
	if values, ok := property.ICalParameters["VALUE"]; ok && len(values) > 0 && strings.EqualFold(values[0], "DATE") {
		allDay = true
	}
	if allDay {
		parsed, err := time.Parse("20060102", value)
		if err != nil {
			return EventTime{}, err
		}
		date := businesstime.DateOf(parsed)
		if isEnd {
			date = date.AddDays(-1)
		}
		return OnDate(date), nil
	}

	if strings.HasSuffix(value, "Z") {
		parsed, err := time.Parse(icsOccurrenceIDLayout, value)
		if err != nil {
			return EventTime{}, err
		}
		return At(parsed), nil
	}
	location := f.zone.Location()
	if zones, ok := property.ICalParameters["TZID"]; ok && len(zones) > 0 {
		if loaded, err := time.LoadLocation(zones[0]); err == nil {
			location = loaded
		}
	}
	parsed, err := time.ParseInLocation("20060102T150405", value, location)
	if err != nil {
		return EventTime{}, err
	}
	return At(parsed), nil
}

func (f *ICSFeed) expand(base RemoteEvent, rawRule string, component *ical.VEvent, from, to time.Time) ([]RemoteEvent, error) {
	rule, err := rrule.StrToRRule(rawRule)
	if err != nil {
		return nil, err
	}
	start, end := f.instantBounds(base)
	duration := end.Sub(start)
	rule.DTStart(start)

	var set rrule.Set
	set.RRule(rule)
	for _, property := range component.GetProperties(ical.ComponentPropertyExdate) {
		for _, part := range strings.Split(property.Value, ",") {
			excluded, err := f.parseTimeProperty(&ical.IANAProperty{BaseProperty: ical.BaseProperty{
				IANAToken:      property.IANAToken,
				ICalParameters: property.ICalParameters,
				Value:          part,
			}}, false)
			if err != nil {
				continue
			}
			excludedStart, _ := f.instantBounds(RemoteEvent{Start: excluded, End: excluded})
			set.ExDate(excludedStart)
		}
	}

	starts := set.Between(from.Add(-duration), to, true)
	if len(starts) > icsMaxOccurrencesPerRule {
		starts = starts[:icsMaxOccurrencesPerRule]
	}

	occurrences := make([]RemoteEvent, 0, len(starts))
	for _, occurrenceStart := range starts {
		occurrence := base
		occurrence.ID = base.ID + "_" + occurrenceStart.UTC().Format(icsOccurrenceIDLayout)
		if base.Start.AllDay {
			days := int(duration.Hours()/24) - 1
			date := businesstime.DateOf(occurrenceStart.In(f.zone.Location()))
			occurrence.Start = OnDate(date)
			occurrence.End = OnDate(date.AddDays(max(days, 0)))
		} else {
			occurrence.Start = At(occurrenceStart)
			occurrence.End = At(occurrenceStart.Add(duration))
		}
		occurrences = append(occurrences, occurrence)
	}
	return occurrences, nil
}

// instantBounds returns the half-open instant interval covered by the event.
func (f *ICSFeed) instantBounds(event RemoteEvent) (time.Time, time.Time) {
	start := event.Start.Instant
	if event.Start.AllDay {
		start = f.zone.StartOfDay(event.Start.Date)
	}
	end := event.End.Instant
	if event.End.AllDay {
		end = f.zone.StartOfDay(event.End.Date.AddDays(1))
	}
	if end.Before(start) {
		end = start
	}
	return start, end
}
