package calendar

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/MarcoPoloResearchLab/clubhouse/backend/internal/businesstime"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
	gcal "google.golang.org/api/calendar/v3"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"
)

const (
	defaultRequestTimeout = 10 * time.Second
	defaultRatePerSecond  = 5
	maxPageSize           = 250
)

var googleTracer = otel.Tracer("clubhouse.internal.calendar.google")

// GoogleConfig configures the Google Calendar adapter.
type GoogleConfig struct {
	CredentialsFile string
	// ClientOptions replace the credentials-file option when set.
	ClientOptions  []option.ClientOption
	RequestTimeout time.Duration
	RatePerSecond  float64
	Zone           businesstime.Zone
	Logger         *zap.Logger
}

// GoogleCalendar implements Port and Lister over the Google Calendar v3 API.
type GoogleCalendar struct {
	service *gcal.Service
	timeout time.Duration
	limiter *rate.Limiter
	zone    businesstime.Zone
	logger  *zap.Logger
}

var (
	_ Port   = (*GoogleCalendar)(nil)
	_ Lister = (*GoogleCalendar)(nil)
)

// NewGoogleCalendar builds the API client.
func NewGoogleCalendar(ctx context.Context, cfg GoogleConfig) (*GoogleCalendar, error) {
	opts := cfg.ClientOptions
	if len(opts) == 0 {
		if cfg.CredentialsFile == "" {
			return nil, errors.New("calendar: google credentials file is required")
		}
		opts = []option.ClientOption{
			option.WithCredentialsFile(cfg.CredentialsFile),
			option.WithScopes(gcal.CalendarScope),
		}
	}
	service, err := gcal.NewService(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("calendar: create google service: %w", err)
	}

	timeout := cfg.RequestTimeout
	if timeout <= 0 {
		timeout = defaultRequestTimeout
	}
	perSecond := cfg.RatePerSecond
	if perSecond <= 0 {
		perSecond = defaultRatePerSecond
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &GoogleCalendar{
		service: service,
		timeout: timeout,
		limiter: rate.NewLimiter(rate.Limit(perSecond), int(perSecond)+1),
		zone:    cfg.Zone,
		logger:  logger,
	}, nil
}

func (g *GoogleCalendar) ListCalendars(ctx context.Context) ([]Info, error) {
	var calendars []Info
	pageToken := ""
	for {
		var page *gcal.CalendarList
		err := g.call(ctx, "calendar_list", func(callCtx context.Context) error {
			request := g.service.CalendarList.List().Context(callCtx)
			if pageToken != "" {
				request = request.PageToken(pageToken)
			}
			var err error
			page, err = request.Do()
			return err
		})
		if err != nil {
			return nil, err
		}
		for _, entry := range page.Items {
			name := entry.SummaryOverride
			if name == "" {
				name = entry.Summary
			}
			calendars = append(calendars, Info{ID: entry.Id, Name: name})
		}
		if page.NextPageToken == "" {
			return calendars, nil
		}
		pageToken = page.NextPageToken
	}
}

// ListEvents lists single, non-cancelled occurrences starting from since. At most
// limit events are returned; a result of exactly limit events may be truncated.
func (g *GoogleCalendar) ListEvents(ctx context.Context, calendarID string, since time.Time, limit int) ([]RemoteEvent, error) {
	if limit <= 0 {
		limit = maxPageSize
	}
	events := make([]RemoteEvent, 0, min(limit, maxPageSize))
	pageToken := ""
	for len(events) < limit {
		var page *gcal.Events
		err := g.call(ctx, "events_list", func(callCtx context.Context) error {
			request := g.service.Events.List(calendarID).
				Context(callCtx).
				TimeMin(since.Format(time.RFC3339)).
				SingleEvents(true).
				OrderBy("startTime").
				ShowDeleted(false).
				MaxResults(int64(min(limit-len(events), maxPageSize)))
			if pageToken != "" {
				request = request.PageToken(pageToken)
			}
			var err error
			page, err = request.Do()
			return err
		})
		if err != nil {
			return nil, err
		}
		for _, item := range page.Items {
			if item == nil || item.Status == StatusCancelled {
				continue
			}
			event, err := g.fromGoogleEvent(item)
			if err != nil {
				g.logger.Warn("skipping unparseable calendar event",
					zap.String("calendar_id", calendarID),
					zap.String("event_id", item.Id),
					zap.Error(err))
				continue
			}
			events = append(events, event)
			if len(events) == limit {
				break
			}
		}
		if page.NextPageToken == "" {
			break
		}
		pageToken = page.NextPageToken
	}
	return events, nil
}

func (g *GoogleCalendar) CreateEvent(ctx context.Context, calendarID string, input EventInput) (EventVersion, error) {
	var created *gcal.Event
	err := g.call(ctx, "events_insert", func(callCtx context.Context) error {
		var err error
		created, err = g.service.Events.Insert(calendarID, g.toGoogleEvent(input)).Context(callCtx).Do()
		return err
	})
	if err != nil {
		return EventVersion{}, err
	}
	return versionOf(created), nil
}

// UpdateEvent patches the event so properties written by other clients survive.
func (g *GoogleCalendar) UpdateEvent(ctx context.Context, calendarID, eventID string, input EventInput) (EventVersion, error) {
	var updated *gcal.Event
	err := g.call(ctx, "events_patch", func(callCtx context.Context) error {
		var err error
		updated, err = g.service.Events.Patch(calendarID, eventID, g.toGoogleEvent(input)).Context(callCtx).Do()
		return err
	})
	if err != nil {
		return EventVersion{}, err
	}
	return versionOf(updated), nil
}

func (g *GoogleCalendar) DeleteEvent(ctx context.Context, calendarID, eventID string) error {
	return g.call(ctx, "events_delete", func(callCtx context.Context) error {
		return g.service.Events.Delete(calendarID, eventID).Context(callCtx).Do()
	})
}

func (g *GoogleCalendar) GetBusyPeriods(ctx context.Context, calendarID string, from, to time.Time) ([]BusyPeriod, error) {
	var response *gcal.FreeBusyResponse
	err := g.call(ctx, "freebusy_query", func(callCtx context.Context) error {
		var err error
		response, err = g.service.Freebusy.Query(&gcal.FreeBusyRequest{
			TimeMin: from.Format(time.RFC3339),
			TimeMax: to.Format(time.RFC3339),
			Items:   []*gcal.FreeBusyRequestItem{{Id: calendarID}},
		}).Context(callCtx).Do()
		return err
	})
	if err != nil {
		return nil, err
	}

	busy, ok := response.Calendars[calendarID]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrCalendarNotFound, calendarID)
	}
	if len(busy.Errors) > 0 {
		return nil, fmt.Errorf("%w: freebusy %s: %s", ErrRemoteUnavailable, calendarID, busy.Errors[0].Reason)
	}

	periods := make([]BusyPeriod, 0, len(busy.Busy))
	for _, period := range busy.Busy {
		start, err := time.Parse(time.RFC3339, period.Start)
		if err != nil {
			continue
		}
		end, err := time.Parse(time.RFC3339, period.End)
		if err != nil {
			continue
		}
		periods = append(periods, BusyPeriod{Start: start, End: end})
	}
	return periods, nil
}

// call applies rate limiting, the per-request timeout, tracing, and error mapping.
func (g *GoogleCalendar) call(ctx context.Context, operation string, fn func(context.Context) error) error {
	callCtx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	callCtx, span := googleTracer.Start(callCtx, "google_calendar."+operation, trace.WithSpanKind(trace.SpanKindClient))
	defer span.End()

	if err := g.limiter.Wait(callCtx); err != nil {
		span.SetStatus(codes.Error, "rate limiter")
		return fmt.Errorf("%w: %s: %w", ErrRemoteUnavailable, operation, err)
	}

	err := fn(callCtx)
	if err == nil {
		return nil
	}
	mapped := mapGoogleError(operation, err)
	span.RecordError(mapped)
	span.SetStatus(codes.Error, operation)
	if errors.Is(mapped, ErrNotFound) {
		span.SetAttributes(attribute.Bool("calendar.not_found", true))
	}
	return mapped
}

func mapGoogleError(operation string, err error) error {
	var apiErr *googleapi.Error
	if errors.As(err, &apiErr) {
		switch apiErr.Code {
		case http.StatusNotFound, http.StatusGone:
			return fmt.Errorf("%w: %s: %w", ErrNotFound, operation, err)
		}
	}
	return fmt.Errorf("%w: %s: %w", ErrRemoteUnavailable, operation, err)
}

func (g *GoogleCalendar) fromGoogleEvent(item *gcal.Event) (RemoteEvent, error) {
	start, err := g.fromGoogleTime(item.Start, false)
	if err != nil {
		return RemoteEvent{}, err
	}
	end, err := g.fromGoogleTime(item.End, true)
	if err != nil {
		return RemoteEvent{}, err
	}

	event := RemoteEvent{
		ID:          item.Id,
		Title:       item.Summary,
		Description: item.Description,
		Location:    item.Location,
		Start:       start,
		End:         end,
		VersionTag:  item.Etag,
		Status:      item.Status,
	}
	if item.Updated != "" {
		if updated, err := time.Parse(time.RFC3339, item.Updated); err == nil {
			event.UpdatedAt = &updated
		}
	}
	if item.ExtendedProperties != nil {
		props := make(map[string]string, len(item.ExtendedProperties.Shared)+len(item.ExtendedProperties.Private))
		for key, value := range item.ExtendedProperties.Shared {
			props[key] = value
		}
		for key, value := range item.ExtendedProperties.Private {
			props[key] = value
		}
		event.ExtendedProperties = props
	}
	return event, nil
}

func (g *GoogleCalendar) fromGoogleTime(value *gcal.EventDateTime, isEnd bool) (EventTime, error) {
	if value == nil {
		return EventTime{}, errors.New("calendar: event time missing")
	}
	if value.DateTime != "" {
		instant, err := time.Parse(time.RFC3339, value.DateTime)
		if err != nil {
			return EventTime{}, fmt.Errorf("calendar: parse event time: %w", err)
		}
		return At(instant), nil
	}
	date, err := businesstime.ParseDate(value.Date)
	if err != nil {
		return EventTime{}, err
	}
	if isEnd {
		date = date.AddDays(-1)
	}
	return OnDate(date), nil
}

func (g *GoogleCalendar) toGoogleEvent(input EventInput) *gcal.Event {
	event := &gcal.Event{
		Summary:     input.Title,
		Description: input.Description,
		Location:    input.Location,
		Start:       g.toGoogleTime(input.Start, false),
		End:         g.toGoogleTime(input.End, true),
	}
	if len(input.ExtendedProperties) > 0 {
		event.ExtendedProperties = &gcal.EventExtendedProperties{Private: input.ExtendedProperties}
	}
	return event
}

func (g *GoogleCalendar) toGoogleTime(value EventTime, isEnd bool) *gcal.EventDateTime {
	if value.AllDay {
		date := value.Date
		if isEnd {
			date = date.AddDays(1)
		}
		return &gcal.EventDateTime{Date: date.String()}
	}
	return &gcal.EventDateTime{
		DateTime: value.Instant.In(g.zone.Location()).Format(time.RFC3339),
		TimeZone: g.zone.Location().String(),
	}
}

func versionOf(event *gcal.Event) EventVersion {
	version := EventVersion{ID: event.Id, VersionTag: event.Etag}
	if event.Updated != "" {
		if updated, err := time.Parse(time.RFC3339, event.Updated); err == nil {
			version.UpdatedAt = &updated
		}
	}
	return version
}
