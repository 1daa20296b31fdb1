// Package reconcile keeps local events, wellness classes and facility closures
// in step with their external calendars.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/clubhouse/backend/internal/businesstime"
	"github.com/MarcoPoloResearchLab/clubhouse/backend/internal/calendar"
	"github.com/MarcoPoloResearchLab/clubhouse/backend/internal/records"
	"github.com/MarcoPoloResearchLab/clubhouse/backend/internal/store"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const (
	opEngineNew    = "reconcile.engine.new"
	opReconcile    = "reconcile.reconcile"
	opRecordRun    = "reconcile.record_run"
	opReconcileAll = "reconcile.reconcile_all"

	// DefaultListLimit caps the number of remote events fetched per pass.
	DefaultListLimit = 250
	// DefaultWorkerLimit bounds concurrent record processing within a pass.
	DefaultWorkerLimit = 4
	// DefaultEventsLookbackDays is how far back events and classes are fetched.
	DefaultEventsLookbackDays = 365

	maxRunErrorMessage = 2000
)

var tracer = otel.Tracer("clubhouse.internal.reconcile")

var (
	errMissingCalendar  = errors.New("calendar port is required")
	errMissingCalendars = errors.New("calendar resolver is required")
	errNoKinds          = errors.New("at least one kind must be configured")
)

// ServiceError carries a stable operation.reason code.
type ServiceError struct {
	code string
	err  error
}

func (e *ServiceError) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *ServiceError) Unwrap() error {
	return e.err
}

func (e *ServiceError) Code() string {
	return e.code
}

func newServiceError(operation, reason string, cause error) error {
	return &ServiceError{code: fmt.Sprintf("%s.%s", operation, reason), err: cause}
}

// Store persists the records of one kind. Lookups of unknown rows return an
// error wrapping store.ErrNotFound.
type Store interface {
	FindByID(ctx context.Context, id string) (records.Record, error)
	FindByExternalID(ctx context.Context, externalID string) (records.Record, error)
	ListLinked(ctx context.Context) ([]records.Record, error)
	ListPending(ctx context.Context) ([]records.Record, error)
	Create(ctx context.Context, record records.Record) error
	// SaveIfUnchanged and DeleteIfUnchanged skip the write and report false
	// when the stored row no longer matches guard.
	SaveIfUnchanged(ctx context.Context, record records.Record, guard records.SyncGuard) (bool, error)
	DeleteIfUnchanged(ctx context.Context, record records.Record, guard records.SyncGuard) (bool, error)
	// SaveSyncState persists only the external identity and version columns.
	SaveSyncState(ctx context.Context, record records.Record) error
}

// CalendarResolver maps calendar names to identifiers.
type CalendarResolver interface {
	Lookup(ctx context.Context, name string) (string, error)
}

// RunRecorder appends the audit row of a finished pass.
type RunRecorder interface {
	RecordRun(ctx context.Context, run records.SyncRun) error
}

// Observer receives the outcome of every pass; a nil Observer is ignored.
type Observer interface {
	ObservePass(result Result, elapsed time.Duration)
}

// Observers fans a pass out to several observers; nil entries are skipped.
type Observers []Observer

func (o Observers) ObservePass(result Result, elapsed time.Duration) {
	for _, observer := range o {
		if observer != nil {
			observer.ObservePass(result, elapsed)
		}
	}
}

// KindConfig binds one record kind to its calendar and table.
type KindConfig struct {
	CalendarName string
	Store        Store
}

// EngineConfig wires an Engine. Kinds with an empty calendar name or a nil
// store are not reconciled.
type EngineConfig struct {
	Calendar           calendar.Port
	Calendars          CalendarResolver
	Events             KindConfig
	Wellness           KindConfig
	Closures           KindConfig
	Blocks             BlockApplier
	Runs               RunRecorder
	Zone               businesstime.Zone
	ListLimit          int
	EventsLookbackDays int
	WorkerLimit        int
	IDProvider         records.IDProvider
	Clock              func() time.Time
	Observer           Observer
	Logger             *zap.Logger
}

// Result summarizes one pass. Err is set when the remote calendar could not be
// listed; Errors collects per-record push failures.
type Result struct {
	RunID                string       `json:"run_id"`
	Kind                 records.Kind `json:"kind"`
	Fetched              int          `json:"fetched"`
	Created              int          `json:"created"`
	Updated              int          `json:"updated"`
	PushedToCalendar     int          `json:"pushed_to_calendar"`
	DeactivatedOrDeleted int          `json:"deactivated_or_deleted"`
	Errors               []string     `json:"errors,omitempty"`
	Err                  error        `json:"-"`
}

// Writes is the number of local and remote mutations performed by the pass.
func (r Result) Writes() int {
	return r.Created + r.Updated + r.PushedToCalendar + r.DeactivatedOrDeleted
}

type binding struct {
	mapper       mapper
	store        Store
	calendarName string
	lookbackDays int
}

// Engine runs reconciliation passes.
type Engine struct {
	calendar    calendar.Port
	calendars   CalendarResolver
	bindings    map[records.Kind]binding
	runs        RunRecorder
	zone        businesstime.Zone
	listLimit   int
	workerLimit int
	idProvider  records.IDProvider
	clock       func() time.Time
	observer    Observer
	logger      *zap.Logger
}

// NewEngine validates the configuration and constructs an Engine.
func NewEngine(cfg EngineConfig) (*Engine, error) {
	if cfg.Calendar == nil {
		return nil, newServiceError(opEngineNew, "missing_calendar", errMissingCalendar)
	}
	if cfg.Calendars == nil {
		return nil, newServiceError(opEngineNew, "missing_calendar_resolver", errMissingCalendars)
	}
	lookback := cfg.EventsLookbackDays
	if lookback <= 0 {
		lookback = DefaultEventsLookbackDays
	}

	bindings := map[records.Kind]binding{}
	register := func(kind KindConfig, m mapper, lookbackDays int) {
		if kind.Store == nil || strings.TrimSpace(kind.CalendarName) == "" {
			return
		}
		bindings[m.kind()] = binding{mapper: m, store: kind.Store, calendarName: kind.CalendarName, lookbackDays: lookbackDays}
	}
	register(cfg.Events, eventMapper{zone: cfg.Zone}, lookback)
	register(cfg.Wellness, wellnessMapper{zone: cfg.Zone}, lookback)
	register(cfg.Closures, closureMapper{zone: cfg.Zone, blocks: cfg.Blocks}, 0)
	if len(bindings) == 0 {
		return nil, newServiceError(opEngineNew, "no_kinds", errNoKinds)
	}

	listLimit := cfg.ListLimit
	if listLimit <= 0 {
		listLimit = DefaultListLimit
	}
	workerLimit := cfg.WorkerLimit
	if workerLimit <= 0 {
		workerLimit = DefaultWorkerLimit
	}
	idProvider := cfg.IDProvider
	if idProvider == nil {
		idProvider = records.NewUUIDProvider()
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{
		calendar:    cfg.Calendar,
		calendars:   cfg.Calendars,
		bindings:    bindings,
		runs:        cfg.Runs,
		zone:        cfg.Zone,
		listLimit:   listLimit,
		workerLimit: workerLimit,
		idProvider:  idProvider,
		clock:       clock,
		observer:    cfg.Observer,
		logger:      logger,
	}, nil
}

// Kinds returns the configured kinds in canonical order.
func (e *Engine) Kinds() []records.Kind {
	var kinds []records.Kind
	for _, kind := range records.AllKinds() {
		if _, ok := e.bindings[kind]; ok {
			kinds = append(kinds, kind)
		}
	}
	return kinds
}

// Reconcile runs one pass for kind. An unreachable calendar is reported through
// Result.Err; the returned error is reserved for local persistence failures and
// unconfigured kinds.
func (e *Engine) Reconcile(ctx context.Context, kind records.Kind) (Result, error) {
	result := Result{Kind: kind}
	b, ok := e.bindings[kind]
	if !ok {
		return result, newServiceError(opReconcile, "unknown_kind", fmt.Errorf("%w: %s", records.ErrUnknownKind, kind))
	}
	runID, err := e.idProvider.NewID()
	if err != nil {
		return result, newServiceError(opReconcile, "id_generation_failed", err)
	}
	result.RunID = runID

	ctx, span := tracer.Start(ctx, "reconcile.pass")
	defer span.End()
	span.SetAttributes(attribute.String("kind", string(kind)), attribute.String("run_id", runID))

	startedAt := e.clock().UTC()
	runErr := e.run(ctx, b, &result)
	finishedAt := e.clock().UTC()

	e.recordRun(ctx, result, runErr, startedAt, finishedAt)
	if e.observer != nil {
		e.observer.ObservePass(result, finishedAt.Sub(startedAt))
	}
	span.SetAttributes(
		attribute.Int("fetched", result.Fetched),
		attribute.Int("created", result.Created),
		attribute.Int("updated", result.Updated),
		attribute.Int("pushed", result.PushedToCalendar),
		attribute.Int("retired", result.DeactivatedOrDeleted),
		attribute.Int("errors", len(result.Errors)),
	)

	fields := []zap.Field{
		zap.String("kind", string(kind)),
		zap.String("run_id", runID),
		zap.Int("fetched", result.Fetched),
		zap.Int("created", result.Created),
		zap.Int("updated", result.Updated),
		zap.Int("pushed_to_calendar", result.PushedToCalendar),
		zap.Int("deactivated_or_deleted", result.DeactivatedOrDeleted),
		zap.Int("errors", len(result.Errors)),
		zap.Duration("elapsed", finishedAt.Sub(startedAt)),
	}
	if runErr != nil {
		span.RecordError(runErr)
		span.SetStatus(codes.Error, runErr.Error())
		e.logger.Error("reconcile pass failed", append(fields, zap.Error(runErr))...)
		return result, runErr
	}
	if result.Err != nil {
		span.RecordError(result.Err)
		e.logger.Warn("reconcile pass skipped, calendar unavailable", append(fields, zap.Error(result.Err))...)
		return result, nil
	}
	e.logger.Info("reconcile pass completed", fields...)
	return result, nil
}

// TriggerReconcile runs one pass and folds any failure into Result.Err.
func (e *Engine) TriggerReconcile(ctx context.Context, kind records.Kind) Result {
	result, err := e.Reconcile(ctx, kind)
	if err != nil {
		result.Err = err
	}
	return result
}

// ReconcileAll runs one pass per configured kind concurrently.
func (e *Engine) ReconcileAll(ctx context.Context) ([]Result, error) {
	kinds := e.Kinds()
	results := make([]Result, len(kinds))
	group, groupCtx := errgroup.WithContext(ctx)
	for index, kind := range kinds {
		group.Go(func() error {
			result, err := e.Reconcile(groupCtx, kind)
			results[index] = result
			return err
		})
	}
	if err := group.Wait(); err != nil {
		return results, newServiceError(opReconcileAll, "pass_failed", err)
	}
	return results, nil
}

func (e *Engine) run(ctx context.Context, b binding, result *Result) error {
	calendarID, err := e.calendars.Lookup(ctx, b.calendarName)
	if err != nil {
		result.Err = err
		return nil
	}

	windowStart := e.zone.Today().AddDays(-b.lookbackDays)
	remotes, err := e.calendar.ListEvents(ctx, calendarID, e.zone.StartOfDay(windowStart), e.listLimit)
	if err != nil {
		result.Err = err
		return nil
	}
	result.Fetched = len(remotes)

	p := newPass(e, b, calendarID, result)
	group, groupCtx := errgroup.WithContext(ctx)
	group.SetLimit(e.workerLimit)
	for _, remote := range remotes {
		group.Go(func() error {
			return p.processRemote(groupCtx, remote)
		})
	}
	if err := group.Wait(); err != nil {
		return err
	}

	if len(remotes) >= e.listLimit {
		e.logger.Info("remote listing reached its limit, skipping deletion detection",
			zap.String("kind", string(b.mapper.kind())),
			zap.Int("limit", e.listLimit))
	} else if err := p.detectDeletions(ctx, windowStart); err != nil {
		return err
	}

	return p.pushPending(ctx)
}

func (e *Engine) recordRun(ctx context.Context, result Result, runErr error, startedAt, finishedAt time.Time) {
	if e.runs == nil {
		return
	}
	messages := append([]string(nil), result.Errors...)
	if result.Err != nil {
		messages = append([]string{result.Err.Error()}, messages...)
	}
	if runErr != nil {
		messages = append([]string{runErr.Error()}, messages...)
	}
	message := strings.Join(messages, "; ")
	if len(message) > maxRunErrorMessage {
		message = message[:maxRunErrorMessage]
	}
	run := records.SyncRun{
		RunID:                result.RunID,
		Kind:                 result.Kind,
		StartedAt:            startedAt,
		FinishedAt:           finishedAt,
		Fetched:              result.Fetched,
		Created:              result.Created,
		Updated:              result.Updated,
		PushedToCalendar:     result.PushedToCalendar,
		DeactivatedOrDeleted: result.DeactivatedOrDeleted,
		ErrorCount:           len(messages),
		ErrorMessage:         message,
	}
	if err := e.runs.RecordRun(context.WithoutCancel(ctx), run); err != nil {
		e.logger.Warn("failed to record reconcile run",
			zap.String("operation", opRecordRun),
			zap.String("reason", "persist_failed"),
			zap.String("run_id", result.RunID),
			zap.Error(err))
	}
}

type tableStore[R any, P store.RecordPointer[R]] struct {
	table *store.Table[R, P]
}

// TableStore adapts a typed table to Store.
func TableStore[R any, P store.RecordPointer[R]](table *store.Table[R, P]) Store {
	return tableStore[R, P]{table: table}
}

func (s tableStore[R, P]) FindByID(ctx context.Context, id string) (records.Record, error) {
	record, err := s.table.FindByID(ctx, id)
	if err != nil {
		return nil, err
	}
	return record, nil
}

func (s tableStore[R, P]) FindByExternalID(ctx context.Context, externalID string) (records.Record, error) {
	record, err := s.table.FindByExternalID(ctx, externalID)
	if err != nil {
		return nil, err
	}
	return record, nil
}

func (s tableStore[R, P]) ListLinked(ctx context.Context) ([]records.Record, error) {
	rows, err := s.table.ListLinked(ctx)
	return erase(rows), err
}

func (s tableStore[R, P]) ListPending(ctx context.Context) ([]records.Record, error) {
	rows, err := s.table.ListPending(ctx)
	return erase(rows), err
}

func (s tableStore[R, P]) Create(ctx context.Context, record records.Record) error {
	return s.table.Create(ctx, record.(P))
}

func (s tableStore[R, P]) SaveIfUnchanged(ctx context.Context, record records.Record, guard records.SyncGuard) (bool, error) {
	return s.table.SaveIfUnchanged(ctx, record.(P), guard)
}

func (s tableStore[R, P]) DeleteIfUnchanged(ctx context.Context, record records.Record, guard records.SyncGuard) (bool, error) {
	return s.table.DeleteIfUnchanged(ctx, record.(P), guard)
}

func (s tableStore[R, P]) SaveSyncState(ctx context.Context, record records.Record) error {
	return s.table.SaveSyncState(ctx, record.(P))
}

func erase[P records.Record](rows []P) []records.Record {
	erased := make([]records.Record, 0, len(rows))
	for _, row := range rows {
		erased = append(erased, row)
	}
	return erased
}
