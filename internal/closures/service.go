package closures

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/clubhouse/backend/internal/businesstime"
	"github.com/MarcoPoloResearchLab/clubhouse/backend/internal/records"
	"go.uber.org/zap"
)

// DefaultTitle names a closure submitted without a title.
const DefaultTitle = "Facility Closure"

const (
	opServiceNew = "closures.service.new"
	opUpsert     = "closures.upsert"
	opDeactivate = "closures.deactivate"
)

var (
	// ErrClosureNotFound indicates the closure identifier is unknown.
	ErrClosureNotFound = errors.New("closure not found")

	errMissingStore    = errors.New("closure store is required")
	errMissingExpander = errors.New("expander is required")
	errMissingStart    = errors.New("start date is required")
	errMissingAreas    = errors.New("affected areas are required")
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

// Store persists closures.
type Store interface {
	Closure(ctx context.Context, id string) (*records.Closure, error)
	CreateClosure(ctx context.Context, closure *records.Closure) error
	SaveClosure(ctx context.Context, closure *records.Closure) error
}

// Trigger requests an out-of-schedule reconciliation pass.
type Trigger interface {
	Trigger(kind records.Kind)
}

// Input is a staff-submitted closure. An empty ID creates a new closure.
type Input struct {
	ID            string
	Title         string
	Reason        string
	StartDate     businesstime.Date
	EndDate       businesstime.Date
	StartTime     *businesstime.WallTime
	EndTime       *businesstime.WallTime
	AffectedAreas string
	CreatedBy     string
}

// ServiceConfig wires a Service.
type ServiceConfig struct {
	Store      Store
	Expander   *Expander
	Trigger    Trigger
	IDProvider records.IDProvider
	Clock      func() time.Time
	Logger     *zap.Logger
}

// Service applies staff-side closure writes and keeps their blocks current.
type Service struct {
	store      Store
	expander   *Expander
	trigger    Trigger
	idProvider records.IDProvider
	clock      func() time.Time
	logger     *zap.Logger
}

// NewService validates the configuration and constructs a Service.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Store == nil {
		return nil, newServiceError(opServiceNew, "missing_store", errMissingStore)
	}
	if cfg.Expander == nil {
		return nil, newServiceError(opServiceNew, "missing_expander", errMissingExpander)
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
	return &Service{
		store:      cfg.Store,
		expander:   cfg.Expander,
		trigger:    cfg.Trigger,
		idProvider: idProvider,
		clock:      clock,
		logger:     logger,
	}, nil
}

// UpsertClosure creates or updates a closure, marks it for push and rewrites its blocks.
func (s *Service) UpsertClosure(ctx context.Context, input Input) (string, error) {
	normalized, err := normalizeInput(input)
	if err != nil {
		return "", newServiceError(opUpsert, "invalid_input", err)
	}
	now := s.clock().UTC()

	var before *records.Closure
	var closure *records.Closure
	if normalized.ID == "" {
		id, idErr := s.idProvider.NewID()
		if idErr != nil {
			return "", newServiceError(opUpsert, "id_generation_failed", idErr)
		}
		closure = &records.Closure{ID: id, IsActive: true, CreatedBy: normalized.CreatedBy, CreatedAt: now}
	} else {
		existing, loadErr := s.store.Closure(ctx, normalized.ID)
		if loadErr != nil {
			if errors.Is(loadErr, ErrClosureNotFound) {
				return "", newServiceError(opUpsert, "not_found", loadErr)
			}
			return "", newServiceError(opUpsert, "load_failed", loadErr)
		}
		snapshot := *existing
		before = &snapshot
		closure = existing
	}

	closure.Title = normalized.Title
	closure.Reason = normalized.Reason
	closure.StartDate = normalized.StartDate
	closure.EndDate = normalized.EndDate
	closure.StartTime = normalized.StartTime
	closure.EndTime = normalized.EndTime
	closure.AffectedAreas = normalized.AffectedAreas
	closure.IsActive = true
	closure.UpdatedAt = now
	closure.MarkLocallyEdited(now)

	if before == nil {
		err = s.store.CreateClosure(ctx, closure)
	} else {
		err = s.store.SaveClosure(ctx, closure)
	}
	if err != nil {
		return "", newServiceError(opUpsert, "save_failed", err)
	}

	outcome, err := s.expander.Apply(ctx, before, closure)
	if err != nil {
		return "", newServiceError(opUpsert, "expand_failed", err)
	}
	s.logger.Info("closure saved",
		zap.String("closure_id", closure.ID),
		zap.Int("blocks_removed", outcome.Removed),
		zap.Int("blocks_inserted", outcome.Inserted))

	s.requestSync()
	return closure.ID, nil
}

// DeactivateClosure marks a closure inactive and removes its blocks.
func (s *Service) DeactivateClosure(ctx context.Context, id string) error {
	closure, err := s.store.Closure(ctx, strings.TrimSpace(id))
	if err != nil {
		if errors.Is(err, ErrClosureNotFound) {
			return newServiceError(opDeactivate, "not_found", err)
		}
		return newServiceError(opDeactivate, "load_failed", err)
	}
	now := s.clock().UTC()
	if closure.IsActive {
		closure.IsActive = false
		closure.UpdatedAt = now
		closure.MarkLocallyEdited(now)
		if err := s.store.SaveClosure(ctx, closure); err != nil {
			return newServiceError(opDeactivate, "save_failed", err)
		}
	}

	removed, err := s.expander.Remove(ctx, closure.ID)
	if err != nil {
		return newServiceError(opDeactivate, "remove_blocks_failed", err)
	}
	s.logger.Info("closure deactivated", zap.String("closure_id", closure.ID), zap.Int("blocks_removed", removed))

	s.requestSync()
	return nil
}

func (s *Service) requestSync() {
	if s.trigger != nil {
		s.trigger.Trigger(records.KindClosures)
	}
}

func normalizeInput(input Input) (Input, error) {
	input.ID = strings.TrimSpace(input.ID)
	input.Title = strings.TrimSpace(input.Title)
	if input.Title == "" {
		input.Title = DefaultTitle
	}
	input.Reason = strings.TrimSpace(input.Reason)
	input.AffectedAreas = strings.TrimSpace(input.AffectedAreas)
	input.CreatedBy = strings.TrimSpace(input.CreatedBy)
	if input.StartDate.IsZero() {
		return Input{}, errMissingStart
	}
	if input.EndDate.IsZero() {
		input.EndDate = input.StartDate
	}
	if input.EndDate.Before(input.StartDate) {
		return Input{}, &businesstime.InvalidRangeError{Start: input.StartDate, End: input.EndDate}
	}
	if input.AffectedAreas == "" {
		return Input{}, errMissingAreas
	}
	return input, nil
}
