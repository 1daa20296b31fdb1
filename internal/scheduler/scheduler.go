// Package scheduler drives reconciliation passes on a cron schedule and on demand.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/clubhouse/backend/internal/reconcile"
	"github.com/MarcoPoloResearchLab/clubhouse/backend/internal/records"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

// DefaultSchedule runs every kind every fifteen minutes.
const DefaultSchedule = "@every 15m"

var errMissingReconciler = errors.New("scheduler: reconciler is required")

// Reconciler runs passes for the configured kinds.
type Reconciler interface {
	Kinds() []records.Kind
	TriggerReconcile(ctx context.Context, kind records.Kind) reconcile.Result
}

// Config wires a Scheduler.
type Config struct {
	Reconciler Reconciler
	Schedule   string
	Location   *time.Location
	RunOnStart bool
	Logger     *zap.Logger
}

// Scheduler runs one job per kind. A kind never overlaps itself; explicit
// triggers arriving while a pass is queued are coalesced.
type Scheduler struct {
	cron       *cron.Cron
	reconciler Reconciler
	jobs       map[records.Kind]cron.Job
	triggers   map[records.Kind]chan struct{}
	runOnStart bool
	logger     *zap.Logger

	mu      sync.Mutex
	ctx     context.Context
	cancel  context.CancelFunc
	workers sync.WaitGroup
}

// New validates the configuration and registers one cron entry per kind.
func New(cfg Config) (*Scheduler, error) {
	if cfg.Reconciler == nil {
		return nil, errMissingReconciler
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	schedule := cfg.Schedule
	if schedule == "" {
		schedule = DefaultSchedule
	}
	location := cfg.Location
	if location == nil {
		location = time.UTC
	}

	cronLogger := NewCronLogger(logger)
	s := &Scheduler{
		cron:       cron.New(cron.WithLocation(location), cron.WithLogger(cronLogger)),
		reconciler: cfg.Reconciler,
		jobs:       map[records.Kind]cron.Job{},
		triggers:   map[records.Kind]chan struct{}{},
		runOnStart: cfg.RunOnStart,
		logger:     logger,
		ctx:        context.Background(),
	}
	chain := cron.NewChain(cron.Recover(cronLogger), cron.SkipIfStillRunning(cronLogger))
	for _, kind := range cfg.Reconciler.Kinds() {
		job := chain.Then(cron.FuncJob(func() { s.run(kind) }))
		if _, err := s.cron.AddJob(schedule, job); err != nil {
			return nil, fmt.Errorf("scheduler: invalid schedule %q: %w", schedule, err)
		}
		s.jobs[kind] = job
		s.triggers[kind] = make(chan struct{}, 1)
	}
	return s, nil
}

// Start launches the cron loop and the trigger workers. Passes run under a
// context derived from ctx.
func (s *Scheduler) Start(ctx context.Context) {
	runCtx, cancel := context.WithCancel(ctx)
	s.mu.Lock()
	s.ctx = runCtx
	s.cancel = cancel
	s.mu.Unlock()

	for kind, trigger := range s.triggers {
		job := s.jobs[kind]
		s.workers.Add(1)
		go func() {
			defer s.workers.Done()
			for {
				select {
				case <-runCtx.Done():
					return
				case <-trigger:
					job.Run()
				}
			}
		}()
	}
	s.cron.Start()
	if s.runOnStart {
		for kind := range s.triggers {
			s.Trigger(kind)
		}
	}
	s.logger.Info("reconcile scheduler started", zap.Int("kinds", len(s.triggers)))
}

// Trigger requests an out-of-schedule pass for kind without blocking.
func (s *Scheduler) Trigger(kind records.Kind) {
	trigger, ok := s.triggers[kind]
	if !ok {
		s.logger.Warn("reconcile trigger for unconfigured kind ignored", zap.String("kind", string(kind)))
		return
	}
	select {
	case trigger <- struct{}{}:
	default:
	}
}

// Stop halts scheduling and waits for running passes to finish or ctx to expire.
func (s *Scheduler) Stop(ctx context.Context) error {
	cronDone := s.cron.Stop()
	s.mu.Lock()
	if s.cancel != nil {
		s.cancel()
	}
	s.mu.Unlock()

	workersDone := make(chan struct{})
	go func() {
		s.workers.Wait()
		close(workersDone)
	}()
	for _, done := range []<-chan struct{}{cronDone.Done(), workersDone} {
		select {
		case <-done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

func (s *Scheduler) run(kind records.Kind) {
	s.mu.Lock()
	ctx := s.ctx
	s.mu.Unlock()
	if ctx.Err() != nil {
		return
	}
	s.reconciler.TriggerReconcile(ctx, kind)
}

// cronLogger adapts zap to cron.Logger.
type cronLogger struct {
	logger *zap.SugaredLogger
}

// NewCronLogger wraps logger for use by cron.
func NewCronLogger(logger *zap.Logger) cron.Logger {
	return cronLogger{logger: logger.Named("cron").Sugar()}
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.logger.Debugw(msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.logger.Errorw(msg, append(keysAndValues, "error", err)...)
}
