package main

import (
	"context"
	"fmt"

	"github.com/MarcoPoloResearchLab/clubhouse/backend/internal/auth"
	"github.com/MarcoPoloResearchLab/clubhouse/backend/internal/availability"
	"github.com/MarcoPoloResearchLab/clubhouse/backend/internal/bookings"
	"github.com/MarcoPoloResearchLab/clubhouse/backend/internal/businesstime"
	"github.com/MarcoPoloResearchLab/clubhouse/backend/internal/calendar"
	"github.com/MarcoPoloResearchLab/clubhouse/backend/internal/closures"
	"github.com/MarcoPoloResearchLab/clubhouse/backend/internal/config"
	"github.com/MarcoPoloResearchLab/clubhouse/backend/internal/database"
	"github.com/MarcoPoloResearchLab/clubhouse/backend/internal/logging"
	"github.com/MarcoPoloResearchLab/clubhouse/backend/internal/metrics"
	"github.com/MarcoPoloResearchLab/clubhouse/backend/internal/reconcile"
	"github.com/MarcoPoloResearchLab/clubhouse/backend/internal/resources"
	"github.com/MarcoPoloResearchLab/clubhouse/backend/internal/scheduler"
	"github.com/MarcoPoloResearchLab/clubhouse/backend/internal/server"
	"github.com/MarcoPoloResearchLab/clubhouse/backend/internal/store"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type calendarAdapter interface {
	calendar.Port
	calendar.Lister
}

// application holds the wired components shared by every command.
type application struct {
	config       config.AppConfig
	logger       *zap.Logger
	zone         businesstime.Zone
	db           *gorm.DB
	redis        *redis.Client
	sessions     *auth.SessionValidator
	engine       *reconcile.Engine
	scheduler    *scheduler.Scheduler
	runFeed      *server.RunFeed
	runs         *store.RunLog
	closures     *closures.Service
	blocks       *store.BlockStore
	availability *availability.Resolver
	publisher    *bookings.Publisher
}

func newApplication(ctx context.Context, appConfig config.AppConfig, logger *zap.Logger) (*application, error) {
	app := &application{config: appConfig, logger: logger}
	ok := false
	defer func() {
		if !ok {
			app.Close()
		}
	}()

	zone, err := businesstime.NewZone(appConfig.Timezone, nil)
	if err != nil {
		return nil, err
	}
	app.zone = zone

	app.db, err = database.OpenSQLite(appConfig.DatabasePath, logging.Named(logger, "database"))
	if err != nil {
		return nil, err
	}

	adapter, err := newCalendarAdapter(ctx, appConfig.Calendar, zone, logging.Named(logger, "calendar"))
	if err != nil {
		return nil, err
	}
	directory := calendar.NewDirectory(calendar.DirectoryConfig{
		Lister: adapter,
		Logger: logging.Named(logger, "calendar_directory"),
	})

	var busy calendar.BusySource = adapter
	var busyInvalidator bookings.BusyInvalidator
	if appConfig.Redis.Address != "" {
		app.redis = redis.NewClient(&redis.Options{Addr: appConfig.Redis.Address, Password: appConfig.Redis.Password})
		busyCache, cacheErr := calendar.NewBusyCache(calendar.BusyCacheConfig{
			Upstream: adapter,
			Client:   app.redis,
			TTL:      appConfig.Redis.BusyTTL,
			Logger:   logging.Named(logger, "busy_cache"),
		})
		if cacheErr != nil {
			return nil, cacheErr
		}
		busy = busyCache
		busyInvalidator = busyCache
	}

	syncMetrics := metrics.NewSyncMetrics(prometheus.DefaultRegisterer)
	app.runFeed = server.NewRunFeed(nil)
	app.runs = store.NewRunLog(app.db)

	catalog := store.NewResourceCatalog(app.db)
	areas, err := resources.NewResolver(catalog, logging.Named(logger, "resources"))
	if err != nil {
		return nil, err
	}
	app.blocks = store.NewBlockStore(app.db, nil)
	expander, err := closures.NewExpander(areas, app.blocks, logging.Named(logger, "closures"))
	if err != nil {
		return nil, err
	}

	names := appConfig.Calendar.Names
	app.engine, err = reconcile.NewEngine(reconcile.EngineConfig{
		Calendar:           adapter,
		Calendars:          directory,
		Events:             reconcile.KindConfig{CalendarName: names.Events, Store: reconcile.TableStore(store.Events(app.db))},
		Wellness:           reconcile.KindConfig{CalendarName: names.Wellness, Store: reconcile.TableStore(store.WellnessClasses(app.db))},
		Closures:           reconcile.KindConfig{CalendarName: names.Closures, Store: reconcile.TableStore(store.Closures(app.db))},
		Blocks:             expander,
		Runs:               app.runs,
		Zone:               zone,
		ListLimit:          appConfig.Calendar.ListLimit,
		EventsLookbackDays: appConfig.Sync.EventsLookbackDays,
		WorkerLimit:        appConfig.Sync.WorkerLimit,
		Observer:           reconcile.Observers{syncMetrics, app.runFeed},
		Logger:             logging.Named(logger, "reconcile"),
	})
	if err != nil {
		return nil, err
	}

	app.scheduler, err = scheduler.New(scheduler.Config{
		Reconciler: app.engine,
		Schedule:   appConfig.Sync.Schedule,
		Location:   zone.Location(),
		RunOnStart: appConfig.Sync.RunOnStart,
		Logger:     logging.Named(logger, "scheduler"),
	})
	if err != nil {
		return nil, err
	}

	app.closures, err = closures.NewService(closures.ServiceConfig{
		Store:    store.NewClosureStore(app.db),
		Expander: expander,
		Trigger:  app.scheduler,
		Logger:   logging.Named(logger, "closures"),
	})
	if err != nil {
		return nil, err
	}

	bookingStore := store.NewBookingStore(app.db)
	app.availability, err = availability.NewResolver(availability.ResolverConfig{
		Resources:          catalog,
		Bookings:           bookingStore,
		Blocks:             app.blocks,
		Busy:               busy,
		Calendars:          directory,
		Zone:               zone,
		Schedules:          availability.DefaultSchedules(),
		GranularityMinutes: appConfig.GranularityMinutes,
		Observer:           syncMetrics,
		Logger:             logging.Named(logger, "availability"),
	})
	if err != nil {
		return nil, err
	}

	app.publisher, err = bookings.NewPublisher(bookings.PublisherConfig{
		Calendar:     adapter,
		Calendars:    directory,
		Store:        bookingStore,
		CalendarName: names.Golf,
		Zone:         zone,
		BusyCache:    busyInvalidator,
		Logger:       logging.Named(logger, "bookings"),
	})
	if err != nil {
		return nil, err
	}

	app.sessions, err = auth.NewSessionValidator(auth.SessionValidatorConfig{
		SigningSecret: []byte(appConfig.AuthSigningKey),
		Issuer:        appConfig.AuthIssuer,
		CookieName:    appConfig.AuthCookieName,
	})
	if err != nil {
		return nil, err
	}

	ok = true
	return app, nil
}

func newCalendarAdapter(ctx context.Context, cfg config.CalendarConfig, zone businesstime.Zone, logger *zap.Logger) (calendarAdapter, error) {
	switch cfg.Provider {
	case config.ProviderGoogle:
		return calendar.NewGoogleCalendar(ctx, calendar.GoogleConfig{
			CredentialsFile: cfg.CredentialsFile,
			RequestTimeout:  cfg.RequestTimeout,
			RatePerSecond:   cfg.RatePerSecond,
			Zone:            zone,
			Logger:          logger,
		})
	case config.ProviderICS:
		return calendar.NewICSFeed(calendar.ICSFeedConfig{
			Feeds:          cfg.ICSFeeds,
			RequestTimeout: cfg.RequestTimeout,
			Zone:           zone,
			Logger:         logger,
		}), nil
	default:
		return nil, fmt.Errorf("unsupported calendar provider %q", cfg.Provider)
	}
}

// Close releases the database and cache connections.
func (a *application) Close() {
	if a.redis != nil {
		if err := a.redis.Close(); err != nil {
			a.logger.Warn("failed to close redis client", zap.Error(err))
		}
	}
	if a.db != nil {
		if sqlDB, err := a.db.DB(); err == nil {
			_ = sqlDB.Close()
		}
	}
}
