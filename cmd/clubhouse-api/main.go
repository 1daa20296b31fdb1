package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/MarcoPoloResearchLab/clubhouse/backend/internal/businesstime"
	"github.com/MarcoPoloResearchLab/clubhouse/backend/internal/config"
	"github.com/MarcoPoloResearchLab/clubhouse/backend/internal/logging"
	"github.com/MarcoPoloResearchLab/clubhouse/backend/internal/records"
	"github.com/MarcoPoloResearchLab/clubhouse/backend/internal/server"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

const shutdownTimeout = 10 * time.Second

var (
	cfgFile string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "clubhouse-api",
		Short: "Clubhouse calendar sync and availability service",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return initConfig()
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(cmd.Context())
		},
	}

	setupFlags(rootCmd)
	rootCmd.AddCommand(newServeCommand(), newReconcileCommand(), newAvailabilityCommand())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func setupFlags(cmd *cobra.Command) {
	config.ApplyDefaults(viper.GetViper())
	defaults := config.NewViper()
	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "Path to configuration file")
	cmd.PersistentFlags().String("http-address", defaults.GetString("http.address"), "HTTP listen address")
	cmd.PersistentFlags().String("database-path", defaults.GetString("database.path"), "SQLite database path")
	cmd.PersistentFlags().String("log-level", defaults.GetString("log.level"), "Log level (debug, info, warn, error)")
	cmd.PersistentFlags().String("timezone", defaults.GetString("business.timezone"), "Business timezone")
	cmd.PersistentFlags().String("calendar-provider", defaults.GetString("calendar.provider"), "Calendar provider (google, ics)")
	cmd.PersistentFlags().String("calendar-credentials", "", "Google service account credentials file")
	cmd.PersistentFlags().String("sync-schedule", defaults.GetString("sync.schedule"), "Cron schedule for reconcile passes")
	cmd.PersistentFlags().String("redis-address", "", "Redis address for the busy-period cache")
	cmd.PersistentFlags().String("signing-secret", "", "Session signing secret (overrides env)")

	bindFlag(cmd, "http.address", "http-address")
	bindFlag(cmd, "database.path", "database-path")
	bindFlag(cmd, "log.level", "log-level")
	bindFlag(cmd, "business.timezone", "timezone")
	bindFlag(cmd, "calendar.provider", "calendar-provider")
	bindFlag(cmd, "calendar.credentials_file", "calendar-credentials")
	bindFlag(cmd, "sync.schedule", "sync-schedule")
	bindFlag(cmd, "redis.address", "redis-address")
	bindFlag(cmd, "auth.signing_secret", "signing-secret")
}

func bindFlag(cmd *cobra.Command, key, flag string) {
	if err := viper.BindPFlag(key, cmd.PersistentFlags().Lookup(flag)); err != nil {
		panic(err)
	}
}

func initConfig() error {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	}

	if err := viper.ReadInConfig(); err != nil {
		var configNotFound viper.ConfigFileNotFoundError
		if cfgFile != "" && errors.As(err, &configNotFound) {
			return err
		}
	}

	return nil
}

func newServeCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API and the reconcile scheduler",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(cmd.Context())
		},
	}
}

func newReconcileCommand() *cobra.Command {
	var kindFlag string
	cmd := &cobra.Command{
		Use:   "reconcile",
		Short: "Run one reconcile pass and print its summary",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApplication(cmd.Context(), func(ctx context.Context, app *application) error {
				if kindFlag == "" || kindFlag == "all" {
					results, err := app.engine.ReconcileAll(ctx)
					printJSON(cmd, results)
					return err
				}
				kind, err := records.ParseKind(kindFlag)
				if err != nil {
					return err
				}
				result, err := app.engine.Reconcile(ctx, kind)
				printJSON(cmd, result)
				if err != nil {
					return err
				}
				return result.Err
			})
		},
	}
	cmd.Flags().StringVar(&kindFlag, "kind", "all", "Kind to reconcile (events, wellness, closures, all)")
	return cmd
}

func newAvailabilityCommand() *cobra.Command {
	var (
		resourceID int64
		dateFlag   string
		duration   int
	)
	cmd := &cobra.Command{
		Use:   "availability",
		Short: "Print the slot grid of a resource",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApplication(cmd.Context(), func(ctx context.Context, app *application) error {
				date := app.zone.Today()
				if dateFlag != "" {
					parsed, err := businesstime.ParseDate(dateFlag)
					if err != nil {
						return err
					}
					date = parsed
				}
				result, err := app.availability.Resolve(ctx, resourceID, date, duration)
				if err != nil {
					return err
				}
				for _, slot := range result.Slots {
					marker := "busy"
					if slot.Available {
						marker = "open"
					}
					fmt.Fprintf(cmd.OutOrStdout(), "%s-%s %s\n", slot.Start, slot.End, marker)
				}
				if result.Degraded {
					fmt.Fprintln(cmd.OutOrStdout(), "(calendar busy periods unavailable)")
				}
				return nil
			})
		},
	}
	cmd.Flags().Int64Var(&resourceID, "resource", 1, "Resource identifier")
	cmd.Flags().StringVar(&dateFlag, "date", "", "Date (YYYY-MM-DD); defaults to today")
	cmd.Flags().IntVar(&duration, "duration", 60, "Slot duration in minutes")
	return cmd
}

func printJSON(cmd *cobra.Command, value any) {
	encoder := json.NewEncoder(cmd.OutOrStdout())
	encoder.SetIndent("", "  ")
	_ = encoder.Encode(value)
}

func withApplication(ctx context.Context, run func(context.Context, *application) error) error {
	appConfig, err := config.Load(viper.GetViper())
	if err != nil {
		return err
	}
	logger, err := logging.NewLogger(appConfig.LogLevel)
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	app, err := newApplication(ctx, appConfig, logger)
	if err != nil {
		return err
	}
	defer app.Close()
	return run(ctx, app)
}

func runServer(ctx context.Context) error {
	return withApplication(ctx, func(ctx context.Context, app *application) error {
		logger := app.logger
		handler, err := server.NewHTTPHandler(server.Dependencies{
			Sessions:       app.sessions,
			Availability:   app.availability,
			Reconciler:     app.engine,
			Runs:           app.runs,
			RunFeed:        app.runFeed,
			Closures:       app.closures,
			Blocks:         app.blocks,
			Bookings:       app.publisher,
			Metrics:        promhttp.Handler(),
			AllowedOrigins: app.config.AllowedOrigins,
			Logger:         logging.Named(logger, "http"),
		})
		if err != nil {
			return err
		}

		httpServer := &http.Server{
			Addr:              app.config.HTTPAddress,
			Handler:           handler,
			ReadHeaderTimeout: 10 * time.Second,
		}

		signalCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		app.scheduler.Start(signalCtx)

		errCh := make(chan error, 1)
		go func() {
			logger.Info("server starting", zap.String("address", app.config.HTTPAddress))
			err := httpServer.ListenAndServe()
			if err != nil && !errors.Is(err, http.ErrServerClosed) {
				errCh <- err
			}
			close(errCh)
		}()

		var serveErr error
		select {
		case <-signalCtx.Done():
		case serveErr = <-errCh:
		}

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			logger.Warn("http shutdown failed", zap.Error(err))
		}
		if err := app.scheduler.Stop(shutdownCtx); err != nil {
			logger.Warn("scheduler shutdown timed out", zap.Error(err))
		}
		return serveErr
	})
}
