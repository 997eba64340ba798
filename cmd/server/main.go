/*
main.go - Application entry point

PURPOSE:
  Initializes and starts the clinic engine: REST API, calendar
  reconciliation and confirmation emails. Handles configuration,
  dependency injection, and graceful shutdown.

COMMANDS:
  serve     Start the HTTP server (and the background jobs when enabled)
  sync      Run one calendar reconciliation and print the summary
  migrate   Create or upgrade the SQLite schema

STARTUP SEQUENCE (serve):
  1. Load and validate configuration (.env + environment)
  2. Initialize logger and Sentry
  3. Initialize SQLite store
  4. Wire reconciler (when Azure credentials are set) and confirmations
  5. Start scheduler (JOBS_ENABLED=true)
  6. Start server with graceful shutdown

GRACEFUL SHUTDOWN:
  On SIGINT/SIGTERM:
  1. Stop the scheduler (running jobs finish)
  2. Stop accepting new connections
  3. Wait for active requests to complete (30s timeout)
  4. Close database connection

EXAMPLES:
  # Run with file database
  DB_PATH=./data/clinic.db ./clinic-server serve

  # Reconcile next week with every matching strategy
  ./clinic-server sync --from 2024-03-01 --to 2024-03-08 --strategy all

SEE ALSO:
  - config/config.go: Settings and defaults
  - api/server.go: Router configuration
  - api/scheduler.go: Background jobs
*/
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

	"github.com/getsentry/sentry-go"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/sparkbloom/clinic-engine/api"
	"github.com/sparkbloom/clinic-engine/calendar"
	"github.com/sparkbloom/clinic-engine/clinic"
	"github.com/sparkbloom/clinic-engine/config"
	"github.com/sparkbloom/clinic-engine/notify"
	"github.com/sparkbloom/clinic-engine/pricing"
	"github.com/sparkbloom/clinic-engine/reconcile"
	"github.com/sparkbloom/clinic-engine/store/sqlite"
)

func main() {
	rootCmd := &cobra.Command{
		Use:           "clinic-server",
		Short:         "Clinic engine: pricing ledger, calendar sync and session confirmations",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(syncCmd())
	rootCmd.AddCommand(migrateCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

// =============================================================================
// COMMANDS
// =============================================================================

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer()
		},
	}
}

func syncCmd() *cobra.Command {
	var (
		from, to, strategy string
		calendars          []string
	)
	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Run one calendar reconciliation",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := setup()
			if err != nil {
				return err
			}
			app, err := newApp(cfg, logger)
			if err != nil {
				return err
			}
			defer app.close()
			if app.reconciler == nil {
				return errors.New("calendar sync needs AZURE_TENANT_ID, AZURE_CLIENT_ID and AZURE_CLIENT_SECRET")
			}

			req := reconcile.Request{
				CalendarIDs: cfg.CalendarIDs,
				Strategy:    reconcile.Strategy(cfg.SyncStrategy),
				Trigger:     "cli",
			}
			if len(calendars) > 0 {
				req.CalendarIDs = calendars
			}
			if strategy != "" {
				req.Strategy = reconcile.Strategy(strategy)
			}
			req.From = time.Now().UTC()
			if from != "" {
				if req.From, err = parseFlagTime("from", from); err != nil {
					return err
				}
			}
			req.To = req.From.Add(cfg.SyncWindow)
			if to != "" {
				if req.To, err = parseFlagTime("to", to); err != nil {
					return err
				}
			}

			summary, err := app.reconciler.Run(cmd.Context(), req)
			if err != nil {
				return err
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(summary)
		},
	}
	cmd.Flags().StringVar(&from, "from", "", "window start (RFC 3339 or YYYY-MM-DD, default now)")
	cmd.Flags().StringVar(&to, "to", "", "window end (RFC 3339 or YYYY-MM-DD, default from + SYNC_WINDOW)")
	cmd.Flags().StringVar(&strategy, "strategy", "", "matching strategy: subject, attendee, category or all")
	cmd.Flags().StringSliceVar(&calendars, "calendar", nil, "calendar id (repeatable, default OUTLOOK_CALENDAR_IDS)")
	return cmd
}

func migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create or upgrade the database schema",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := setup()
			if err != nil {
				return err
			}
			// Opening the store applies the schema.
			store, err := sqlite.New(cfg.DBPath)
			if err != nil {
				return err
			}
			defer store.Close()
			logger.Info().Str("db", cfg.DBPath).Msg("database schema is up to date")
			return nil
		},
	}
}

// =============================================================================
// SERVER
// =============================================================================

func runServer() error {
	cfg, logger, err := setup()
	if err != nil {
		return err
	}
	flush := initSentry(cfg, logger)
	defer flush()

	app, err := newApp(cfg, logger)
	if err != nil {
		return err
	}
	defer app.close()

	handler := api.NewHandler(app.store, logger)
	handler.Ledger = app.ledger
	handler.Location = cfg.Location()
	handler.Confirmations = app.confirmations
	handler.SyncDefaults = app.syncDefaults()
	if app.reconciler != nil {
		handler.Sync = app.reconciler
	}

	var scheduler *api.Scheduler
	if cfg.JobsEnabled {
		scheduler = api.NewScheduler(handler.Sync, app.emailJob(), handler.SyncDefaults, logger)
		scheduler.SyncInterval = cfg.SyncInterval
		scheduler.EmailInterval = cfg.EmailInterval
		if err := scheduler.Start(); err != nil {
			return err
		}
	}

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           api.NewRouter(handler, cfg.CORS),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info().Str("port", cfg.Port).Str("env", cfg.Env).Msg("server starting")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-quit:
	case err := <-errCh:
		return fmt.Errorf("server failed: %w", err)
	}

	logger.Info().Msg("shutting down server")
	if scheduler != nil {
		scheduler.Stop()
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		return fmt.Errorf("server shutdown failed: %w", err)
	}
	logger.Info().Msg("server stopped")
	return nil
}

// =============================================================================
// WIRING
// =============================================================================

type app struct {
	cfg           *config.Config
	logger        zerolog.Logger
	store         *sqlite.Store
	ledger        *pricing.Ledger
	reconciler    *reconcile.Reconciler // nil without Azure credentials
	confirmations *notify.Confirmations
}

func newApp(cfg *config.Config, logger zerolog.Logger) (*app, error) {
	store, err := sqlite.New(cfg.DBPath)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize database: %w", err)
	}
	logger.Info().Str("db", cfg.DBPath).Msg("database ready")

	a := &app{
		cfg:    cfg,
		logger: logger,
		store:  store,
		ledger: pricing.NewLedger(store),
	}

	if cfg.AzureTenantID != "" && cfg.AzureClientID != "" && cfg.AzureClientSecret != "" {
		creds := calendar.NewAzureCredentials(cfg.AzureTenantID, cfg.AzureClientID, cfg.AzureClientSecret)
		a.reconciler = &reconcile.Reconciler{
			Events:      calendar.NewGraphClient(cfg.GraphBaseURL, creds),
			Credentials: creds,
			Patients:    store,
			Sessions:    store,
			Pricing:     a.ledger,
			Runs:        store,
			Logger:      logger.With().Str("component", "reconciler").Logger(),
			CallTimeout: cfg.SyncCallTimeout,
			Now:         time.Now,
		}
	} else {
		logger.Warn().Msg("Azure credentials not set, calendar sync disabled")
	}

	a.confirmations = &notify.Confirmations{
		Sessions: store,
		Patients: store,
		Mailer: &notify.SMTPMailer{
			Host:   cfg.SMTPHost,
			Port:   cfg.SMTPPort,
			User:   cfg.SMTPUser,
			Pass:   cfg.SMTPPass,
			From:   cfg.SMTPFrom,
			Logger: logger,
		},
		Signer:         notify.NewSigner(cfg.Secret()),
		BaseURL:        cfg.BaseURL,
		TherapistEmail: cfg.TherapistEmail,
		Location:       cfg.Location(),
		Logger:         logger.With().Str("component", "confirmations").Logger(),
		Now:            time.Now,
	}
	return a, nil
}

func (a *app) syncDefaults() api.SyncDefaults {
	return api.SyncDefaults{
		CalendarIDs: a.cfg.CalendarIDs,
		Strategy:    reconcile.Strategy(a.cfg.SyncStrategy),
		Window:      a.cfg.SyncWindow,
	}
}

// emailJob returns the confirmation sender when SMTP and a recipient are
// configured, nil otherwise.
func (a *app) emailJob() api.DueSender {
	if a.cfg.SMTPHost == "" || a.cfg.TherapistEmail == "" {
		a.logger.Warn().Msg("SMTP_HOST or THERAPIST_EMAIL not set, confirmation emails disabled")
		return nil
	}
	return a.confirmations
}

func (a *app) close() {
	if err := a.store.Close(); err != nil {
		a.logger.Error().Err(err).Msg("failed to close database")
	}
}

// =============================================================================
// AMBIENT SETUP
// =============================================================================

func setup() (*config.Config, zerolog.Logger, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, zerolog.Nop(), fmt.Errorf("failed to load config: %w", err)
	}
	logger := newLogger(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, logger, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, logger, nil
}

func newLogger(cfg *config.Config) zerolog.Logger {
	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil || level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}
	logger := zerolog.New(os.Stdout).With().Timestamp().Logger()
	if cfg.IsDev() {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).With().Timestamp().Logger()
	}
	return logger.Level(level)
}

// initSentry configures error reporting when SENTRY_DSN is set. The returned
// func flushes pending events.
func initSentry(cfg *config.Config, logger zerolog.Logger) func() {
	if cfg.SentryDSN == "" {
		return func() {}
	}
	err := sentry.Init(sentry.ClientOptions{
		Dsn:         cfg.SentryDSN,
		Environment: cfg.Env,
	})
	if err != nil {
		logger.Error().Err(err).Msg("sentry initialization failed")
		return func() {}
	}
	logger.Info().Msg("sentry enabled")
	return func() { sentry.Flush(2 * time.Second) }
}

func parseFlagTime(name, s string) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t.UTC(), nil
	}
	t, err := time.Parse("2006-01-02", s)
	if err != nil {
		return time.Time{}, clinic.Invalid(name, "datetime", "must be RFC 3339 or YYYY-MM-DD")
	}
	return t, nil
}
