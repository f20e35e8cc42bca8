package app

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/gmsas95/medimate/internal/api"
	"github.com/gmsas95/medimate/internal/changefeed"
	"github.com/gmsas95/medimate/internal/config"
	"github.com/gmsas95/medimate/internal/importer"
	"github.com/gmsas95/medimate/internal/medication"
	"github.com/gmsas95/medimate/internal/metrics"
	"github.com/gmsas95/medimate/internal/notify"
	"github.com/gmsas95/medimate/internal/reminder"
	"github.com/gmsas95/medimate/internal/store"
)

const shutdownTimeout = 15 * time.Second

type App struct {
	Config      *config.Config
	Logger      *zap.Logger
	Metrics     *metrics.Metrics
	Feed        changefeed.Feed
	Store       *store.Store
	Push        *notify.PushClient
	Medications *medication.Service
	Scheduler   *notify.LocalScheduler
	Reminders   *reminder.Manager
	Server      *api.Server
	Version     string
}

// New wires every component from cfg. Nothing runs until Start.
func New(ctx context.Context, cfg *config.Config, logger *zap.Logger, version string) (*App, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	loc, err := cfg.Location()
	if err != nil {
		return nil, err
	}

	var feed changefeed.Feed = changefeed.NewHub()
	if cfg.Redis.Enabled {
		rf, err := changefeed.NewRedisFeed(ctx, changefeed.RedisOptions{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
			Channel:  cfg.Redis.Channel,
		}, logger)
		if err != nil {
			return nil, fmt.Errorf("failed to connect change feed: %w", err)
		}
		feed = rf
		logger.Info("Using Redis change feed", zap.String("addr", cfg.Redis.Addr))
	}

	st, err := store.New(cfg, feed, logger)
	if err != nil {
		_ = feed.Close()
		return nil, fmt.Errorf("failed to initialize store: %w", err)
	}

	m := metrics.Default()

	push := notify.NewPushClient(notify.PushOptions{
		URL:               cfg.Push.URL,
		Timeout:           cfg.Push.Timeout,
		RequestsPerSecond: cfg.Push.RequestsPerSecond,
		Burst:             cfg.Push.Burst,
		BreakerFailures:   cfg.Push.BreakerFailures,
		BreakerTimeout:    cfg.Push.BreakerTimeout,
	}, logger)

	meds := medication.NewService(st, push, loc, m, logger)

	scheduler := notify.NewLocalScheduler(notify.LocalOptions{
		Location: loc,
		Granted:  cfg.Reminders.NotificationsGranted,
		Fire:     meds.DeliverReminder,
	}, logger)

	reminders := reminder.NewManager(reminder.ManagerOptions{
		Source: st,
		Dispatchers: func(scope string) notify.Dispatcher {
			return scheduler.Scope(scope)
		},
		Bindings:       reminder.NewBadgerBindings(st.Badger()),
		Location:       loc,
		CallTimeout:    cfg.Reminders.CallTimeout,
		ResyncInterval: cfg.Reminders.ResyncInterval,
		TitleTemplate:  cfg.Reminders.TitleTemplate,
		BodyTemplate:   cfg.Reminders.BodyTemplate,
		Metrics:        m,
	}, logger)

	server := api.New(api.Deps{
		Config:      cfg,
		Store:       st,
		Medications: meds,
		Reminders:   reminders,
		Scheduler:   scheduler,
		Metrics:     m,
		Version:     version,
	}, logger)

	return &App{
		Config:      cfg,
		Logger:      logger,
		Metrics:     m,
		Feed:        feed,
		Store:       st,
		Push:        push,
		Medications: meds,
		Scheduler:   scheduler,
		Reminders:   reminders,
		Server:      server,
		Version:     version,
	}, nil
}

// Start fires local triggers and opens the configured reminder sessions
func (app *App) Start(ctx context.Context) error {
	app.Scheduler.Start()

	if !app.Config.Reminders.Enabled {
		app.Logger.Info("Reminder sessions disabled")
		return nil
	}
	for _, patientID := range app.Config.Reminders.Patients {
		ctrl, err := app.Reminders.Open(ctx, patientID)
		if err != nil {
			return fmt.Errorf("failed to open reminder session for %s: %w", patientID, err)
		}
		app.Logger.Info("Reminder session opened",
			zap.String("patient_id", patientID),
			zap.Int("bindings", len(ctrl.Bindings())),
		)
	}
	return nil
}

// RunServer starts everything, serves HTTP and blocks until SIGINT or SIGTERM
func (app *App) RunServer() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := app.Start(ctx); err != nil {
		_ = app.Shutdown(context.Background())
		return err
	}

	serveErr := make(chan error, 1)
	go func() {
		serveErr <- app.Server.Start()
	}()

	app.Logger.Info("Server started",
		zap.String("address", app.Config.ListenAddr()),
		zap.String("url", fmt.Sprintf("http://localhost:%d", app.Config.Server.Port)),
		zap.Strings("patients", app.Config.Reminders.Patients),
	)

	var err error
	select {
	case <-ctx.Done():
		app.Logger.Info("Shutting down...")
	case err = <-serveErr:
		app.Logger.Error("Server error", zap.Error(err))
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if serr := app.Shutdown(shutdownCtx); serr != nil {
		err = errors.Join(err, serr)
	}
	return err
}

// Shutdown stops the server, sessions, triggers and storage. Reminder
// bindings stay persisted for the next start.
func (app *App) Shutdown(ctx context.Context) error {
	var errs []error

	done := make(chan error, 1)
	go func() {
		done <- app.Server.Shutdown()
	}()
	select {
	case err := <-done:
		if err != nil {
			errs = append(errs, fmt.Errorf("server shutdown: %w", err))
		}
	case <-ctx.Done():
		errs = append(errs, fmt.Errorf("server shutdown: %w", ctx.Err()))
	}

	app.Reminders.Shutdown()
	app.Scheduler.Stop()

	if err := app.Store.Close(); err != nil {
		errs = append(errs, err)
	}
	if err := app.Feed.Close(); err != nil {
		errs = append(errs, fmt.Errorf("change feed close: %w", err))
	}
	return errors.Join(errs...)
}

// Import loads a medication file into patientID's list, or into the
// patient named by the file when patientID is empty
func (app *App) Import(ctx context.Context, patientID, path string) (*importer.Report, error) {
	f, err := importer.ParseFile(path)
	if err != nil {
		return nil, err
	}
	return importer.New(app.Medications, app.Logger).Import(ctx, patientID, f)
}
