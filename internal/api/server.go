package api

import (
	"context"
	"time"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	"github.com/gmsas95/medimate/internal/config"
	"github.com/gmsas95/medimate/internal/medication"
	"github.com/gmsas95/medimate/internal/metrics"
	"github.com/gmsas95/medimate/internal/notify"
	"github.com/gmsas95/medimate/internal/reminder"
	"github.com/gmsas95/medimate/internal/store"
)

// Deps are the services the HTTP API exposes
type Deps struct {
	Config      *config.Config
	Store       *store.Store
	Medications *medication.Service
	Reminders   *reminder.Manager
	Scheduler   *notify.LocalScheduler
	Metrics     *metrics.Metrics
	Version     string
}

// Server handles the HTTP API
type Server struct {
	app         *fiber.App
	config      *config.Config
	store       *store.Store
	medications *medication.Service
	reminders   *reminder.Manager
	scheduler   *notify.LocalScheduler
	metrics     *metrics.Metrics
	version     string
	logger      *zap.Logger
}

// New creates a new API server
func New(deps Deps, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	readTimeout, writeTimeout := 30, 30
	if deps.Config != nil {
		readTimeout = deps.Config.Server.ReadTimeout
		writeTimeout = deps.Config.Server.WriteTimeout
	}

	app := fiber.New(fiber.Config{
		ReadTimeout:           time.Duration(readTimeout) * time.Second,
		WriteTimeout:          time.Duration(writeTimeout) * time.Second,
		IdleTimeout:           120 * time.Second,
		DisableStartupMessage: true,
	})

	s := &Server{
		app:         app,
		config:      deps.Config,
		store:       deps.Store,
		medications: deps.Medications,
		reminders:   deps.Reminders,
		scheduler:   deps.Scheduler,
		metrics:     deps.Metrics,
		version:     deps.Version,
		logger:      logger,
	}

	s.setupRoutes()
	return s
}

// App exposes the fiber app, mainly for tests
func (s *Server) App() *fiber.App {
	return s.app
}

// Start listens on the configured address until Shutdown
func (s *Server) Start() error {
	addr := "0.0.0.0:8080"
	if s.config != nil {
		addr = s.config.ListenAddr()
	}
	s.logger.Info("HTTP API listening", zap.String("addr", addr))
	return s.app.Listen(addr)
}

// Shutdown stops the server, waiting up to 10s for open requests
func (s *Server) Shutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return s.app.ShutdownWithContext(ctx)
}
