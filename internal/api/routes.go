package api

import (
	"strings"

	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"
)

func (s *Server) setupRoutes() {
	origins := "*"
	if s.config != nil && len(s.config.Server.AllowOrigins) > 0 {
		origins = strings.Join(s.config.Server.AllowOrigins, ",")
	}

	s.app.Use(recover.New())
	s.app.Use(logger.New(logger.Config{
		Format: "[${time}] ${status} - ${latency} ${method} ${path}\n",
	}))
	s.app.Use(cors.New(cors.Config{
		AllowOrigins: origins,
		AllowHeaders: "Origin, Content-Type, Accept",
		AllowMethods: "GET, POST, PUT, DELETE, OPTIONS",
	}))
	s.app.Use(s.metricsMiddleware())

	s.app.Get("/api/health", s.handleHealth)
	if s.metrics != nil {
		s.app.Get("/metrics", adaptor.HTTPHandler(s.metrics.Handler()))
	}

	api := s.app.Group("/api")

	api.Get("/doses", s.handleDosePreview)

	patients := api.Group("/patients/:patient")
	patients.Get("/medications", s.handleListMedications)
	patients.Post("/medications", s.handleCreateMedication)
	patients.Delete("/medications", s.handleDeleteMedicationsByName)
	patients.Get("/medications/:id", s.handleGetMedication)
	patients.Put("/medications/:id", s.handleUpdateMedication)
	patients.Delete("/medications/:id", s.handleDeleteMedication)
	patients.Post("/medications/:id/taken", s.handleToggleTaken)
	patients.Post("/medications/:id/skip", s.handleToggleSkipped)
	patients.Post("/medications/:id/alert", s.handleSendAlert)
	patients.Get("/refills", s.handleRefills)

	patients.Post("/session", s.handleOpenSession)
	patients.Delete("/session", s.handleCloseSession)
	patients.Get("/reminders", s.handleListReminders)
	patients.Post("/reminders/reset", s.handleResetReminders)

	api.Get("/users/:id", s.handleGetUser)
	api.Put("/users/:id", s.handleSaveUser)
	api.Post("/users/:id/push-token", s.handleSetPushToken)
	api.Post("/caregivers/:id/link", s.handleLinkCaregiver)
}
