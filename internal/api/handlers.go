package api

import (
	"time"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	"github.com/gmsas95/medimate/internal/dose"
	apperrors "github.com/gmsas95/medimate/internal/errors"
	"github.com/gmsas95/medimate/internal/medication"
	"github.com/gmsas95/medimate/internal/notify"
	"github.com/gmsas95/medimate/internal/reminder"
	"github.com/gmsas95/medimate/internal/store"
)

func (s *Server) handleHealth(c *fiber.Ctx) error {
	resp := fiber.Map{
		"status":    "healthy",
		"version":   s.version,
		"timestamp": time.Now().Unix(),
	}
	if s.reminders != nil {
		resp["sessions"] = len(s.reminders.Scopes())
	}
	if s.metrics != nil {
		resp["uptime_seconds"] = int64(s.metrics.Uptime().Seconds())
	}
	return c.JSON(resp)
}

func (s *Server) handleDosePreview(c *fiber.Ctx) error {
	loc := time.Local
	if s.medications != nil {
		loc = s.medications.Location()
	}

	t0, err := dose.ParseTimeOfDay(c.Query("time"), loc)
	if err != nil {
		return badRequest(c, err.Error())
	}
	frequency := c.Query("frequency", dose.OnceDaily)
	interval := dose.EffectiveInterval(frequency, c.QueryInt("intervalHours", 0))

	times := dose.DoseTimes(t0, interval)
	preview := DosePreview{
		Time:          t0.String(),
		Frequency:     frequency,
		IntervalHours: interval,
		DoseTimes:     dose.Strings(times),
		DoseTimes12h:  make([]string, len(times)),
	}
	for i, t := range times {
		preview.DoseTimes12h[i] = t.Format12Hour()
	}
	return c.JSON(preview)
}

// ==================== Medications ====================

func (s *Server) handleListMedications(c *fiber.Ctx) error {
	meds, err := s.medications.List(c.UserContext(), c.Params("patient"))
	if err != nil {
		return s.fail(c, err)
	}
	return c.JSON(meds)
}

func (s *Server) handleGetMedication(c *fiber.Ctx) error {
	med, err := s.medications.Get(c.UserContext(), c.Params("patient"), c.Params("id"))
	if err != nil {
		return s.fail(c, err)
	}
	return c.JSON(med)
}

func (s *Server) handleCreateMedication(c *fiber.Ctx) error {
	var in medication.Input
	if err := c.BodyParser(&in); err != nil {
		return badRequest(c, "invalid request")
	}
	med, err := s.medications.Create(c.UserContext(), c.Params("patient"), in)
	if err != nil {
		return s.fail(c, err)
	}
	return c.Status(fiber.StatusCreated).JSON(med)
}

func (s *Server) handleUpdateMedication(c *fiber.Ctx) error {
	var in medication.Input
	if err := c.BodyParser(&in); err != nil {
		return badRequest(c, "invalid request")
	}
	med, err := s.medications.Update(c.UserContext(), c.Params("patient"), c.Params("id"), in)
	if err != nil {
		return s.fail(c, err)
	}
	return c.JSON(med)
}

func (s *Server) handleDeleteMedication(c *fiber.Ctx) error {
	if err := s.medications.Delete(c.UserContext(), c.Params("patient"), c.Params("id")); err != nil {
		return s.fail(c, err)
	}
	return c.SendStatus(fiber.StatusNoContent)
}

func (s *Server) handleDeleteMedicationsByName(c *fiber.Ctx) error {
	n, err := s.medications.DeleteByName(c.UserContext(), c.Params("patient"), c.Query("name"))
	if err != nil {
		return s.fail(c, err)
	}
	return c.JSON(fiber.Map{"deleted": n})
}

func (s *Server) handleToggleTaken(c *fiber.Ctx) error {
	var req TakenRequest
	if len(c.Body()) > 0 {
		if err := c.BodyParser(&req); err != nil {
			return badRequest(c, "invalid request")
		}
	}
	med, err := s.medications.ToggleTaken(c.UserContext(), c.Params("patient"), c.Params("id"), req.TakenAt)
	if err != nil {
		return s.fail(c, err)
	}
	return c.JSON(med)
}

func (s *Server) handleToggleSkipped(c *fiber.Ctx) error {
	med, err := s.medications.ToggleSkipped(c.UserContext(), c.Params("patient"), c.Params("id"))
	if err != nil {
		return s.fail(c, err)
	}
	return c.JSON(med)
}

func (s *Server) handleSendAlert(c *fiber.Ctx) error {
	res, err := s.medications.SendAlert(c.UserContext(), c.Params("patient"), c.Params("id"))
	if err != nil {
		return s.fail(c, err)
	}
	return c.JSON(res)
}

func (s *Server) handleRefills(c *fiber.Ctx) error {
	meds, err := s.medications.Refills(c.UserContext(), c.Params("patient"))
	if err != nil {
		return s.fail(c, err)
	}
	if meds == nil {
		meds = []medication.View{}
	}
	return c.JSON(meds)
}

// ==================== Reminder sessions ====================

func (s *Server) handleOpenSession(c *fiber.Ctx) error {
	patientID := c.Params("patient")
	ctrl, err := s.reminders.Open(c.UserContext(), patientID)
	if err != nil {
		return s.fail(c, err)
	}
	return c.JSON(SessionResponse{PatientID: patientID, Open: true, Bindings: ctrl.Bindings()})
}

func (s *Server) handleCloseSession(c *fiber.Ctx) error {
	if err := s.reminders.Close(c.Params("patient")); err != nil {
		return s.fail(c, err)
	}
	return c.SendStatus(fiber.StatusNoContent)
}

func (s *Server) handleListReminders(c *fiber.Ctx) error {
	patientID := c.Params("patient")
	resp := fiber.Map{"patientId": patientID, "open": false, "bindings": []reminder.Binding{}}

	if ctrl, ok := s.reminders.Controller(patientID); ok {
		resp["open"] = true
		resp["bindings"] = ctrl.Bindings()
	}
	if s.scheduler != nil {
		scheduled := s.scheduler.Reminders(patientID)
		if scheduled == nil {
			scheduled = []notify.Reminder{}
		}
		resp["scheduled"] = scheduled
	}
	return c.JSON(resp)
}

func (s *Server) handleResetReminders(c *fiber.Ctx) error {
	patientID := c.Params("patient")
	ctrl, ok := s.reminders.Controller(patientID)
	if !ok {
		return s.fail(c, apperrors.Wrapf(apperrors.ErrNotFound, nil, "no reminder session for %s", patientID))
	}
	res := ctrl.Reset(c.UserContext())
	s.logger.Info("Reminder reset requested",
		zap.String("patient_id", patientID),
		zap.Int("scheduled", res.Scheduled),
		zap.Int("cancelled", res.Cancelled),
	)
	return c.JSON(resetResponse(res))
}

// ==================== Users ====================

func (s *Server) handleGetUser(c *fiber.Ctx) error {
	user, err := s.store.GetUser(c.UserContext(), c.Params("id"))
	if err != nil {
		return s.fail(c, err)
	}
	return c.JSON(user)
}

func (s *Server) handleSaveUser(c *fiber.Ctx) error {
	var req UserRequest
	if err := c.BodyParser(&req); err != nil {
		return badRequest(c, "invalid request")
	}

	ctx := c.UserContext()
	id := c.Params("id")
	user, err := s.store.GetUser(ctx, id)
	if err != nil {
		if !apperrors.Is(err, apperrors.ErrNotFound) {
			return s.fail(c, err)
		}
		user = &store.User{ID: id, CreatedAt: time.Now()}
	}
	user.FirstName = req.FirstName
	user.FullName = req.FullName
	if req.Role != "" {
		user.Role = req.Role
	}
	if user.Role == "" {
		user.Role = store.RolePatient
	}

	if err := s.store.SaveUser(ctx, user); err != nil {
		return s.fail(c, err)
	}
	return c.JSON(user)
}

func (s *Server) handleSetPushToken(c *fiber.Ctx) error {
	var req PushTokenRequest
	if err := c.BodyParser(&req); err != nil || req.Token == "" {
		return badRequest(c, "token is required")
	}
	if err := s.store.SetPushToken(c.UserContext(), c.Params("id"), req.Token); err != nil {
		return s.fail(c, err)
	}
	return c.SendStatus(fiber.StatusNoContent)
}

func (s *Server) handleLinkCaregiver(c *fiber.Ctx) error {
	var req LinkRequest
	if err := c.BodyParser(&req); err != nil || req.PatientID == "" {
		return badRequest(c, "patientId is required")
	}
	caregiver, err := s.store.LinkCaregiver(c.UserContext(), c.Params("id"), req.PatientID)
	if err != nil {
		return s.fail(c, err)
	}
	return c.JSON(caregiver)
}
