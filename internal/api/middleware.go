package api

import (
	"strconv"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	apperrors "github.com/gmsas95/medimate/internal/errors"
)

func (s *Server) metricsMiddleware() fiber.Handler {
	return func(c *fiber.Ctx) error {
		err := c.Next()
		s.metrics.RecordRequest(c.Method(), strconv.Itoa(c.Response().StatusCode()))
		return err
	}
}

var statusByCode = map[string]int{
	apperrors.ErrNotFound.Code:         fiber.StatusNotFound,
	apperrors.ErrBadRequest.Code:       fiber.StatusBadRequest,
	apperrors.ErrPermissionDenied.Code: fiber.StatusForbidden,
	apperrors.ErrRemoteWrite.Code:      fiber.StatusBadGateway,
	apperrors.ErrRemoteRead.Code:       fiber.StatusBadGateway,
	apperrors.ErrPushFailed.Code:       fiber.StatusBadGateway,
	apperrors.ErrNoPushToken.Code:      fiber.StatusUnprocessableEntity,
}

// fail writes err as a JSON error with a status derived from its code
func (s *Server) fail(c *fiber.Ctx, err error) error {
	code := apperrors.GetCode(err)
	status, ok := statusByCode[code]
	if !ok {
		status = fiber.StatusInternalServerError
	}
	if status >= 500 {
		s.logger.Error("Request failed",
			zap.String("method", c.Method()),
			zap.String("path", c.Path()),
			zap.String("code", code),
			zap.Error(err),
		)
	}
	return c.Status(status).JSON(ErrorResponse{Error: err.Error(), Code: code})
}

func badRequest(c *fiber.Ctx, msg string) error {
	return c.Status(fiber.StatusBadRequest).JSON(ErrorResponse{Error: msg, Code: apperrors.ErrBadRequest.Code})
}
