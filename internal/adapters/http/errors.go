package http

import (
	"errors"

	"github.com/gofiber/fiber/v2"

	"github.com/melih/lighthouse/internal/core/domain"
)

// statusFor maps domain errors to HTTP status codes.
func statusFor(err error) int {
	var fe *fiber.Error
	switch {
	case errors.As(err, &fe):
		return fe.Code
	case errors.Is(err, domain.ErrInvalidRecipe), errors.Is(err, domain.ErrInvalidInput):
		return fiber.StatusBadRequest
	case errors.Is(err, domain.ErrImageNotFound), errors.Is(err, domain.ErrContainerNotFound):
		return fiber.StatusNotFound
	case errors.Is(err, domain.ErrPortInUse), errors.Is(err, domain.ErrNameInUse):
		return fiber.StatusConflict
	case errors.Is(err, domain.ErrBaseUnavailable),
		errors.Is(err, domain.ErrSourceMissing),
		errors.Is(err, domain.ErrDependencyUnresolved),
		errors.Is(err, domain.ErrExecutableMissing):
		return fiber.StatusUnprocessableEntity
	}
	return fiber.StatusInternalServerError
}

func respondError(c *fiber.Ctx, err error) error {
	return c.Status(statusFor(err)).JSON(fiber.Map{
		"error": err.Error(),
	})
}

// ErrorHandler renders errors returned by handlers and middleware.
func ErrorHandler(c *fiber.Ctx, err error) error {
	return respondError(c, err)
}
