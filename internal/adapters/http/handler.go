package http

import (
	"github.com/gofiber/fiber/v2"

	"github.com/melih/lighthouse/internal/core/services"
)

type ContainerHandler struct {
	service *services.ContainerService
}

func NewContainerHandler(service *services.ContainerService) *ContainerHandler {
	return &ContainerHandler{service: service}
}

func (h *ContainerHandler) ListContainers(c *fiber.Ctx) error {
	containers, err := h.service.List(c.Context())
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(containers)
}

func (h *ContainerHandler) GetContainer(c *fiber.Ctx) error {
	container, err := h.service.Get(c.Context(), c.Params("id"))
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(container)
}

func (h *ContainerHandler) StartContainer(c *fiber.Ctx) error {
	var req services.LaunchRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Invalid request body",
		})
	}

	container, err := h.service.Start(c.Context(), req)
	if err != nil {
		return respondError(c, err)
	}
	return c.Status(fiber.StatusCreated).JSON(container)
}

func (h *ContainerHandler) StopContainer(c *fiber.Ctx) error {
	if err := h.service.Stop(c.Context(), c.Params("id")); err != nil {
		return respondError(c, err)
	}
	return c.SendStatus(fiber.StatusNoContent)
}

func (h *ContainerHandler) GetContainerLogs(c *fiber.Ctx) error {
	logs, err := h.service.Logs(c.Context(), c.Params("id"))
	if err != nil {
		return respondError(c, err)
	}
	// SendStream closes the reader once the body is written.
	c.Set(fiber.HeaderContentType, fiber.MIMETextPlainCharsetUTF8)
	return c.SendStream(logs)
}
