package http

import (
	"bytes"
	"net/url"

	"github.com/gofiber/fiber/v2"

	"github.com/melih/lighthouse/internal/core/domain"
	"github.com/melih/lighthouse/internal/core/services"
)

type ImageHandler struct {
	service *services.ImageService
}

func NewImageHandler(service *services.ImageService) *ImageHandler {
	return &ImageHandler{service: service}
}

// BuildImageRequest is the body of POST /images. Recipe is the JSON directive
// list; Dockerfile is recipe text. Without either the context's Dockerfile
// (or RecipeFile) is used.
type BuildImageRequest struct {
	Tag        string            `json:"tag"`
	Recipe     *domain.Recipe    `json:"recipe"`
	Dockerfile string            `json:"dockerfile"`
	RecipeFile string            `json:"recipe_file"`
	Context    domain.SourceSpec `json:"context"`
	NoCache    bool              `json:"no_cache"`
}

type BuildImageResponse struct {
	Image  domain.Image        `json:"image"`
	Steps  []domain.StepResult `json:"steps"`
	Output string              `json:"output"`
}

func (h *ImageHandler) BuildImage(c *fiber.Ctx) error {
	var req BuildImageRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Invalid request body: " + err.Error(),
		})
	}

	// Note: builds run inline with the request.
	var out bytes.Buffer
	res, err := h.service.Build(c.Context(), services.BuildRequest{
		Tag:        req.Tag,
		Recipe:     req.Recipe,
		Dockerfile: req.Dockerfile,
		RecipeFile: req.RecipeFile,
		Source:     req.Context,
		NoCache:    req.NoCache,
		Output:     &out,
	})
	if err != nil {
		return c.Status(statusFor(err)).JSON(fiber.Map{
			"error":  err.Error(),
			"output": out.String(),
		})
	}
	return c.Status(fiber.StatusCreated).JSON(BuildImageResponse{Image: res.Image, Steps: res.Steps, Output: out.String()})
}

func (h *ImageHandler) ListImages(c *fiber.Ctx) error {
	images, err := h.service.ListImages(c.Context())
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(images)
}

// GetImage resolves the reference in the wildcard path segment, which may hold
// slashes (docker.io/library/app:v1).
func (h *ImageHandler) GetImage(c *fiber.Ctx) error {
	ref, err := url.PathUnescape(c.Params("*"))
	if err != nil || ref == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Image reference is required",
		})
	}
	img, err := h.service.GetImage(c.Context(), ref)
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(img)
}
