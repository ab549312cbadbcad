package http

import (
	"time"

	"github.com/charmbracelet/log"
	"github.com/gofiber/fiber/v2"
)

// RouterConfig holds the handlers mounted by NewRouter.
type RouterConfig struct {
	Images     *ImageHandler
	Containers *ContainerHandler
	// Proxy is mounted ahead of the API when set.
	Proxy  *ProxyHandler
	Logger *log.Logger
}

// NewRouter builds the Fiber application serving /api/v1.
func NewRouter(cfg RouterConfig) *fiber.App {
	app := fiber.New(fiber.Config{
		ErrorHandler:          ErrorHandler,
		DisableStartupMessage: true,
	})

	if cfg.Logger != nil {
		app.Use(requestLogger(cfg.Logger))
	}
	if cfg.Proxy != nil {
		app.Use(cfg.Proxy.ProxyRequest)
	}

	api := app.Group("/api")
	v1 := api.Group("/v1")

	images := v1.Group("/images")
	images.Get("/", cfg.Images.ListImages)
	images.Post("/", cfg.Images.BuildImage)
	images.Get("/*", cfg.Images.GetImage)

	// Routes for Container operations
	containers := v1.Group("/containers")
	containers.Get("/", cfg.Containers.ListContainers)
	containers.Post("/", cfg.Containers.StartContainer)
	containers.Get("/:id", cfg.Containers.GetContainer)
	containers.Delete("/:id", cfg.Containers.StopContainer)
	containers.Get("/:id/logs", cfg.Containers.GetContainerLogs)

	return app
}

func requestLogger(logger *log.Logger) fiber.Handler {
	return func(c *fiber.Ctx) error {
		start := time.Now()
		err := c.Next()
		status := c.Response().StatusCode()
		if err != nil {
			status = statusFor(err)
		}
		logger.Info("request", "method", c.Method(), "path", c.Path(), "status", status, "duration", time.Since(start).Round(time.Millisecond))
		return err
	}
}
