// Package server exposes the webhook ingestion surface. Handlers only
// persist and acknowledge; all processing happens in the runtime so a slow
// platform can never make an upstream retry storm worse.
package server

import (
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/gofiber/fiber/v3/middleware/cors"
	"github.com/gofiber/fiber/v3/middleware/logger"
)

type HTTPServerDependencies struct {
	WebhookController *WebhookController
}

func NewHTTPServer(deps HTTPServerDependencies) *fiber.App {
	router := fiber.New(fiber.Config{
		AppName: "tributary-ingest",
	})

	router.Use(cors.New())
	router.Use(logger.New())

	router.Get("/health", func(c fiber.Ctx) error {
		return c.Status(fiber.StatusOK).JSON(fiber.Map{
			"status":    "healthy",
			"service":   "tributary-ingest",
			"timestamp": time.Now().UTC().Format(time.RFC3339),
		})
	})

	webhooks := router.Group("/webhooks")

	webhooks.Post("/github", deps.WebhookController.HandleGithub)
	webhooks.Post("/groupsio", deps.WebhookController.HandleGroupsio)
	webhooks.Post("/discourse/:targetId", deps.WebhookController.HandleDiscourse)
	webhooks.Post("/gitlab/:integrationId", deps.WebhookController.HandleGitlab)

	return router
}
