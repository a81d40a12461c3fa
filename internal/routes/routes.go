package routes

import (
	"os"

	"github.com/gofiber/fiber/v2"

	"github.com/malena-cloud/panelbot/internal/handlers"
	"github.com/malena-cloud/panelbot/internal/services"
)

// SetupRoutes configures all API routes
func SetupRoutes(app *fiber.App, conversations *services.ConversationManager) {
	webhookHandler := handlers.NewWebhookHandler(conversations)
	healthHandler := handlers.NewHealthHandler("1.0.0")

	app.Get("/health", healthHandler.Check)

	// Evolution API event webhook
	app.Post("/webhook", webhookHandler.HandleWebhook)

	// Test endpoint, development only
	if os.Getenv("ENVIRONMENT") == "development" {
		app.Post("/test/message", webhookHandler.HandleTestMessage)
	}
}
