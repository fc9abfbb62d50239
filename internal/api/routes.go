package api

import (
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/websocket/v2"
)

// SetupRoutes configures all API routes
func SetupRoutes(app *fiber.App, h *Handlers) {
	// API routes
	api := app.Group("/api/v1")

	// Deck state
	api.Get("/deck", h.GetDeck)
	api.Get("/deck/stats", h.GetStats)
	api.Put("/deck/columns", h.ReorderColumns)

	// Agent columns
	api.Post("/agents", h.CreateAgent)
	api.Delete("/agents/:id", h.DeleteAgent)
	api.Get("/agents/:id/messages", h.GetMessages)
	api.Post("/agents/:id/messages", h.SendMessage)
	api.Put("/agents/:id/draft", h.SetDraft)
	api.Get("/agents/:id/model", h.GetAgentModel)

	// Gateway model roster
	api.Get("/models", h.GetModels)

	// Health check
	api.Get("/health", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{
			"status":  "healthy",
			"service": "agentdeck",
		})
	})

	// WebSocket state push
	app.Use("/ws", func(c *fiber.Ctx) error {
		if websocket.IsWebSocketUpgrade(c) {
			return c.Next()
		}
		return fiber.ErrUpgradeRequired
	})
	app.Get("/ws", websocket.New(h.StreamDeck))
}
