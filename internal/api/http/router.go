package http

import (
	"github.com/gofiber/fiber/v2"

	"github.com/spec-kit/ticket-collab/internal/api/http/handlers"
	"github.com/spec-kit/ticket-collab/internal/auth"
)

// RouteConfig bundles dependencies for route registration.
type RouteConfig struct {
	Health         *handlers.HealthHandler
	Views          *handlers.ViewsHandler
	Tickets        *handlers.TicketsHandler
	Merges         *handlers.MergesHandler
	Metrics        fiber.Handler
	AuthMiddleware *auth.Middleware
}

// RegisterRoutes wires HTTP routes. Without an auth middleware the
// operator routes are open.
func RegisterRoutes(app *fiber.App, cfg RouteConfig) {
	app.Get("/health/live", cfg.Health.Live)
	app.Get("/health/ready", cfg.Health.Ready)
	if cfg.Metrics != nil {
		app.Get("/metrics", cfg.Metrics)
	}

	var protected fiber.Router = app
	if cfg.AuthMiddleware != nil {
		protected = app.Group("", cfg.AuthMiddleware.Handle)
	}

	views := protected.Group("/views")
	views.Post("/", cfg.Views.Watch)
	views.Get("/:view/tickets", cfg.Views.Tickets)
	views.Get("/:view/changes", cfg.Views.Changes)
	views.Post("/:view/refresh", cfg.Views.Refresh)
	views.Delete("/:view", cfg.Views.Unwatch)

	tickets := protected.Group("/tickets")
	tickets.Post("/bulk", cfg.Tickets.BulkUpdate)
	tickets.Get("/:id", cfg.Tickets.GetTicket)
	tickets.Get("/:id/pending", cfg.Tickets.ListPending)
	tickets.Patch("/:id", cfg.Tickets.UpdateTicket)
	tickets.Post("/:id/assign", cfg.Tickets.AssignTicket)

	merges := protected.Group("/merges")
	merges.Post("/", cfg.Merges.Start)
	merges.Post("/dispatch", cfg.Merges.Dispatch)
	merges.Get("/:id", cfg.Merges.Get)
	merges.Post("/:id/target", cfg.Merges.SelectTarget)
	merges.Put("/:id/options", cfg.Merges.SetOptions)
	merges.Put("/:id/conflicts/:field", cfg.Merges.Resolve)
	merges.Post("/:id/conflicts/:field/toggle", cfg.Merges.Toggle)
	merges.Post("/:id/confirm", cfg.Merges.Confirm)
	merges.Delete("/:id", cfg.Merges.Cancel)
}
