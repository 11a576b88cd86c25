// Package router defines how HTTP routes are registered for the API.
package router

import (
	"github.com/labstack/echo/v4"

	"github.com/iliyamo/event-seat-allocation/internal/handler"
	"github.com/iliyamo/event-seat-allocation/internal/middleware"
)

// RegisterRoutes registers routes that do not require authentication.
func RegisterRoutes(e *echo.Echo) {
	e.GET("/healthz", handler.Health)
}

// RegisterPublic registers the seat map endpoints.  A bearer token is
// optional; when present the seats are presented from that buyer's
// perspective.
func RegisterPublic(e *echo.Echo, h *handler.SeatHandler, jwtSecret string) {
	g := e.Group("/v1/events", middleware.OptionalJWT(jwtSecret))
	g.GET("/:id/seats", h.ListSeats)
	g.GET("/:id/seats/stream", h.StreamSeats)
}
