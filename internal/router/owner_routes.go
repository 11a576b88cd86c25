package router

import (
	"github.com/labstack/echo/v4"

	"github.com/iliyamo/event-seat-allocation/internal/handler"
	"github.com/iliyamo/event-seat-allocation/internal/middleware"
	"github.com/iliyamo/event-seat-allocation/internal/utils"
)

// RegisterOwner registers OWNER-scoped endpoints under /v1.  The event
// management flow calls seating once per event; sweep is an operator hook.
func RegisterOwner(e *echo.Echo, h *handler.SeatHandler, jwtSecret string) {
	g := e.Group(
		"/v1/events",
		middleware.JWTAuth(jwtSecret),
		middleware.RequireRole(utils.RoleOwner),
	)
	g.POST("/:id/seating", h.GenerateSeating)
	g.POST("/:id/sweep", h.Sweep)
}
