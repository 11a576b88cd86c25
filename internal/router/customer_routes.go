package router

import (
	"github.com/labstack/echo/v4"

	"github.com/iliyamo/event-seat-allocation/internal/handler"
	"github.com/iliyamo/event-seat-allocation/internal/middleware"
	"github.com/iliyamo/event-seat-allocation/internal/utils"
)

// RegisterCustomer registers the selection endpoints.  All routes require
// a valid JWT and the CUSTOMER role; seat picks also pass the rate limiter.
func RegisterCustomer(e *echo.Echo, h *handler.SelectionHandler, jwtSecret string, limiter echo.MiddlewareFunc) {
	g := e.Group(
		"/v1/events/:id/selection",
		middleware.JWTAuth(jwtSecret),
		middleware.RequireRole(utils.RoleCustomer),
	)
	g.GET("", h.GetSelection)
	g.POST("", h.SelectSeats, limiter)
	g.DELETE("", h.CancelSelection)
	g.DELETE("/seats", h.DeselectSeats)
	g.POST("/checkout", h.Checkout)
}
