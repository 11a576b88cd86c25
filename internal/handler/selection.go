package handler

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/iliyamo/event-seat-allocation/internal/session"
)

// SelectionHandler exposes a buyer's selection session.  All methods assume
// JWT authentication and the CUSTOMER role were enforced by middleware.
type SelectionHandler struct {
	Sessions *session.Registry
}

func NewSelectionHandler(reg *session.Registry) *SelectionHandler {
	if reg == nil {
		panic("nil registry passed to NewSelectionHandler")
	}
	return &SelectionHandler{Sessions: reg}
}

func (h *SelectionHandler) ids(c echo.Context) (event, buyer string, err error) {
	if event, err = eventID(c); err != nil {
		return "", "", err
	}
	if buyer, err = buyerID(c); err != nil {
		return "", "", err
	}
	return event, buyer, nil
}

// GetSelection handles GET /v1/events/:id/selection.
func (h *SelectionHandler) GetSelection(c echo.Context) error {
	event, buyer, err := h.ids(c)
	if err != nil {
		return writeError(c, err)
	}
	s, ok := h.Sessions.Get(event, buyer)
	if !ok {
		return c.JSON(http.StatusNotFound, echo.Map{"error": "no active selection"})
	}
	return c.JSON(http.StatusOK, s.Snapshot())
}

// SelectSeats handles POST /v1/events/:id/selection with {"seat_ids": [...]}.
// The first successful pick opens the session and starts its countdown.
func (h *SelectionHandler) SelectSeats(c echo.Context) error {
	event, buyer, err := h.ids(c)
	if err != nil {
		return writeError(c, err)
	}
	ids, err := bindSeatIDs(c)
	if err != nil {
		return writeError(c, err)
	}
	s, err := h.Sessions.Select(c.Request().Context(), event, buyer, ids...)
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(http.StatusOK, s.Snapshot())
}

// DeselectSeats handles DELETE /v1/events/:id/selection/seats.
func (h *SelectionHandler) DeselectSeats(c echo.Context) error {
	event, buyer, err := h.ids(c)
	if err != nil {
		return writeError(c, err)
	}
	ids, err := bindSeatIDs(c)
	if err != nil {
		return writeError(c, err)
	}
	s, ok := h.Sessions.Get(event, buyer)
	if !ok {
		return c.JSON(http.StatusNotFound, echo.Map{"error": "no active selection"})
	}
	if err := s.Deselect(c.Request().Context(), ids...); err != nil {
		return writeError(c, err)
	}
	return c.JSON(http.StatusOK, s.Snapshot())
}

// Checkout handles POST /v1/events/:id/selection/checkout, the payment
// success signal.  A sale conflict clears the selection and answers 409 so
// the buyer restarts.
func (h *SelectionHandler) Checkout(c echo.Context) error {
	event, buyer, err := h.ids(c)
	if err != nil {
		return writeError(c, err)
	}
	s, ok := h.Sessions.Get(event, buyer)
	if !ok {
		return c.JSON(http.StatusNotFound, echo.Map{"error": "no active selection"})
	}
	if err := s.Checkout(c.Request().Context()); err != nil {
		return writeError(c, err)
	}
	h.Sessions.Forget(s)
	return c.JSON(http.StatusOK, s.Snapshot())
}

// CancelSelection handles DELETE /v1/events/:id/selection.
func (h *SelectionHandler) CancelSelection(c echo.Context) error {
	event, buyer, err := h.ids(c)
	if err != nil {
		return writeError(c, err)
	}
	s, ok := h.Sessions.Get(event, buyer)
	if !ok {
		return c.NoContent(http.StatusNoContent)
	}
	if err := s.Cancel(c.Request().Context()); err != nil {
		return writeError(c, err)
	}
	h.Sessions.Forget(s)
	return c.NoContent(http.StatusNoContent)
}
