package handler

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/iliyamo/event-seat-allocation/internal/middleware"
	"github.com/iliyamo/event-seat-allocation/internal/model"
	"github.com/iliyamo/event-seat-allocation/internal/service"
)

// SeatHandler serves seat map generation, the expiry sweep and the live
// inventory of an event.
type SeatHandler struct {
	Generator *service.Generator
	Sweeper   *service.Sweeper
	Views     *service.Views
	// Heartbeat is the idle interval between SSE keep-alive comments.
	Heartbeat time.Duration
}

func NewSeatHandler(gen *service.Generator, sweeper *service.Sweeper, views *service.Views) *SeatHandler {
	if gen == nil || sweeper == nil || views == nil {
		panic("nil dependency passed to NewSeatHandler")
	}
	return &SeatHandler{Generator: gen, Sweeper: sweeper, Views: views, Heartbeat: 15 * time.Second}
}

// GenerateSeating handles POST /v1/events/:id/seating.  The body is a
// VenueLayout; an event can only be seated once.
func (h *SeatHandler) GenerateSeating(c echo.Context) error {
	id, err := eventID(c)
	if err != nil {
		return writeError(c, err)
	}
	var layout model.VenueLayout
	if err := c.Bind(&layout); err != nil {
		return writeError(c, errBody)
	}
	report, err := h.Generator.Generate(c.Request().Context(), id, layout)
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(http.StatusCreated, report)
}

// Sweep handles POST /v1/events/:id/sweep.
func (h *SeatHandler) Sweep(c echo.Context) error {
	id, err := eventID(c)
	if err != nil {
		return writeError(c, err)
	}
	n, err := h.Sweeper.Sweep(c.Request().Context(), id)
	if err != nil {
		c.Logger().Warnf("sweep: event=%s released=%d: %v", id, n, err)
		return c.JSON(http.StatusServiceUnavailable, echo.Map{"error": "sweep incomplete", "released": n})
	}
	return c.JSON(http.StatusOK, echo.Map{"released": n})
}

// ListSeats handles GET /v1/events/:id/seats.  Authenticated buyers see
// their own holds as reserved and everybody else's as sold.
func (h *SeatHandler) ListSeats(c echo.Context) error {
	id, err := eventID(c)
	if err != nil {
		return writeError(c, err)
	}
	view, err := h.Views.Get(c.Request().Context(), id)
	if err != nil {
		return writeError(c, err)
	}
	buyer, _ := middleware.BuyerID(c)
	return c.JSON(http.StatusOK, echo.Map{"event_id": id, "seats": view.SeatsFor(buyer)})
}

// StreamSeats handles GET /v1/events/:id/seats/stream as server-sent
// events: one "snapshot" event followed by a "seats" event per change.
func (h *SeatHandler) StreamSeats(c echo.Context) error {
	id, err := eventID(c)
	if err != nil {
		return writeError(c, err)
	}
	ctx := c.Request().Context()
	view, err := h.Views.Get(ctx, id)
	if err != nil {
		return writeError(c, err)
	}
	buyer, _ := middleware.BuyerID(c)

	changes := make(chan []model.Seat, 64)
	remove := view.AddListener(func(seats []model.Seat) {
		select {
		case changes <- seats:
		default:
			c.Logger().Warnf("seats stream: dropping change batch event=%s", id)
		}
	})
	defer remove()

	res := c.Response()
	res.Header().Set(echo.HeaderContentType, "text/event-stream")
	res.Header().Set("Cache-Control", "no-cache")
	res.Header().Set("Connection", "keep-alive")
	res.WriteHeader(http.StatusOK)

	if err := writeEvent(res, "snapshot", view.SeatsFor(buyer)); err != nil {
		return err
	}
	heartbeat := time.NewTicker(h.Heartbeat)
	defer heartbeat.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-view.Done():
			return nil
		case seats := <-changes:
			if err := writeEvent(res, "seats", view.Present(seats, buyer)); err != nil {
				return err
			}
		case <-heartbeat.C:
			if _, err := fmt.Fprint(res, ": ping\n\n"); err != nil {
				return err
			}
			res.Flush()
		}
	}
}

func writeEvent(res *echo.Response, name string, payload interface{}) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintf(res, "event: %s\ndata: %s\n\n", name, data); err != nil {
		return err
	}
	res.Flush()
	return nil
}
