// Package handler holds the echo HTTP handlers of the seat allocation API.
package handler

import (
	"errors"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"

	"github.com/iliyamo/event-seat-allocation/internal/middleware"
	"github.com/iliyamo/event-seat-allocation/internal/model"
	"github.com/iliyamo/event-seat-allocation/internal/repository"
	"github.com/iliyamo/event-seat-allocation/internal/service"
	"github.com/iliyamo/event-seat-allocation/internal/session"
)

type seatIDsRequest struct {
	SeatIDs []string `json:"seat_ids"`
}

var (
	errEventID = errors.New("invalid event id")
	errBody    = errors.New("invalid request body")
	errNoSeats = errors.New("seat_ids is required")
	errNoBuyer = errors.New("unauthorized")
)

// eventID reads and trims the :id path parameter.
func eventID(c echo.Context) (string, error) {
	id := strings.TrimSpace(c.Param("id"))
	if id == "" {
		return "", errEventID
	}
	return id, nil
}

// buyerID returns the authenticated subject.
func buyerID(c echo.Context) (string, error) {
	id, ok := middleware.BuyerID(c)
	if !ok {
		return "", errNoBuyer
	}
	return id, nil
}

func bindSeatIDs(c echo.Context) ([]string, error) {
	var body seatIDsRequest
	if err := c.Bind(&body); err != nil {
		return nil, errBody
	}
	if len(body.SeatIDs) == 0 {
		return nil, errNoSeats
	}
	return body.SeatIDs, nil
}

// writeError maps engine errors to status codes.
func writeError(c echo.Context, err error) error {
	if rows := service.GapRows(err); len(rows) > 0 {
		return c.JSON(http.StatusUnprocessableEntity, echo.Map{
			"error": "layout rows not covered by any category",
			"rows":  rows,
		})
	}
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, errNoBuyer):
		status = http.StatusUnauthorized
	case errors.Is(err, errEventID), errors.Is(err, errBody), errors.Is(err, errNoSeats),
		errors.Is(err, service.ErrInvalidRequest), errors.Is(err, model.ErrInvalidLayout):
		status = http.StatusBadRequest
	case errors.Is(err, repository.ErrSeatNotFound), errors.Is(err, service.ErrNoSeating):
		status = http.StatusNotFound
	case errors.Is(err, session.ErrLockConflict),
		errors.Is(err, session.ErrRestartSelection),
		errors.Is(err, session.ErrSessionClosed),
		errors.Is(err, session.ErrNothingSelected),
		errors.Is(err, service.ErrSaleConflict),
		errors.Is(err, service.ErrAlreadyGenerated):
		status = http.StatusConflict
	case errors.Is(err, repository.ErrTransientStore):
		status = http.StatusServiceUnavailable
	}
	if status == http.StatusInternalServerError {
		c.Logger().Errorf("%s %s: %v", c.Request().Method, c.Path(), err)
		return c.JSON(status, echo.Map{"error": "internal error"})
	}
	return c.JSON(status, echo.Map{"error": err.Error()})
}
