package router

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/gommon/log"

	"github.com/iliyamo/event-seat-allocation/internal/clock"
	"github.com/iliyamo/event-seat-allocation/internal/handler"
	"github.com/iliyamo/event-seat-allocation/internal/repository"
	"github.com/iliyamo/event-seat-allocation/internal/service"
	"github.com/iliyamo/event-seat-allocation/internal/session"
	"github.com/iliyamo/event-seat-allocation/internal/utils"
)

const secret = "router-secret"

type app struct {
	e     *echo.Echo
	clock *clock.Manual
	reg   *session.Registry
}

func newApp(t *testing.T) *app {
	t.Helper()
	logger := log.New("test")
	logger.SetOutput(io.Discard)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	store := repository.NewMemoryStore()
	clk := clock.NewManual(time.Date(2025, 6, 1, 18, 0, 0, 0, time.UTC))
	mgr := service.NewReservationManager(store, clk, service.WithReservationLogger(logger))
	sweeper := service.NewSweeper(store, clk, logger)
	views := service.NewViews(ctx, store, clk, sweeper, logger)
	t.Cleanup(views.Close)
	reg := session.NewRegistry(mgr, clk, session.WithRegistryLogger(logger))

	e := echo.New()
	e.Logger = logger
	seats := handler.NewSeatHandler(service.NewGenerator(store, service.WithGeneratorLogger(logger)), sweeper, views)
	RegisterRoutes(e)
	RegisterPublic(e, seats, secret)
	RegisterOwner(e, seats, secret)
	passThrough := func(next echo.HandlerFunc) echo.HandlerFunc { return next }
	RegisterCustomer(e, handler.NewSelectionHandler(reg), secret, passThrough)
	return &app{e: e, clock: clk, reg: reg}
}

func (a *app) do(t *testing.T, method, path, sub, role string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var rdr io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal: %v", err)
		}
		rdr = bytes.NewReader(raw)
	}
	req := httptest.NewRequest(method, path, rdr)
	if body != nil {
		req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	}
	if sub != "" {
		tok, err := utils.NewAccessToken(secret, sub, role, time.Hour)
		if err != nil {
			t.Fatalf("token: %v", err)
		}
		req.Header.Set(echo.HeaderAuthorization, "Bearer "+tok.Token)
	}
	rec := httptest.NewRecorder()
	a.e.ServeHTTP(rec, req)
	return rec
}

var layout = map[string]interface{}{
	"rows":        10,
	"seatsPerRow": 10,
	"categories": []map[string]interface{}{
		{"id": "A", "name": "Front", "price": 100, "rows": []int{1, 2, 3, 4, 5}, "color": "#d33"},
		{"id": "B", "name": "Back", "price": 50, "rows": []int{6, 7, 8, 9, 10}, "color": "#33d"},
	},
}

type seatsResponse struct {
	Seats []service.BuyerSeat `json:"seats"`
}

func statusOf(t *testing.T, rec *httptest.ResponseRecorder, id string) string {
	t.Helper()
	var body seatsResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode seats: %v", err)
	}
	for _, s := range body.Seats {
		if s.ID == id {
			return string(s.Status)
		}
	}
	t.Fatalf("seat %s not in response", id)
	return ""
}

func TestHealth(t *testing.T) {
	t.Parallel()
	a := newApp(t)
	if rec := a.do(t, http.MethodGet, "/healthz", "", "", nil); rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
}

func TestSeatingRequiresOwner(t *testing.T) {
	t.Parallel()
	a := newApp(t)

	if rec := a.do(t, http.MethodPost, "/v1/events/ev-1/seating", "", "", layout); rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
	if rec := a.do(t, http.MethodPost, "/v1/events/ev-1/seating", "b1", utils.RoleCustomer, layout); rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", rec.Code)
	}
	rec := a.do(t, http.MethodPost, "/v1/events/ev-1/seating", "o1", utils.RoleOwner, layout)
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rec.Code, rec.Body.String())
	}
	if !strings.Contains(rec.Body.String(), `"seats":100`) {
		t.Fatalf("expected 100 seats in report, got %s", rec.Body.String())
	}
	if rec := a.do(t, http.MethodPost, "/v1/events/ev-1/seating", "o1", utils.RoleOwner, layout); rec.Code != http.StatusConflict {
		t.Fatalf("expected 409 on second generation, got %d", rec.Code)
	}
	bad := map[string]interface{}{"rows": 0, "seatsPerRow": 1}
	if rec := a.do(t, http.MethodPost, "/v1/events/ev-2/seating", "o1", utils.RoleOwner, bad); rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for invalid layout, got %d", rec.Code)
	}
}

func TestSelectionFlow(t *testing.T) {
	t.Parallel()
	a := newApp(t)

	if rec := a.do(t, http.MethodPost, "/v1/events/ev-1/seating", "o1", utils.RoleOwner, layout); rec.Code != http.StatusCreated {
		t.Fatalf("seating: %d", rec.Code)
	}

	pick := map[string][]string{"seat_ids": {"R01-S01", "R01-S02"}}
	rec := a.do(t, http.MethodPost, "/v1/events/ev-1/selection", "buyer1", utils.RoleCustomer, pick)
	if rec.Code != http.StatusOK {
		t.Fatalf("select: expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var snap session.Snapshot
	if err := json.Unmarshal(rec.Body.Bytes(), &snap); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if snap.State != session.StateSelecting || snap.Remaining != 900 {
		t.Fatalf("expected selecting with 900s, got %+v", snap)
	}

	rec = a.do(t, http.MethodPost, "/v1/events/ev-1/selection", "buyer2", utils.RoleCustomer, map[string][]string{"seat_ids": {"R01-S02"}})
	if rec.Code != http.StatusConflict {
		t.Fatalf("expected 409 for contested seat, got %d", rec.Code)
	}

	// Public view: buyer2 sees the hold as sold, buyer1 as its own.
	waitStatus(t, a, "buyer2", "R01-S01", "sold")
	waitStatus(t, a, "buyer1", "R01-S01", "reserved")
	waitStatus(t, a, "", "R01-S03", "available")

	rec = a.do(t, http.MethodDelete, "/v1/events/ev-1/selection/seats", "buyer1", utils.RoleCustomer, map[string][]string{"seat_ids": {"R01-S02"}})
	if rec.Code != http.StatusOK {
		t.Fatalf("deselect: expected 200, got %d", rec.Code)
	}

	rec = a.do(t, http.MethodPost, "/v1/events/ev-1/selection/checkout", "buyer1", utils.RoleCustomer, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("checkout: expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	waitStatus(t, a, "buyer2", "R01-S01", "sold")
	waitStatus(t, a, "buyer2", "R01-S02", "available")

	if rec := a.do(t, http.MethodGet, "/v1/events/ev-1/selection", "buyer1", utils.RoleCustomer, nil); rec.Code != http.StatusNotFound {
		t.Fatalf("expected session gone after checkout, got %d", rec.Code)
	}
}

func TestSelectionCancelAndExpiry(t *testing.T) {
	t.Parallel()
	a := newApp(t)
	a.do(t, http.MethodPost, "/v1/events/ev-1/seating", "o1", utils.RoleOwner, layout)

	pick := map[string][]string{"seat_ids": {"R06-S01"}}
	if rec := a.do(t, http.MethodPost, "/v1/events/ev-1/selection", "buyer1", utils.RoleCustomer, pick); rec.Code != http.StatusOK {
		t.Fatalf("select: %d", rec.Code)
	}
	if rec := a.do(t, http.MethodDelete, "/v1/events/ev-1/selection", "buyer1", utils.RoleCustomer, nil); rec.Code != http.StatusNoContent {
		t.Fatalf("cancel: expected 204, got %d", rec.Code)
	}
	waitStatus(t, a, "buyer2", "R06-S01", "available")

	if rec := a.do(t, http.MethodPost, "/v1/events/ev-1/selection", "buyer2", utils.RoleCustomer, pick); rec.Code != http.StatusOK {
		t.Fatalf("select: %d", rec.Code)
	}
	a.clock.Advance(16 * time.Minute)
	a.reg.Sweep(context.Background())
	if rec := a.do(t, http.MethodGet, "/v1/events/ev-1/selection", "buyer2", utils.RoleCustomer, nil); rec.Code != http.StatusNotFound {
		t.Fatalf("expected expired session removed, got %d", rec.Code)
	}
	waitStatus(t, a, "buyer1", "R06-S01", "available")
}

func TestSweepEndpoint(t *testing.T) {
	t.Parallel()
	a := newApp(t)
	a.do(t, http.MethodPost, "/v1/events/ev-1/seating", "o1", utils.RoleOwner, layout)
	a.do(t, http.MethodPost, "/v1/events/ev-1/selection", "buyer1", utils.RoleCustomer, map[string][]string{"seat_ids": {"R02-S02"}})
	a.clock.Advance(20 * time.Minute)

	rec := a.do(t, http.MethodPost, "/v1/events/ev-1/sweep", "o1", utils.RoleOwner, nil)
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), `"released":1`) {
		t.Fatalf("expected one released, got %d %s", rec.Code, rec.Body.String())
	}
}

func waitStatus(t *testing.T, a *app, buyer, seatID, want string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	var got string
	for time.Now().Before(deadline) {
		role := ""
		if buyer != "" {
			role = utils.RoleCustomer
		}
		rec := a.do(t, http.MethodGet, "/v1/events/ev-1/seats", buyer, role, nil)
		if rec.Code != http.StatusOK {
			t.Fatalf("seats: expected 200, got %d", rec.Code)
		}
		if got = statusOf(t, rec, seatID); got == want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("seat %s for %q: expected %s, got %s", seatID, buyer, want, got)
}
