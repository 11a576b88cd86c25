package service

import (
	"context"
	"io"
	"testing"
	"time"

	"github.com/labstack/gommon/log"

	"github.com/iliyamo/event-seat-allocation/internal/clock"
	"github.com/iliyamo/event-seat-allocation/internal/model"
	"github.com/iliyamo/event-seat-allocation/internal/repository"
)

var testStart = time.Date(2025, 6, 1, 18, 0, 0, 0, time.UTC)

func quietLogger() *log.Logger {
	l := log.New("test")
	l.SetOutput(io.Discard)
	return l
}

// twoCategoryLayout is 10 rows x 10 seats: A covers rows 1-5 at 100, B rows
// 6-10 at 50.
func twoCategoryLayout() model.VenueLayout {
	return model.VenueLayout{
		Rows:        10,
		SeatsPerRow: 10,
		Categories: []model.Category{
			{ID: "A", Name: "Front", Price: 100, Rows: []int{1, 2, 3, 4, 5}, Color: "#d33"},
			{ID: "B", Name: "Back", Price: 50, Rows: []int{6, 7, 8, 9, 10}, Color: "#33d"},
		},
	}
}

type fixture struct {
	store   *repository.MemoryStore
	clock   *clock.Manual
	manager *ReservationManager
	sweeper *Sweeper
}

func newFixture(t *testing.T, storeOpts ...repository.MemoryOption) *fixture {
	t.Helper()
	f := &fixture{
		store: repository.NewMemoryStore(storeOpts...),
		clock: clock.NewManual(testStart),
	}
	logger := quietLogger()
	f.manager = NewReservationManager(f.store, f.clock, WithReservationLogger(logger), WithTxnBackoff(-1))
	f.sweeper = NewSweeper(f.store, f.clock, logger)
	gen := NewGenerator(f.store, WithGeneratorLogger(logger))
	if _, err := gen.Generate(context.Background(), "ev-1", twoCategoryLayout()); err != nil {
		t.Fatalf("generate: %v", err)
	}
	return f
}

func (f *fixture) seat(t *testing.T, id string) model.Seat {
	t.Helper()
	got, err := f.store.Load(context.Background(), "ev-1", []string{id})
	if err != nil {
		t.Fatalf("load %s: %v", id, err)
	}
	return got[0].Seat
}
