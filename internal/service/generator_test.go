package service

import (
	"context"
	"errors"
	"testing"

	"github.com/iliyamo/event-seat-allocation/internal/model"
	"github.com/iliyamo/event-seat-allocation/internal/repository"
)

func TestGenerateTwoCategoryHall(t *testing.T) {
	t.Parallel()

	store := repository.NewMemoryStore()
	gen := NewGenerator(store, WithGeneratorLogger(quietLogger()))
	report, err := gen.Generate(context.Background(), "ev-1", twoCategoryLayout())
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if report.Seats != 100 {
		t.Fatalf("expected 100 seats, got %d", report.Seats)
	}

	seats, _ := store.List(context.Background(), "ev-1")
	if len(seats) != 100 {
		t.Fatalf("expected 100 stored seats, got %d", len(seats))
	}
	first, _ := store.Load(context.Background(), "ev-1", []string{"R01-S01"})
	if first[0].Seat.CategoryID != "A" || first[0].Seat.Price != 100 {
		t.Fatalf("expected R01-S01 in A at 100, got %s at %d", first[0].Seat.CategoryID, first[0].Seat.Price)
	}
	back, _ := store.Load(context.Background(), "ev-1", []string{"R10-S10"})
	if back[0].Seat.CategoryID != "B" || back[0].Seat.Price != 50 {
		t.Fatalf("expected R10-S10 in B at 50, got %s at %d", back[0].Seat.CategoryID, back[0].Seat.Price)
	}
	for _, v := range seats {
		if v.Seat.Status != model.SeatAvailable {
			t.Fatalf("expected %s available, got %s", v.Seat.ID, v.Seat.Status)
		}
	}
}

func TestGenerateRefusesSecondRun(t *testing.T) {
	t.Parallel()

	gen := NewGenerator(repository.NewMemoryStore(), WithGeneratorLogger(quietLogger()))
	ctx := context.Background()
	if _, err := gen.Generate(ctx, "ev-1", twoCategoryLayout()); err != nil {
		t.Fatalf("first generate: %v", err)
	}
	if _, err := gen.Generate(ctx, "ev-1", twoCategoryLayout()); !errors.Is(err, ErrAlreadyGenerated) {
		t.Fatalf("expected ErrAlreadyGenerated, got %v", err)
	}
	if _, err := gen.Generate(ctx, "ev-2", twoCategoryLayout()); err != nil {
		t.Fatalf("other event should generate, got %v", err)
	}
}

func TestBuildSeatsIsDeterministic(t *testing.T) {
	t.Parallel()

	layout := twoCategoryLayout()
	// Overlapping category: first match must keep winning.
	layout.Categories = append(layout.Categories, model.Category{ID: "C", Name: "Dup", Price: 10, Rows: []int{1}})

	a, _, err := BuildSeats("ev-1", layout, false)
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	b, _, _ := BuildSeats("ev-1", layout, false)
	if len(a) != len(b) {
		t.Fatalf("expected equal lengths, got %d and %d", len(a), len(b))
	}
	for i := range a {
		if a[i].ID != b[i].ID || a[i].CategoryID != b[i].CategoryID || a[i].Price != b[i].Price {
			t.Fatalf("seat %d differs: %+v vs %+v", i, a[i], b[i])
		}
		if a[i].Row == 1 && a[i].CategoryID != "A" {
			t.Fatalf("expected row 1 in A, got %s", a[i].CategoryID)
		}
	}
}

func TestGenerateBlockedSeatsAndGaps(t *testing.T) {
	t.Parallel()

	layout := model.VenueLayout{
		Rows:        3,
		SeatsPerRow: 4,
		Categories: []model.Category{
			{ID: "A", Name: "Stalls", Price: 80, Rows: []int{1, 2}},
		},
		BlockedSeats: []model.SeatPosition{{Row: 1, Seat: 2}, {Row: 2, Seat: 4}},
	}

	t.Run("gaps are skipped", func(t *testing.T) {
		t.Parallel()
		store := repository.NewMemoryStore()
		report, err := NewGenerator(store, WithGeneratorLogger(quietLogger())).Generate(context.Background(), "ev", layout)
		if err != nil {
			t.Fatalf("generate: %v", err)
		}
		if report.Seats != 6 || report.Blocked != 2 {
			t.Fatalf("expected 6 seats and 2 blocked, got %d and %d", report.Seats, report.Blocked)
		}
		if len(report.Gaps) != 1 || report.Gaps[0].Row != 3 {
			t.Fatalf("expected gap at row 3, got %+v", report.Gaps)
		}
		if _, err := store.Load(context.Background(), "ev", []string{"R01-S02"}); !errors.Is(err, repository.ErrSeatNotFound) {
			t.Fatalf("expected blocked seat absent, got %v", err)
		}
	})

	t.Run("strict layout fails", func(t *testing.T) {
		t.Parallel()
		store := repository.NewMemoryStore()
		gen := NewGenerator(store, WithStrictLayout(true), WithGeneratorLogger(quietLogger()))
		_, err := gen.Generate(context.Background(), "ev", layout)
		var gap ConfigurationGap
		if !errors.As(err, &gap) || gap.Row != 3 {
			t.Fatalf("expected configuration gap at row 3, got %v", err)
		}
		seats, _ := store.List(context.Background(), "ev")
		if len(seats) != 0 {
			t.Fatalf("expected nothing persisted, got %d seats", len(seats))
		}
	})

	t.Run("blocked records", func(t *testing.T) {
		t.Parallel()
		store := repository.NewMemoryStore()
		gen := NewGenerator(store, WithBlockedSeatRecords(), WithGeneratorLogger(quietLogger()))
		report, err := gen.Generate(context.Background(), "ev", layout)
		if err != nil {
			t.Fatalf("generate: %v", err)
		}
		if report.Seats != 8 {
			t.Fatalf("expected 8 seats, got %d", report.Seats)
		}
		got, _ := store.Load(context.Background(), "ev", []string{"R02-S04"})
		if got[0].Seat.Status != model.SeatBlocked {
			t.Fatalf("expected blocked, got %s", got[0].Seat.Status)
		}
	})
}

func TestGenerateRejectsInvalidLayout(t *testing.T) {
	t.Parallel()

	gen := NewGenerator(repository.NewMemoryStore(), WithGeneratorLogger(quietLogger()))
	if _, err := gen.Generate(context.Background(), "ev", model.VenueLayout{}); !errors.Is(err, model.ErrInvalidLayout) {
		t.Fatalf("expected ErrInvalidLayout, got %v", err)
	}
	if _, err := gen.Generate(context.Background(), "", twoCategoryLayout()); !errors.Is(err, ErrInvalidRequest) {
		t.Fatalf("expected ErrInvalidRequest, got %v", err)
	}
}

func TestBuildSeatsRejectsOversizedLayout(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name        string
		rows, seats int
	}{
		{"overflowing grid", 1 << 30, 1 << 30},
		{"too many rows", model.MaxRows + 1, 1},
		{"too many seats per row", 1, model.MaxSeatsPerRow + 1},
		{"too many seats overall", model.MaxRows, model.MaxSeatsPerRow},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			layout := twoCategoryLayout()
			layout.Rows, layout.SeatsPerRow = tc.rows, tc.seats

			seats, _, err := BuildSeats("ev-1", layout, false)
			if !errors.Is(err, model.ErrInvalidLayout) {
				t.Fatalf("expected ErrInvalidLayout, got %v", err)
			}
			if seats != nil {
				t.Fatalf("expected no seats, got %d", len(seats))
			}

			store := repository.NewMemoryStore()
			_, err = NewGenerator(store, WithGeneratorLogger(quietLogger())).Generate(context.Background(), "ev-1", layout)
			if !errors.Is(err, model.ErrInvalidLayout) {
				t.Fatalf("expected ErrInvalidLayout from Generate, got %v", err)
			}
		})
	}
}
