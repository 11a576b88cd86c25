package service

import (
	"context"
	"errors"
	"fmt"

	"github.com/labstack/gommon/log"

	"github.com/iliyamo/event-seat-allocation/internal/model"
	"github.com/iliyamo/event-seat-allocation/internal/repository"
)

// GenerationReport summarises one Generate call.
type GenerationReport struct {
	EventID string             `json:"eventId"`
	Seats   int                `json:"seats"`
	Blocked int                `json:"blocked"`
	Gaps    []ConfigurationGap `json:"gaps,omitempty"`
}

// Generator expands a VenueLayout into the persisted seat set of an event.
type Generator struct {
	store         repository.SeatStore
	log           *log.Logger
	strict        bool
	blockedAsSeat bool
}

// GeneratorOption configures a Generator.
type GeneratorOption func(*Generator)

// WithStrictLayout makes uncovered rows fail generation instead of being
// skipped with a warning.
func WithStrictLayout(strict bool) GeneratorOption {
	return func(g *Generator) { g.strict = strict }
}

// WithBlockedSeatRecords persists blocked positions as seats with status
// blocked instead of leaving them out of the map.
func WithBlockedSeatRecords() GeneratorOption {
	return func(g *Generator) { g.blockedAsSeat = true }
}

// WithGeneratorLogger replaces the package logger.
func WithGeneratorLogger(l *log.Logger) GeneratorOption {
	return func(g *Generator) {
		if l != nil {
			g.log = l
		}
	}
}

func NewGenerator(store repository.SeatStore, opts ...GeneratorOption) *Generator {
	g := &Generator{store: store, log: defaultLogger}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Generate builds one seat per bookable (row, seat) of layout and persists
// the whole set as a single atomic batch.  Categories are resolved by first
// match on row membership and prices are copied, so later category edits
// never reach generated seats.  An event that already has seats is refused
// with ErrAlreadyGenerated.
func (g *Generator) Generate(ctx context.Context, eventID string, layout model.VenueLayout) (GenerationReport, error) {
	report := GenerationReport{EventID: eventID}
	if eventID == "" {
		return report, fmt.Errorf("%w: event id required", ErrInvalidRequest)
	}
	seats, report, err := BuildSeats(eventID, layout, g.blockedAsSeat)
	if err != nil {
		return report, err
	}
	existing, err := g.store.List(ctx, eventID)
	if err != nil {
		return report, err
	}
	if len(existing) > 0 {
		return report, fmt.Errorf("%w: %s has %d seats", ErrAlreadyGenerated, eventID, len(existing))
	}

	for _, gap := range report.Gaps {
		g.log.Warnf("generator: configuration gap event=%s row=%d", eventID, gap.Row)
	}
	if g.strict && len(report.Gaps) > 0 {
		errs := make([]error, len(report.Gaps))
		for i, gap := range report.Gaps {
			errs[i] = gap
		}
		return report, errors.Join(errs...)
	}

	if err := g.store.Insert(ctx, eventID, seats); err != nil {
		return report, fmt.Errorf("persist seats for %s: %w", eventID, err)
	}
	g.log.Infof("generator: event=%s seats=%d blocked=%d gaps=%d", eventID, report.Seats, report.Blocked, len(report.Gaps))
	return report, nil
}

// BuildSeats is the pure expansion behind Generate.  The same layout always
// yields the same seats in the same row-major order.  Layouts failing
// VenueLayout.Validate are rejected before anything is allocated.
func BuildSeats(eventID string, layout model.VenueLayout, blockedAsSeat bool) ([]model.Seat, GenerationReport, error) {
	report := GenerationReport{EventID: eventID}
	if err := layout.Validate(); err != nil {
		return nil, report, err
	}
	blocked := layout.BlockedSet()
	seats := make([]model.Seat, 0, layout.Rows*layout.SeatsPerRow)
	for row := 1; row <= layout.Rows; row++ {
		cat, covered := layout.CategoryForRow(row)
		if !covered {
			report.Gaps = append(report.Gaps, ConfigurationGap{Row: row})
			continue
		}
		for num := 1; num <= layout.SeatsPerRow; num++ {
			seat := model.Seat{
				ID:         model.SeatID(row, num),
				Row:        row,
				Number:     num,
				CategoryID: cat.ID,
				Price:      cat.Price,
				Status:     model.SeatAvailable,
			}
			if _, isBlocked := blocked[model.SeatPosition{Row: row, Seat: num}]; isBlocked {
				report.Blocked++
				if !blockedAsSeat {
					continue
				}
				seat.Status = model.SeatBlocked
			}
			seats = append(seats, seat)
		}
	}
	report.Seats = len(seats)
	return seats, report, nil
}
