package service

import (
	"context"
	"errors"

	"github.com/labstack/gommon/log"

	"github.com/iliyamo/event-seat-allocation/internal/clock"
	"github.com/iliyamo/event-seat-allocation/internal/repository"
)

// Sweeper reclaims soft locks that outlived their TTL.
type Sweeper struct {
	store repository.SeatStore
	clock clock.Clock
	log   *log.Logger
}

func NewSweeper(store repository.SeatStore, clk clock.Clock, logger *log.Logger) *Sweeper {
	if logger == nil {
		logger = defaultLogger
	}
	return &Sweeper{store: store, clock: clk, log: logger}
}

// Sweep resets every expired reservation of the event to available and
// returns how many seats it reclaimed.  Seats are committed one at a time
// against the version that was listed, so a fresh reserve racing the sweep
// wins and its seat is skipped.  Other commit failures are collected and
// the remaining seats are still processed.
func (s *Sweeper) Sweep(ctx context.Context, eventID string) (int, error) {
	now := s.clock.Now()
	expired, err := s.store.ListExpired(ctx, eventID, now)
	if err != nil {
		return 0, err
	}

	var (
		released int
		errs     []error
	)
	for _, v := range expired {
		if !v.Seat.LockExpiredAt(now) {
			continue
		}
		write := repository.VersionedSeat{Seat: v.Seat.Available(), Version: v.Version}
		err := s.store.Commit(ctx, eventID, []repository.VersionedSeat{write})
		switch {
		case err == nil:
			released++
		case errors.Is(err, repository.ErrStale):
			s.log.Debugf("sweep: seat %s changed concurrently, skipped", v.Seat.ID)
		default:
			errs = append(errs, err)
		}
	}
	if released > 0 {
		s.log.Infof("sweep: event=%s released=%d", eventID, released)
	}
	return released, errors.Join(errs...)
}
