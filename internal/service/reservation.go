package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/labstack/gommon/log"

	"github.com/iliyamo/event-seat-allocation/internal/clock"
	"github.com/iliyamo/event-seat-allocation/internal/model"
	"github.com/iliyamo/event-seat-allocation/internal/queue"
	"github.com/iliyamo/event-seat-allocation/internal/repository"
)

const defaultHoldTTL = 15 * time.Minute

// SalePublisher receives a notification after seats are sold.
type SalePublisher interface {
	PublishSeatsSold(ctx context.Context, ev queue.SeatsSoldEvent) error
}

// ReservationManager mutates seats through optimistic multi-key
// transactions.  Reserve and MarkSold span every seat of the request:
// either all seats transition or none do.
type ReservationManager struct {
	store     repository.SeatStore
	clock     clock.Clock
	holdTTL   time.Duration
	txn       repository.TxnOptions
	log       *log.Logger
	publisher SalePublisher
}

// ReservationOption configures a ReservationManager.
type ReservationOption func(*ReservationManager)

// WithHoldTTL overrides the default 15 minute soft lock.
func WithHoldTTL(d time.Duration) ReservationOption {
	return func(m *ReservationManager) {
		if d > 0 {
			m.holdTTL = d
		}
	}
}

// WithTxnAttempts bounds the optimistic retry loop.
func WithTxnAttempts(n int) ReservationOption {
	return func(m *ReservationManager) { m.txn.Attempts = n }
}

// WithTxnBackoff sets the linear backoff step between retries.  Negative
// values disable the pause.
func WithTxnBackoff(d time.Duration) ReservationOption {
	return func(m *ReservationManager) { m.txn.Backoff = d }
}

func WithSalePublisher(p SalePublisher) ReservationOption {
	return func(m *ReservationManager) { m.publisher = p }
}

func WithReservationLogger(l *log.Logger) ReservationOption {
	return func(m *ReservationManager) {
		if l != nil {
			m.log = l
		}
	}
}

func NewReservationManager(store repository.SeatStore, clk clock.Clock, opts ...ReservationOption) *ReservationManager {
	m := &ReservationManager{
		store:   store,
		clock:   clk,
		holdTTL: defaultHoldTTL,
		log:     defaultLogger,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// HoldTTL is the lifetime of a fresh soft lock.
func (m *ReservationManager) HoldTTL() time.Duration { return m.holdTTL }

// Reserve locks every seat in seatIDs for buyerID until now + hold TTL.  A
// seat blocks the batch when it is sold or blocked, or when another buyer
// holds a lock that has not expired yet; an expired foreign lock counts as
// free without waiting for a sweep.  A blocked batch returns false and
// leaves every seat untouched.  Reserving seats the buyer already holds
// extends their lock.
func (m *ReservationManager) Reserve(ctx context.Context, eventID string, seatIDs []string, buyerID string) (bool, error) {
	ids, err := normalize(eventID, seatIDs)
	if err != nil {
		return false, err
	}
	if buyerID == "" {
		return false, fmt.Errorf("%w: buyer id required", ErrInvalidRequest)
	}

	err = repository.RunTxn(ctx, m.store, eventID, ids, m.txn, func(read []repository.VersionedSeat) ([]repository.VersionedSeat, error) {
		now := m.clock.Now()
		writes := make([]repository.VersionedSeat, 0, len(read))
		for _, v := range read {
			switch {
			case v.Seat.Status == model.SeatSold, v.Seat.Status == model.SeatBlocked:
				return nil, errLockConflict
			case v.Seat.HeldByOtherAt(buyerID, now):
				return nil, errLockConflict
			}
			writes = append(writes, repository.VersionedSeat{
				Seat:    v.Seat.Reserved(buyerID, now.Add(m.holdTTL)),
				Version: v.Version,
			})
		}
		return writes, nil
	})
	switch {
	case errors.Is(err, errLockConflict):
		m.log.Debugf("reserve: lock conflict event=%s buyer=%s seats=%v", eventID, buyerID, ids)
		return false, nil
	case err != nil:
		if errors.Is(err, repository.ErrTransientStore) {
			m.log.Warnf("reserve: retries exhausted event=%s buyer=%s: %v", eventID, buyerID, err)
		}
		return false, err
	}
	return true, nil
}

// Release resets seats to available without checking who holds them.  Sold
// and blocked seats are left alone.  A release racing a fresh reservation
// by another buyer can still undo that reservation.
func (m *ReservationManager) Release(ctx context.Context, eventID string, seatIDs []string) error {
	ids, err := normalize(eventID, seatIDs)
	if err != nil {
		return err
	}
	err = repository.RunTxn(ctx, m.store, eventID, ids, m.txn, func(read []repository.VersionedSeat) ([]repository.VersionedSeat, error) {
		writes := make([]repository.VersionedSeat, 0, len(read))
		for _, v := range read {
			if v.Seat.Status != model.SeatReserved {
				continue
			}
			writes = append(writes, repository.VersionedSeat{Seat: v.Seat.Available(), Version: v.Version})
		}
		return writes, nil
	})
	if err != nil {
		m.log.Errorf("release: event=%s seats=%v: %v", eventID, ids, err)
		return err
	}
	return nil
}

// MarkSold commits the sale of seats that buyerID currently holds.  Every
// seat must be reserved by exactly buyerID; the lock's expiry is not
// re-checked.  Any mismatch fails the whole batch with a
// *SaleConflictError and leaves all seats untouched.
func (m *ReservationManager) MarkSold(ctx context.Context, eventID string, seatIDs []string, buyerID string) error {
	ids, err := normalize(eventID, seatIDs)
	if err != nil {
		return err
	}
	if buyerID == "" {
		return fmt.Errorf("%w: buyer id required", ErrInvalidRequest)
	}

	var (
		soldAt time.Time
		total  int64
	)
	err = repository.RunTxn(ctx, m.store, eventID, ids, m.txn, func(read []repository.VersionedSeat) ([]repository.VersionedSeat, error) {
		soldAt = m.clock.Now()
		total = 0
		var conflicts []string
		writes := make([]repository.VersionedSeat, 0, len(read))
		for _, v := range read {
			if !v.Seat.HeldBy(buyerID) {
				conflicts = append(conflicts, v.Seat.ID)
				continue
			}
			total += v.Seat.Price
			writes = append(writes, repository.VersionedSeat{Seat: v.Seat.Sold(buyerID, soldAt), Version: v.Version})
		}
		if len(conflicts) > 0 {
			return nil, &SaleConflictError{EventID: eventID, BuyerID: buyerID, SeatIDs: conflicts}
		}
		return writes, nil
	})
	if err != nil {
		if errors.Is(err, ErrSaleConflict) {
			m.log.Warnf("mark sold: %v", err)
		}
		return err
	}

	m.log.Infof("mark sold: event=%s buyer=%s seats=%v total=%d", eventID, buyerID, ids, total)
	if m.publisher != nil {
		ev := queue.SeatsSoldEvent{
			EventID:    eventID,
			BuyerID:    buyerID,
			SeatIDs:    ids,
			TotalPrice: total,
			SoldAt:     soldAt.Format(time.RFC3339),
		}
		if err := m.publisher.PublishSeatsSold(ctx, ev); err != nil {
			m.log.Warnf("mark sold: publish failed event=%s buyer=%s: %v", eventID, buyerID, err)
		}
	}
	return nil
}

// normalize drops empty and duplicate seat ids while keeping request order.
func normalize(eventID string, seatIDs []string) ([]string, error) {
	if eventID == "" {
		return nil, fmt.Errorf("%w: event id required", ErrInvalidRequest)
	}
	out := make([]string, 0, len(seatIDs))
	seen := make(map[string]struct{}, len(seatIDs))
	for _, id := range seatIDs {
		if id == "" {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("%w: no seat ids", ErrInvalidRequest)
	}
	return out, nil
}
