package model

import (
	"errors"
	"fmt"
	"time"
)

// SeatStatus is the allocation state of a seat.  Exactly one status holds
// at any instant.
type SeatStatus string

const (
	SeatAvailable SeatStatus = "available"
	SeatReserved  SeatStatus = "reserved"
	SeatSold      SeatStatus = "sold"
	SeatBlocked   SeatStatus = "blocked"
)

// Valid reports whether s is one of the known statuses.
func (s SeatStatus) Valid() bool {
	switch s {
	case SeatAvailable, SeatReserved, SeatSold, SeatBlocked:
		return true
	}
	return false
}

// Seat describes one bookable position of an event's seat map.  Seats are
// created once by the generator and mutated by reservations afterwards;
// the price is copied from the category at generation time and never
// follows later category edits.
//
// Fields:
//
//	ID            - deterministic identifier, see SeatID.
//	Row, Number   - 1-based position in the venue grid.
//	CategoryID    - price category resolved at generation time.
//	Price         - frozen price in minor currency units.
//	Status        - available, reserved, sold or blocked.
//	ReservedBy    - buyer holding the soft lock (reserved only).
//	ReservedUntil - absolute expiry of the soft lock (reserved only).
//	SoldTo        - buyer the seat was sold to (sold only).
//	SoldAt        - sale timestamp (sold only).
type Seat struct {
	ID            string     `json:"id"`
	Row           int        `json:"row"`
	Number        int        `json:"seat"`
	CategoryID    string     `json:"category"`
	Price         int64      `json:"price"`
	Status        SeatStatus `json:"status"`
	ReservedBy    *string    `json:"reservedBy,omitempty"`
	ReservedUntil *time.Time `json:"reservedUntil,omitempty"`
	SoldTo        *string    `json:"soldTo,omitempty"`
	SoldAt        *time.Time `json:"soldAt,omitempty"`
}

var ErrInvalidSeat = errors.New("invalid seat")

// Validate checks the pairing invariants of a seat record.
func (s Seat) Validate() error {
	if !s.Status.Valid() {
		return fmt.Errorf("%w: unknown status %q", ErrInvalidSeat, s.Status)
	}
	if (s.ReservedBy == nil) != (s.ReservedUntil == nil) {
		return fmt.Errorf("%w: %s reservedBy/reservedUntil must be set together", ErrInvalidSeat, s.ID)
	}
	if (s.SoldTo == nil) != (s.SoldAt == nil) {
		return fmt.Errorf("%w: %s soldTo/soldAt must be set together", ErrInvalidSeat, s.ID)
	}
	switch s.Status {
	case SeatReserved:
		if s.ReservedBy == nil || s.SoldTo != nil {
			return fmt.Errorf("%w: %s reserved without a holder", ErrInvalidSeat, s.ID)
		}
	case SeatSold:
		if s.SoldTo == nil || s.ReservedBy != nil {
			return fmt.Errorf("%w: %s sold without a buyer", ErrInvalidSeat, s.ID)
		}
	default:
		if s.ReservedBy != nil || s.SoldTo != nil {
			return fmt.Errorf("%w: %s %s seat carries ownership", ErrInvalidSeat, s.ID, s.Status)
		}
	}
	return nil
}

// LockExpiredAt reports whether a reserved seat's soft lock has lapsed at now.
func (s Seat) LockExpiredAt(now time.Time) bool {
	return s.Status == SeatReserved && s.ReservedUntil != nil && !s.ReservedUntil.After(now)
}

// HeldByOtherAt reports whether the seat carries a live soft lock owned by
// someone other than buyerID.
func (s Seat) HeldByOtherAt(buyerID string, now time.Time) bool {
	if s.Status != SeatReserved || s.ReservedBy == nil {
		return false
	}
	return *s.ReservedBy != buyerID && !s.LockExpiredAt(now)
}

// HeldBy reports whether the seat is reserved by exactly buyerID, regardless
// of the lock's expiry.
func (s Seat) HeldBy(buyerID string) bool {
	return s.Status == SeatReserved && s.ReservedBy != nil && *s.ReservedBy == buyerID
}

// Reserved returns a copy of s locked to buyerID until until.
func (s Seat) Reserved(buyerID string, until time.Time) Seat {
	by, u := buyerID, until.UTC()
	s.Status = SeatReserved
	s.ReservedBy, s.ReservedUntil = &by, &u
	s.SoldTo, s.SoldAt = nil, nil
	return s
}

// Available returns a copy of s with every ownership field cleared.
func (s Seat) Available() Seat {
	s.Status = SeatAvailable
	s.ReservedBy, s.ReservedUntil = nil, nil
	s.SoldTo, s.SoldAt = nil, nil
	return s
}

// Sold returns a copy of s sold to buyerID at at.
func (s Seat) Sold(buyerID string, at time.Time) Seat {
	to, when := buyerID, at.UTC()
	s.Status = SeatSold
	s.SoldTo, s.SoldAt = &to, &when
	s.ReservedBy, s.ReservedUntil = nil, nil
	return s
}

// SeatID builds the deterministic seat identifier, e.g. R01-S07.
func SeatID(row, number int) string {
	return fmt.Sprintf("R%02d-S%02d", row, number)
}

// ParseSeatID is the inverse of SeatID.
func ParseSeatID(id string) (row, number int, err error) {
	if _, err = fmt.Sscanf(id, "R%d-S%d", &row, &number); err != nil {
		return 0, 0, fmt.Errorf("%w: seat id %q", ErrInvalidSeat, id)
	}
	if row < 1 || number < 1 {
		return 0, 0, fmt.Errorf("%w: seat id %q", ErrInvalidSeat, id)
	}
	return row, number, nil
}
