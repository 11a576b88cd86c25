// Package service implements the seat allocation engine on top of a
// repository.SeatStore: seat map generation, the reservation state machine,
// the expiry sweep and the live inventory read model.
package service

import (
	"errors"
	"fmt"
	"strings"

	"github.com/labstack/gommon/log"
)

var (
	// ErrInvalidRequest is returned for empty seat lists or buyer ids.
	ErrInvalidRequest = errors.New("invalid request")
	// ErrAlreadyGenerated guards against generating an event's seat map twice.
	ErrAlreadyGenerated = errors.New("event already has seating")
	// ErrSaleConflict matches every *SaleConflictError via errors.Is.
	ErrSaleConflict = errors.New("sale conflict")

	// errLockConflict aborts a reserve transaction; Reserve turns it into false.
	errLockConflict = errors.New("lock conflict")
)

// SaleConflictError reports the seats that were not reserved by the buyer
// when MarkSold ran.  Checkout proceeded on stale assumptions and must be
// restarted.
type SaleConflictError struct {
	EventID string
	BuyerID string
	SeatIDs []string
}

func (e *SaleConflictError) Error() string {
	return fmt.Sprintf("sale conflict: event %s seats [%s] not reserved by %s",
		e.EventID, strings.Join(e.SeatIDs, ","), e.BuyerID)
}

func (e *SaleConflictError) Is(target error) bool { return target == ErrSaleConflict }

// ConfigurationGap is a layout row that no category covers.  It is logged
// and generation continues unless the generator runs in strict mode.
type ConfigurationGap struct {
	Row int
}

func (g ConfigurationGap) Error() string {
	return fmt.Sprintf("configuration gap: row %d is not covered by any category", g.Row)
}

// GapRows returns the rows of every ConfigurationGap in err, including the
// ones joined by a strict-layout Generate.
func GapRows(err error) []int {
	var rows []int
	var walk func(error)
	walk = func(e error) {
		switch x := e.(type) {
		case nil:
		case ConfigurationGap:
			rows = append(rows, x.Row)
		case interface{ Unwrap() []error }:
			for _, inner := range x.Unwrap() {
				walk(inner)
			}
		case interface{ Unwrap() error }:
			walk(x.Unwrap())
		}
	}
	walk(err)
	return rows
}

var defaultLogger = log.New("seats")
