package model

import (
	"errors"
	"fmt"
)

// Category is a price band mapped onto a set of rows.  Categories are owned
// by a VenueLayout and are only read at generation time.
type Category struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	Price int64  `json:"price"`
	Rows  []int  `json:"rows"`
	Color string `json:"color"`
}

// HasRow reports whether row belongs to the category.
func (c Category) HasRow(row int) bool {
	for _, r := range c.Rows {
		if r == row {
			return true
		}
	}
	return false
}

// SeatPosition addresses one cell of the venue grid.
type SeatPosition struct {
	Row  int `json:"row"`
	Seat int `json:"seat"`
}

// VenueLayout is the static description of a hall as produced by the venue
// configuration collaborator.  Categories are matched in order; the first
// category containing a row wins.
type VenueLayout struct {
	Rows         int            `json:"rows"`
	SeatsPerRow  int            `json:"seatsPerRow"`
	Categories   []Category     `json:"categories"`
	BlockedSeats []SeatPosition `json:"blockedSeats"`
}

// Upper bounds on a layout; the whole seat map is built in memory.
const (
	MaxRows        = 500
	MaxSeatsPerRow = 500
	MaxSeats       = 50000
)

var ErrInvalidLayout = errors.New("invalid venue layout")

// Validate rejects layouts that cannot produce a seat map.
func (l VenueLayout) Validate() error {
	if l.Rows <= 0 || l.SeatsPerRow <= 0 {
		return fmt.Errorf("%w: rows and seatsPerRow must be positive", ErrInvalidLayout)
	}
	if l.Rows > MaxRows || l.SeatsPerRow > MaxSeatsPerRow {
		return fmt.Errorf("%w: at most %d rows of %d seats", ErrInvalidLayout, MaxRows, MaxSeatsPerRow)
	}
	if l.Rows*l.SeatsPerRow > MaxSeats {
		return fmt.Errorf("%w: %d seats exceeds the limit of %d", ErrInvalidLayout, l.Rows*l.SeatsPerRow, MaxSeats)
	}
	seen := make(map[string]struct{}, len(l.Categories))
	for _, c := range l.Categories {
		if c.ID == "" {
			return fmt.Errorf("%w: category without id", ErrInvalidLayout)
		}
		if _, dup := seen[c.ID]; dup {
			return fmt.Errorf("%w: duplicate category %q", ErrInvalidLayout, c.ID)
		}
		seen[c.ID] = struct{}{}
		if c.Price <= 0 {
			return fmt.Errorf("%w: category %q price must be positive", ErrInvalidLayout, c.ID)
		}
	}
	return nil
}

// CategoryForRow returns the first category that lists row.
func (l VenueLayout) CategoryForRow(row int) (Category, bool) {
	for _, c := range l.Categories {
		if c.HasRow(row) {
			return c, true
		}
	}
	return Category{}, false
}

// BlockedSet indexes the blocked positions for constant-time lookups.
func (l VenueLayout) BlockedSet() map[SeatPosition]struct{} {
	out := make(map[SeatPosition]struct{}, len(l.BlockedSeats))
	for _, p := range l.BlockedSeats {
		out[p] = struct{}{}
	}
	return out
}
