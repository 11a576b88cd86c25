package repository

import (
	"context"
	"time"

	"github.com/iliyamo/event-seat-allocation/internal/model"
)

// VersionedSeat pairs a seat with the store revision it was read at.  When
// passed to Commit, Version is the revision the writer expects to replace.
type VersionedSeat struct {
	Seat    model.Seat
	Version uint64
}

// SeatStore is the single shared mutable resource of the engine.  Stores
// are keyed by event id; every method is safe for concurrent use by many
// independent sessions.
type SeatStore interface {
	// Insert writes seats as one atomic batch, overwriting seats that
	// already exist under the same id.
	Insert(ctx context.Context, eventID string, seats []model.Seat) error

	// Load returns the requested seats in request order.  A missing id
	// yields ErrSeatNotFound.
	Load(ctx context.Context, eventID string, seatIDs []string) ([]VersionedSeat, error)

	// List returns every seat of the event ordered by id.
	List(ctx context.Context, eventID string) ([]VersionedSeat, error)

	// ListExpired returns reserved seats whose lock expired before now.
	ListExpired(ctx context.Context, eventID string, now time.Time) ([]VersionedSeat, error)

	// Commit applies every write iff each seat still carries the version
	// given in the write.  Otherwise nothing is written and ErrStale is
	// returned.
	Commit(ctx context.Context, eventID string, writes []VersionedSeat) error

	// Subscribe streams committed changes for the event.  The first
	// message is a full snapshot; later ones carry the seats that changed
	// with their new versions.  The channel is closed when ctx ends.
	Subscribe(ctx context.Context, eventID string) (<-chan []VersionedSeat, error)
}
