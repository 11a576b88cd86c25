// Package session drives one buyer's seat selection for one event: picks,
// the hold countdown, checkout and cleanup.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/gommon/log"

	"github.com/iliyamo/event-seat-allocation/internal/clock"
	"github.com/iliyamo/event-seat-allocation/internal/service"
)

// State of a selection session.
type State string

const (
	StateIdle      State = "idle"
	StateSelecting State = "selecting"
	StateCheckout  State = "checkout"
	StateExpired   State = "expired"
	StateCancelled State = "cancelled"
)

// Terminal reports whether no further transition is possible.
func (s State) Terminal() bool {
	return s == StateCheckout || s == StateExpired || s == StateCancelled
}

var (
	// ErrLockConflict means at least one requested seat is held by someone
	// else; nothing was reserved.
	ErrLockConflict = errors.New("seat is no longer available")
	// ErrRestartSelection wraps a failed sale.  The selection was cleared
	// and the buyer has to pick seats again.
	ErrRestartSelection = errors.New("checkout failed, restart selection")
	// ErrSessionClosed is returned for any call after a terminal state.
	ErrSessionClosed = errors.New("session closed")
	// ErrNothingSelected is returned by Checkout outside Selecting.
	ErrNothingSelected = errors.New("no seats selected")
)

// Reservations is the part of service.ReservationManager a session drives.
type Reservations interface {
	Reserve(ctx context.Context, eventID string, seatIDs []string, buyerID string) (bool, error)
	Release(ctx context.Context, eventID string, seatIDs []string) error
	MarkSold(ctx context.Context, eventID string, seatIDs []string, buyerID string) error
}

// Snapshot is a point-in-time copy of a session.
type Snapshot struct {
	ID        string     `json:"id"`
	EventID   string     `json:"event_id"`
	BuyerID   string     `json:"buyer_id"`
	State     State      `json:"state"`
	Seats     []string   `json:"seats"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
	Remaining int        `json:"remaining_seconds"`
}

// Session is the per-buyer selection state machine
// Idle -> Selecting -> {Checkout, Expired, Cancelled}.  It is safe for
// concurrent use; calls are serialized.
type Session struct {
	id      string
	eventID string
	buyerID string
	res     Reservations
	clock   clock.Clock
	ttl     time.Duration
	log     *log.Logger
	notify  func(Snapshot)

	mu       sync.Mutex
	state    State
	selected []string
	deadline *time.Time
}

// Option configures a Session.
type Option func(*Session)

// WithTTL sets the countdown length, 15 minutes by default.
func WithTTL(d time.Duration) Option {
	return func(s *Session) {
		if d > 0 {
			s.ttl = d
		}
	}
}

func WithLogger(l *log.Logger) Option {
	return func(s *Session) {
		if l != nil {
			s.log = l
		}
	}
}

// WithNotify registers fn for every state change.  fn runs with the
// session locked and must not call back into it.
func WithNotify(fn func(Snapshot)) Option {
	return func(s *Session) { s.notify = fn }
}

func New(eventID, buyerID string, res Reservations, clk clock.Clock, opts ...Option) *Session {
	s := &Session{
		id:      uuid.NewString(),
		eventID: eventID,
		buyerID: buyerID,
		res:     res,
		clock:   clk,
		ttl:     15 * time.Minute,
		log:     log.New("session"),
		state:   StateIdle,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Session) ID() string      { return s.id }
func (s *Session) EventID() string { return s.eventID }
func (s *Session) BuyerID() string { return s.buyerID }

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Selected returns the picked seats in selection order.
func (s *Session) Selected() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.selected...)
}

// Remaining is the time left on the countdown, zero outside Selecting.
func (s *Session) Remaining() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.remainingLocked()
}

func (s *Session) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshotLocked()
}

// Select reserves the seats not yet picked.  The first successful pick
// moves Idle to Selecting and starts the countdown.  When any seat is
// taken the session is left unchanged and ErrLockConflict is returned.
func (s *Session) Select(ctx context.Context, seatIDs ...string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state.Terminal() {
		return ErrSessionClosed
	}
	delta := s.missingLocked(seatIDs)
	if len(delta) == 0 {
		return nil
	}
	ok, err := s.res.Reserve(ctx, s.eventID, delta, s.buyerID)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: %v", ErrLockConflict, delta)
	}
	s.selected = append(s.selected, delta...)
	if s.state == StateIdle {
		deadline := s.clock.Now().Add(s.ttl)
		s.deadline = &deadline
		s.transitionLocked(StateSelecting)
		return nil
	}
	s.emitLocked()
	return nil
}

// Deselect releases picked seats.  Dropping the last seat returns the
// session to Idle and clears the countdown.
func (s *Session) Deselect(ctx context.Context, seatIDs ...string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state.Terminal() {
		return ErrSessionClosed
	}
	drop := make(map[string]struct{}, len(seatIDs))
	for _, id := range seatIDs {
		drop[id] = struct{}{}
	}
	var released, kept []string
	for _, id := range s.selected {
		if _, ok := drop[id]; ok {
			released = append(released, id)
			continue
		}
		kept = append(kept, id)
	}
	if len(released) == 0 {
		return nil
	}
	s.releaseLocked(ctx, released)
	s.selected = kept
	if len(kept) == 0 {
		s.deadline = nil
		s.transitionLocked(StateIdle)
		return nil
	}
	s.emitLocked()
	return nil
}

// Tick advances the countdown.  Once the deadline passes every selected
// seat is released and the session expires.
func (s *Session) Tick(ctx context.Context) State {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateSelecting || s.deadline == nil {
		return s.state
	}
	if s.clock.Now().Before(*s.deadline) {
		return s.state
	}
	s.releaseLocked(ctx, s.selected)
	s.deadline = nil
	s.transitionLocked(StateExpired)
	s.log.Infof("session: expired id=%s event=%s buyer=%s seats=%v", s.id, s.eventID, s.buyerID, s.selected)
	return s.state
}

// Checkout handles the payment success signal by committing the sale.  A
// sale conflict releases the seats the buyer still held, clears the
// selection and returns ErrRestartSelection; other failures leave the
// session in Selecting so the call can be retried.
func (s *Session) Checkout(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state.Terminal() {
		return ErrSessionClosed
	}
	if s.state != StateSelecting {
		return ErrNothingSelected
	}
	err := s.res.MarkSold(ctx, s.eventID, s.selected, s.buyerID)
	if err == nil {
		s.deadline = nil
		s.transitionLocked(StateCheckout)
		return nil
	}
	var conflict *service.SaleConflictError
	if !errors.As(err, &conflict) {
		return err
	}

	lost := make(map[string]struct{}, len(conflict.SeatIDs))
	for _, id := range conflict.SeatIDs {
		lost[id] = struct{}{}
	}
	var held []string
	for _, id := range s.selected {
		if _, ok := lost[id]; !ok {
			held = append(held, id)
		}
	}
	if len(held) > 0 {
		s.releaseLocked(ctx, held)
	}
	s.selected = nil
	s.deadline = nil
	s.transitionLocked(StateIdle)
	return fmt.Errorf("%w: %w", ErrRestartSelection, err)
}

// Cancel releases every selected seat and closes the session.
func (s *Session) Cancel(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state.Terminal() {
		return ErrSessionClosed
	}
	if len(s.selected) > 0 {
		s.releaseLocked(ctx, s.selected)
	}
	s.deadline = nil
	s.transitionLocked(StateCancelled)
	return nil
}

func (s *Session) missingLocked(ids []string) []string {
	have := make(map[string]struct{}, len(s.selected)+len(ids))
	for _, id := range s.selected {
		have[id] = struct{}{}
	}
	var out []string
	for _, id := range ids {
		if id == "" {
			continue
		}
		if _, ok := have[id]; ok {
			continue
		}
		have[id] = struct{}{}
		out = append(out, id)
	}
	return out
}

// releaseLocked is best-effort: failures are logged and the flow goes on.
func (s *Session) releaseLocked(ctx context.Context, ids []string) {
	if err := s.res.Release(ctx, s.eventID, ids); err != nil {
		s.log.Errorf("session: release failed id=%s event=%s seats=%v: %v", s.id, s.eventID, ids, err)
	}
}

func (s *Session) transitionLocked(next State) {
	s.log.Debugf("session: id=%s %s -> %s", s.id, s.state, next)
	s.state = next
	s.emitLocked()
}

func (s *Session) emitLocked() {
	if s.notify != nil {
		s.notify(s.snapshotLocked())
	}
}

func (s *Session) remainingLocked() time.Duration {
	if s.state != StateSelecting || s.deadline == nil {
		return 0
	}
	d := s.deadline.Sub(s.clock.Now())
	if d < 0 {
		return 0
	}
	return d
}

func (s *Session) snapshotLocked() Snapshot {
	snap := Snapshot{
		ID:        s.id,
		EventID:   s.eventID,
		BuyerID:   s.buyerID,
		State:     s.state,
		Seats:     append([]string{}, s.selected...),
		Remaining: int(s.remainingLocked().Round(time.Second) / time.Second),
	}
	if s.deadline != nil {
		d := *s.deadline
		snap.ExpiresAt = &d
	}
	return snap
}
