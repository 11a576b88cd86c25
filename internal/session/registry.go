package session

import (
	"context"
	"sync"
	"time"

	"github.com/labstack/gommon/log"

	"github.com/iliyamo/event-seat-allocation/internal/clock"
)

type key struct{ eventID, buyerID string }

// Registry owns the live sessions, one per (event, buyer).  Sessions that
// reach a terminal state are dropped.
type Registry struct {
	res    Reservations
	clock  clock.Clock
	ttl    time.Duration
	tick   time.Duration
	log    *log.Logger
	notify func(Snapshot)

	mu       sync.Mutex
	sessions map[key]*Session
}

// RegistryOption configures a Registry.
type RegistryOption func(*Registry)

// WithSessionTTL sets the countdown of every new session.
func WithSessionTTL(d time.Duration) RegistryOption {
	return func(r *Registry) { r.ttl = d }
}

// WithTickInterval sets how often Run advances countdowns, one second by
// default.
func WithTickInterval(d time.Duration) RegistryOption {
	return func(r *Registry) {
		if d > 0 {
			r.tick = d
		}
	}
}

func WithRegistryLogger(l *log.Logger) RegistryOption {
	return func(r *Registry) {
		if l != nil {
			r.log = l
		}
	}
}

// WithSessionNotify is passed to every session as WithNotify.
func WithSessionNotify(fn func(Snapshot)) RegistryOption {
	return func(r *Registry) { r.notify = fn }
}

func NewRegistry(res Reservations, clk clock.Clock, opts ...RegistryOption) *Registry {
	r := &Registry{
		res:      res,
		clock:    clk,
		tick:     time.Second,
		log:      log.New("session"),
		sessions: make(map[key]*Session),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Get returns the buyer's live session for the event.
func (r *Registry) Get(eventID, buyerID string) (*Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[key{eventID, buyerID}]
	return s, ok
}

// Open returns the buyer's session, creating an idle one if none is live.
func (r *Registry) Open(eventID, buyerID string) *Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	k := key{eventID, buyerID}
	if s, ok := r.sessions[k]; ok && !s.State().Terminal() {
		return s
	}
	s := New(eventID, buyerID, r.res, r.clock,
		WithTTL(r.ttl), WithLogger(r.log), WithNotify(r.notify))
	r.sessions[k] = s
	r.log.Debugf("session: opened id=%s event=%s buyer=%s", s.ID(), eventID, buyerID)
	return s
}

// Select opens the buyer's session on first click and picks seatIDs.  A
// session that is still idle after a conflict is discarded.
func (r *Registry) Select(ctx context.Context, eventID, buyerID string, seatIDs ...string) (*Session, error) {
	s := r.Open(eventID, buyerID)
	err := s.Select(ctx, seatIDs...)
	if err != nil && s.State() == StateIdle {
		r.drop(s)
	}
	return s, err
}

// Len is the number of live sessions.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

// Sweep ticks every session once and drops the terminal ones.
func (r *Registry) Sweep(ctx context.Context) {
	r.mu.Lock()
	live := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		live = append(live, s)
	}
	r.mu.Unlock()

	for _, s := range live {
		if s.Tick(ctx).Terminal() {
			r.drop(s)
		}
	}
}

// Run ticks all sessions every tick interval until ctx ends.
func (r *Registry) Run(ctx context.Context) {
	ticker := time.NewTicker(r.tick)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.Sweep(ctx)
		}
	}
}

func (r *Registry) drop(s *Session) {
	r.mu.Lock()
	defer r.mu.Unlock()
	k := key{s.EventID(), s.BuyerID()}
	if cur, ok := r.sessions[k]; ok && cur == s {
		delete(r.sessions, k)
	}
}

// Forget removes s if it reached a terminal state.
func (r *Registry) Forget(s *Session) {
	if s.State().Terminal() {
		r.drop(s)
	}
}
