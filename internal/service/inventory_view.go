package service

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/labstack/gommon/log"

	"github.com/iliyamo/event-seat-allocation/internal/clock"
	"github.com/iliyamo/event-seat-allocation/internal/model"
	"github.com/iliyamo/event-seat-allocation/internal/repository"
)

// BuyerSeat is a seat as presented to one buyer.
type BuyerSeat struct {
	ID         string           `json:"id"`
	Row        int              `json:"row"`
	Number     int              `json:"seat"`
	CategoryID string           `json:"category"`
	Price      int64            `json:"price"`
	Status     model.SeatStatus `json:"status"`
	Mine       bool             `json:"mine,omitempty"`
}

// InventoryView mirrors one event's seats from the store's change stream.
type InventoryView struct {
	eventID string
	store   repository.SeatStore
	clock   clock.Clock
	sweeper *Sweeper
	log     *log.Logger

	mu        sync.RWMutex
	seats     map[string]repository.VersionedSeat
	listeners map[int]func([]model.Seat)
	nextID    int

	ready     chan struct{}
	readyOnce sync.Once
	done      chan struct{}
}

// ViewOption configures an InventoryView.
type ViewOption func(*InventoryView)

// WithSweepOnStart reclaims expired locks before the view subscribes.
func WithSweepOnStart(s *Sweeper) ViewOption {
	return func(v *InventoryView) { v.sweeper = s }
}

func WithViewLogger(l *log.Logger) ViewOption {
	return func(v *InventoryView) {
		if l != nil {
			v.log = l
		}
	}
}

func NewInventoryView(store repository.SeatStore, clk clock.Clock, eventID string, opts ...ViewOption) *InventoryView {
	v := &InventoryView{
		eventID:   eventID,
		store:     store,
		clock:     clk,
		log:       defaultLogger,
		seats:     make(map[string]repository.VersionedSeat),
		listeners: make(map[int]func([]model.Seat)),
		ready:     make(chan struct{}),
		done:      make(chan struct{}),
	}
	for _, opt := range opts {
		opt(v)
	}
	return v
}

// Start subscribes to the event's change stream and keeps the mirror
// current until ctx ends.  It returns once the subscription is open; Ready
// is closed after the initial snapshot has been applied.
func (v *InventoryView) Start(ctx context.Context) error {
	if v.sweeper != nil {
		if _, err := v.sweeper.Sweep(ctx, v.eventID); err != nil {
			v.log.Warnf("view: sweep on load failed event=%s: %v", v.eventID, err)
		}
	}
	ch, err := v.store.Subscribe(ctx, v.eventID)
	if err != nil {
		close(v.done)
		return err
	}
	go func() {
		defer close(v.done)
		for batch := range ch {
			v.apply(batch)
			v.readyOnce.Do(func() { close(v.ready) })
		}
	}()
	return nil
}

// Ready is closed once the first snapshot has been applied.
func (v *InventoryView) Ready() <-chan struct{} { return v.ready }

// Done is closed when the subscription ends.
func (v *InventoryView) Done() <-chan struct{} { return v.done }

// EventID returns the event mirrored by the view.
func (v *InventoryView) EventID() string { return v.eventID }

// apply merges a change batch.  Entries older than the mirrored version are
// ignored so a late snapshot never rolls a seat back.
func (v *InventoryView) apply(batch []repository.VersionedSeat) {
	changed := make([]model.Seat, 0, len(batch))
	v.mu.Lock()
	for _, in := range batch {
		if cur, ok := v.seats[in.Seat.ID]; ok && cur.Version >= in.Version {
			continue
		}
		v.seats[in.Seat.ID] = in
		changed = append(changed, in.Seat)
	}
	listeners := make([]func([]model.Seat), 0, len(v.listeners))
	for _, fn := range v.listeners {
		listeners = append(listeners, fn)
	}
	v.mu.Unlock()

	if len(changed) == 0 {
		return
	}
	for _, fn := range listeners {
		fn(changed)
	}
}

// AddListener registers fn for every batch of changed seats.  fn runs on the
// view's update goroutine and must not block.  The returned func removes it.
func (v *InventoryView) AddListener(fn func([]model.Seat)) (remove func()) {
	v.mu.Lock()
	id := v.nextID
	v.nextID++
	v.listeners[id] = fn
	v.mu.Unlock()
	return func() {
		v.mu.Lock()
		delete(v.listeners, id)
		v.mu.Unlock()
	}
}

// Len is the number of mirrored seats.
func (v *InventoryView) Len() int {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return len(v.seats)
}

// ListenerCount is the number of registered listeners.
func (v *InventoryView) ListenerCount() int {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return len(v.listeners)
}

// Seats returns the mirrored seats ordered by id.
func (v *InventoryView) Seats() []model.Seat {
	v.mu.RLock()
	out := make([]model.Seat, 0, len(v.seats))
	for _, s := range v.seats {
		out = append(out, s.Seat)
	}
	v.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (v *InventoryView) Seat(id string) (model.Seat, bool) {
	v.mu.RLock()
	defer v.mu.RUnlock()
	s, ok := v.seats[id]
	return s.Seat, ok
}

// StatusFor reports the seat status as seen by buyerID.  A live lock held by
// another buyer reads as sold; an expired lock reads as available.
func (v *InventoryView) StatusFor(seatID, buyerID string) (model.SeatStatus, bool) {
	s, ok := v.Seat(seatID)
	if !ok {
		return "", false
	}
	return statusAt(s, buyerID, v.clock.Now()), true
}

// SeatsFor returns every seat from buyerID's perspective.
func (v *InventoryView) SeatsFor(buyerID string) []BuyerSeat {
	return v.Present(v.Seats(), buyerID)
}

// Present converts seats to buyerID's perspective, e.g. for a change batch
// delivered to a listener.
func (v *InventoryView) Present(seats []model.Seat, buyerID string) []BuyerSeat {
	now := v.clock.Now()
	out := make([]BuyerSeat, 0, len(seats))
	for _, s := range seats {
		out = append(out, BuyerSeat{
			ID:         s.ID,
			Row:        s.Row,
			Number:     s.Number,
			CategoryID: s.CategoryID,
			Price:      s.Price,
			Status:     statusAt(s, buyerID, now),
			Mine:       buyerID != "" && s.HeldBy(buyerID) && !s.LockExpiredAt(now),
		})
	}
	return out
}

func statusAt(s model.Seat, buyerID string, now time.Time) model.SeatStatus {
	if s.Status != model.SeatReserved {
		return s.Status
	}
	switch {
	case s.LockExpiredAt(now):
		return model.SeatAvailable
	case s.HeldByOtherAt(buyerID, now):
		return model.SeatSold
	}
	return model.SeatReserved
}

// Views lazily starts one InventoryView per event.  Events without seats
// are never cached, browsing re-runs the expiry sweep at most once per
// sweep interval, and views nobody listens to are evicted after the idle
// timeout by Prune.
type Views struct {
	ctx     context.Context
	cancel  context.CancelFunc
	store   repository.SeatStore
	clock   clock.Clock
	sweeper *Sweeper
	log     *log.Logger

	sweepEvery time.Duration
	idleAfter  time.Duration

	mu    sync.Mutex
	views map[string]*viewEntry
}

// viewEntry is a cache slot.  view and err are set before started closes;
// lastUsed and lastSweep are guarded by Views.mu.
type viewEntry struct {
	started   chan struct{}
	view      *InventoryView
	err       error
	cancel    context.CancelFunc
	lastUsed  time.Time
	lastSweep time.Time
}

func (e *viewEntry) dead() bool {
	select {
	case <-e.started:
	default:
		return false
	}
	if e.err != nil {
		return true
	}
	select {
	case <-e.view.Done():
		return true
	default:
		return false
	}
}

// ViewsOption configures Views.
type ViewsOption func(*Views)

// WithBrowseSweepInterval sets how often browsing an event may trigger a
// sweep, 30 seconds by default.
func WithBrowseSweepInterval(d time.Duration) ViewsOption {
	return func(r *Views) {
		if d >= 0 {
			r.sweepEvery = d
		}
	}
}

// WithIdleTimeout sets how long a view without listeners survives its last
// Get, 5 minutes by default.
func WithIdleTimeout(d time.Duration) ViewsOption {
	return func(r *Views) {
		if d > 0 {
			r.idleAfter = d
		}
	}
}

func NewViews(ctx context.Context, store repository.SeatStore, clk clock.Clock, sweeper *Sweeper, logger *log.Logger, opts ...ViewsOption) *Views {
	if logger == nil {
		logger = defaultLogger
	}
	ctx, cancel := context.WithCancel(ctx)
	r := &Views{
		ctx:        ctx,
		cancel:     cancel,
		store:      store,
		clock:      clk,
		sweeper:    sweeper,
		log:        logger,
		sweepEvery: 30 * time.Second,
		idleAfter:  5 * time.Minute,
		views:      make(map[string]*viewEntry),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

var (
	// ErrViewsClosed is returned by Get after Close.
	ErrViewsClosed = errors.New("inventory views closed")
	// ErrNoSeating is returned by Get for events without generated seats.
	ErrNoSeating = errors.New("event has no seating")
)

// Get returns the running view for eventID, starting it on first use, and
// waits until its initial snapshot is loaded.  A view whose subscription
// ended is replaced.  Expired locks of the event are swept first, at most
// once per sweep interval.
func (r *Views) Get(ctx context.Context, eventID string) (*InventoryView, error) {
	if r.ctx.Err() != nil {
		return nil, ErrViewsClosed
	}
	now := r.clock.Now()
	r.mu.Lock()
	e, ok := r.views[eventID]
	if ok && e.dead() {
		delete(r.views, eventID)
		ok = false
	}
	sweep := false
	if !ok {
		e = &viewEntry{started: make(chan struct{}), lastUsed: now, lastSweep: now}
		r.views[eventID] = e
	} else if r.sweeper != nil && now.Sub(e.lastSweep) >= r.sweepEvery {
		e.lastSweep = now
		sweep = true
	}
	r.mu.Unlock()

	if !ok {
		r.start(eventID, e)
	}
	select {
	case <-e.started:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	if e.err != nil {
		return nil, e.err
	}
	if sweep {
		if _, err := r.sweeper.Sweep(ctx, eventID); err != nil {
			r.log.Warnf("view: browse sweep failed event=%s: %v", eventID, err)
		}
	}

	v := e.view
	select {
	case <-v.Ready():
	case <-v.Done():
		select {
		case <-v.Ready():
		default:
			r.evict(eventID, e)
			return nil, ErrViewsClosed
		}
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	if v.Len() == 0 {
		r.evict(eventID, e)
		return nil, ErrNoSeating
	}
	r.mu.Lock()
	e.lastUsed = r.clock.Now()
	r.mu.Unlock()
	return v, nil
}

// start runs outside r.mu so a slow store only delays callers of this
// event.  A failed start removes the entry.
func (r *Views) start(eventID string, e *viewEntry) {
	ctx, cancel := context.WithCancel(r.ctx)
	v := NewInventoryView(r.store, r.clock, eventID, WithSweepOnStart(r.sweeper), WithViewLogger(r.log))
	err := v.Start(ctx)
	e.view, e.err, e.cancel = v, err, cancel
	close(e.started)
	if err != nil {
		r.evict(eventID, e)
		return
	}
	r.log.Debugf("view: started event=%s", eventID)
}

func (r *Views) evict(eventID string, e *viewEntry) {
	r.mu.Lock()
	if cur, ok := r.views[eventID]; ok && cur == e {
		delete(r.views, eventID)
	}
	r.mu.Unlock()
	if e.cancel != nil {
		e.cancel()
	}
}

// Len is the number of cached views.
func (r *Views) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.views)
}

// Prune stops views that have no listeners and were not fetched within the
// idle timeout.  It returns how many were stopped.
func (r *Views) Prune() int {
	now := r.clock.Now()
	var stale []*viewEntry
	r.mu.Lock()
	for id, e := range r.views {
		select {
		case <-e.started:
		default:
			continue
		}
		if e.err == nil && (e.view.ListenerCount() > 0 || now.Sub(e.lastUsed) < r.idleAfter) {
			continue
		}
		delete(r.views, id)
		stale = append(stale, e)
	}
	r.mu.Unlock()
	for _, e := range stale {
		if e.cancel != nil {
			e.cancel()
		}
	}
	return len(stale)
}

// Run calls Prune every interval until ctx ends or Close is called.
func (r *Views) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-r.ctx.Done():
			return
		case <-ticker.C:
			if n := r.Prune(); n > 0 {
				r.log.Debugf("view: pruned %d idle views", n)
			}
		}
	}
}

// Close stops every view.
func (r *Views) Close() {
	r.cancel()
	r.mu.Lock()
	r.views = make(map[string]*viewEntry)
	r.mu.Unlock()
}
