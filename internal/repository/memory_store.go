package repository

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/iliyamo/event-seat-allocation/internal/model"
)

// MemoryStore is a versioned in-memory SeatStore with compare-and-swap
// commits.  It backs tests and single-process deployments.
type MemoryStore struct {
	mu     sync.Mutex
	events map[string]map[string]VersionedSeat
	subs   map[string]map[*memorySub]struct{}
	fault  func(eventID string, writes []VersionedSeat) error
}

// MemoryOption configures a MemoryStore.
type MemoryOption func(*MemoryStore)

// WithCommitFault installs a hook that runs after a commit's version check
// and before any write is applied.  A non-nil error aborts the commit with
// zero writes, which lets tests inject failures mid-transaction.
func WithCommitFault(fn func(eventID string, writes []VersionedSeat) error) MemoryOption {
	return func(s *MemoryStore) { s.fault = fn }
}

// NewMemoryStore returns an empty store.
func NewMemoryStore(opts ...MemoryOption) *MemoryStore {
	s := &MemoryStore{
		events: make(map[string]map[string]VersionedSeat),
		subs:   make(map[string]map[*memorySub]struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *MemoryStore) Insert(ctx context.Context, eventID string, seats []model.Seat) error {
	if len(seats) == 0 {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	tbl := s.events[eventID]
	if tbl == nil {
		tbl = make(map[string]VersionedSeat, len(seats))
		s.events[eventID] = tbl
	}
	changed := make([]VersionedSeat, 0, len(seats))
	for _, seat := range seats {
		v := VersionedSeat{Seat: seat, Version: tbl[seat.ID].Version + 1}
		tbl[seat.ID] = v
		changed = append(changed, v)
	}
	s.publishLocked(eventID, changed)
	return nil
}

func (s *MemoryStore) Load(ctx context.Context, eventID string, ids []string) ([]VersionedSeat, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	tbl := s.events[eventID]
	out := make([]VersionedSeat, 0, len(ids))
	for _, id := range ids {
		v, ok := tbl[id]
		if !ok {
			return nil, fmt.Errorf("%w: %s/%s", ErrSeatNotFound, eventID, id)
		}
		out = append(out, v)
	}
	return out, nil
}

func (s *MemoryStore) List(ctx context.Context, eventID string) ([]VersionedSeat, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.listLocked(eventID), nil
}

func (s *MemoryStore) ListExpired(ctx context.Context, eventID string, now time.Time) ([]VersionedSeat, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []VersionedSeat
	for _, v := range s.listLocked(eventID) {
		if v.Seat.LockExpiredAt(now) {
			out = append(out, v)
		}
	}
	return out, nil
}

func (s *MemoryStore) Commit(ctx context.Context, eventID string, writes []VersionedSeat) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	tbl := s.events[eventID]
	for _, w := range writes {
		cur, ok := tbl[w.Seat.ID]
		if !ok {
			return fmt.Errorf("%w: %s/%s", ErrSeatNotFound, eventID, w.Seat.ID)
		}
		if cur.Version != w.Version {
			return ErrStale
		}
	}
	if s.fault != nil {
		if err := s.fault(eventID, writes); err != nil {
			return err
		}
	}
	changed := make([]VersionedSeat, 0, len(writes))
	for _, w := range writes {
		v := VersionedSeat{Seat: w.Seat, Version: w.Version + 1}
		tbl[w.Seat.ID] = v
		changed = append(changed, v)
	}
	s.publishLocked(eventID, changed)
	return nil
}

func (s *MemoryStore) Subscribe(ctx context.Context, eventID string) (<-chan []VersionedSeat, error) {
	sub := &memorySub{wake: make(chan struct{}, 1)}
	out := make(chan []VersionedSeat)

	s.mu.Lock()
	if s.subs[eventID] == nil {
		s.subs[eventID] = make(map[*memorySub]struct{})
	}
	s.subs[eventID][sub] = struct{}{}
	sub.push(s.listLocked(eventID))
	s.mu.Unlock()

	go func() {
		defer close(out)
		defer func() {
			s.mu.Lock()
			delete(s.subs[eventID], sub)
			s.mu.Unlock()
		}()
		for {
			select {
			case <-ctx.Done():
				return
			case <-sub.wake:
			}
			for _, batch := range sub.drain() {
				select {
				case out <- batch:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}

func (s *MemoryStore) listLocked(eventID string) []VersionedSeat {
	tbl := s.events[eventID]
	out := make([]VersionedSeat, 0, len(tbl))
	for _, v := range tbl {
		out = append(out, v)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Seat.ID < out[j].Seat.ID })
	return out
}

func (s *MemoryStore) publishLocked(eventID string, changed []VersionedSeat) {
	for sub := range s.subs[eventID] {
		sub.push(changed)
	}
}

// memorySub buffers batches for one subscriber so commits never block on
// a slow reader.
type memorySub struct {
	mu    sync.Mutex
	queue [][]VersionedSeat
	wake  chan struct{}
}

func (m *memorySub) push(batch []VersionedSeat) {
	cp := make([]VersionedSeat, len(batch))
	copy(cp, batch)
	m.mu.Lock()
	m.queue = append(m.queue, cp)
	m.mu.Unlock()
	select {
	case m.wake <- struct{}{}:
	default:
	}
}

func (m *memorySub) drain() [][]VersionedSeat {
	m.mu.Lock()
	defer m.mu.Unlock()
	q := m.queue
	m.queue = nil
	return q
}
