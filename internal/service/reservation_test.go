package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/iliyamo/event-seat-allocation/internal/model"
	"github.com/iliyamo/event-seat-allocation/internal/queue"
	"github.com/iliyamo/event-seat-allocation/internal/repository"
)

func TestReserveMutualExclusion(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	ctx := context.Background()

	var (
		wg      sync.WaitGroup
		winners atomic.Int32
		start   = make(chan struct{})
	)
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			<-start
			// Overlapping requests: every buyer wants R01-S01.
			ids := []string{"R01-S01", fmt.Sprintf("R02-S%02d", i%10+1)}
			ok, err := f.manager.Reserve(ctx, "ev-1", ids, fmt.Sprintf("buyer%d", i))
			if err != nil && !errors.Is(err, repository.ErrTransientStore) {
				t.Errorf("reserve: %v", err)
			}
			if ok {
				winners.Add(1)
			}
		}(i)
	}
	close(start)
	wg.Wait()

	if n := winners.Load(); n != 1 {
		t.Fatalf("expected exactly one winner, got %d", n)
	}
	won := f.seat(t, "R01-S01")
	if won.Status != model.SeatReserved || won.ReservedBy == nil {
		t.Fatalf("expected R01-S01 reserved, got %+v", won)
	}
}

func TestReserveThenCompetingBuyer(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	ctx := context.Background()

	ok, err := f.manager.Reserve(ctx, "ev-1", []string{"R01-S01"}, "buyer1")
	if err != nil || !ok {
		t.Fatalf("expected buyer1 to reserve, got ok=%v err=%v", ok, err)
	}
	ok, err = f.manager.Reserve(ctx, "ev-1", []string{"R01-S01"}, "buyer2")
	if err != nil || ok {
		t.Fatalf("expected buyer2 to be refused, got ok=%v err=%v", ok, err)
	}
	s := f.seat(t, "R01-S01")
	if *s.ReservedBy != "buyer1" {
		t.Fatalf("expected buyer1 to keep the lock, got %s", *s.ReservedBy)
	}
	want := testStart.Add(15 * time.Minute)
	if !s.ReservedUntil.Equal(want) {
		t.Fatalf("expected lock until %s, got %s", want, s.ReservedUntil)
	}
}

func TestReservePartialConflictTouchesNothing(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	ctx := context.Background()

	if ok, _ := f.manager.Reserve(ctx, "ev-1", []string{"R01-S03"}, "buyer1"); !ok {
		t.Fatalf("setup reserve failed")
	}
	ok, err := f.manager.Reserve(ctx, "ev-1", []string{"R01-S01", "R01-S02", "R01-S03"}, "buyer2")
	if err != nil || ok {
		t.Fatalf("expected false without error, got ok=%v err=%v", ok, err)
	}
	for _, id := range []string{"R01-S01", "R01-S02"} {
		if s := f.seat(t, id); s.Status != model.SeatAvailable {
			t.Fatalf("expected %s available, got %s", id, s.Status)
		}
	}
}

func TestReserveAtomicUnderInjectedFailure(t *testing.T) {
	t.Parallel()

	boom := errors.New("disk on fire")
	var fail atomic.Bool
	f := newFixture(t, repository.WithCommitFault(func(string, []repository.VersionedSeat) error {
		if fail.Load() {
			return boom
		}
		return nil
	}))
	ctx := context.Background()
	ids := []string{"R01-S01", "R01-S02", "R01-S03"}

	fail.Store(true)
	if ok, err := f.manager.Reserve(ctx, "ev-1", ids, "buyer1"); ok || !errors.Is(err, boom) {
		t.Fatalf("expected injected failure, got ok=%v err=%v", ok, err)
	}
	for _, id := range ids {
		if s := f.seat(t, id); s.Status != model.SeatAvailable {
			t.Fatalf("expected %s untouched, got %s", id, s.Status)
		}
	}

	fail.Store(false)
	if ok, _ := f.manager.Reserve(ctx, "ev-1", ids, "buyer1"); !ok {
		t.Fatalf("expected reserve to succeed once the store recovers")
	}
	fail.Store(true)
	if err := f.manager.MarkSold(ctx, "ev-1", ids, "buyer1"); !errors.Is(err, boom) {
		t.Fatalf("expected injected failure on sale, got %v", err)
	}
	for _, id := range ids {
		if s := f.seat(t, id); s.Status != model.SeatReserved {
			t.Fatalf("expected %s still reserved, got %s", id, s.Status)
		}
	}
}

func TestReserveRetriesExhausted(t *testing.T) {
	t.Parallel()

	f := newFixture(t, repository.WithCommitFault(func(string, []repository.VersionedSeat) error {
		return repository.ErrStale
	}))
	f.manager = NewReservationManager(f.store, f.clock,
		WithTxnAttempts(3), WithTxnBackoff(-1), WithReservationLogger(quietLogger()))

	ok, err := f.manager.Reserve(context.Background(), "ev-1", []string{"R01-S01"}, "buyer1")
	if ok || !errors.Is(err, repository.ErrTransientStore) {
		t.Fatalf("expected ErrTransientStore, got ok=%v err=%v", ok, err)
	}
}

func TestLazyExpiry(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	ctx := context.Background()

	if ok, _ := f.manager.Reserve(ctx, "ev-1", []string{"R01-S01"}, "buyer1"); !ok {
		t.Fatalf("buyer1 reserve failed")
	}
	f.clock.Advance(15*time.Minute - time.Second)
	if ok, _ := f.manager.Reserve(ctx, "ev-1", []string{"R01-S01"}, "buyer2"); ok {
		t.Fatalf("expected lock to still hold before ttl")
	}
	f.clock.Advance(time.Minute + time.Second)
	ok, err := f.manager.Reserve(ctx, "ev-1", []string{"R01-S01"}, "buyer2")
	if err != nil || !ok {
		t.Fatalf("expected expired lock to be taken without a sweep, got ok=%v err=%v", ok, err)
	}
	if s := f.seat(t, "R01-S01"); *s.ReservedBy != "buyer2" {
		t.Fatalf("expected buyer2, got %s", *s.ReservedBy)
	}
}

func TestAbandonedLockSweptThenReserved(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	ctx := context.Background()

	if ok, _ := f.manager.Reserve(ctx, "ev-1", []string{"R01-S01"}, "buyer1"); !ok {
		t.Fatalf("buyer1 reserve failed")
	}
	f.clock.Advance(16 * time.Minute)
	n, err := f.sweeper.Sweep(ctx, "ev-1")
	if err != nil || n != 1 {
		t.Fatalf("expected 1 released, got %d err=%v", n, err)
	}
	ok, err := f.manager.Reserve(ctx, "ev-1", []string{"R01-S01"}, "buyer2")
	if err != nil || !ok {
		t.Fatalf("expected buyer2 to reserve, got ok=%v err=%v", ok, err)
	}
}

func TestSaleIsIrreversible(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	ctx := context.Background()
	ids := []string{"R01-S01", "R01-S02"}

	if ok, _ := f.manager.Reserve(ctx, "ev-1", ids, "buyer1"); !ok {
		t.Fatalf("reserve failed")
	}
	if err := f.manager.MarkSold(ctx, "ev-1", ids, "buyer1"); err != nil {
		t.Fatalf("mark sold: %v", err)
	}
	for _, id := range ids {
		s := f.seat(t, id)
		if s.Status != model.SeatSold || *s.SoldTo != "buyer1" || !s.SoldAt.Equal(testStart) {
			t.Fatalf("expected %s sold to buyer1, got %+v", id, s)
		}
		if s.ReservedBy != nil || s.ReservedUntil != nil {
			t.Fatalf("expected reservation fields cleared on %s", id)
		}
	}

	f.clock.Advance(time.Hour)
	for _, buyer := range []string{"buyer1", "buyer2"} {
		for _, id := range ids {
			if ok, _ := f.manager.Reserve(ctx, "ev-1", []string{id}, buyer); ok {
				t.Fatalf("expected reserve of sold %s by %s to fail", id, buyer)
			}
			if err := f.manager.MarkSold(ctx, "ev-1", []string{id}, buyer); !errors.Is(err, ErrSaleConflict) {
				t.Fatalf("expected sale conflict on %s by %s, got %v", id, buyer, err)
			}
		}
	}
	if err := f.manager.Release(ctx, "ev-1", ids); err != nil {
		t.Fatalf("release: %v", err)
	}
	if s := f.seat(t, "R01-S01"); s.Status != model.SeatSold {
		t.Fatalf("expected release to leave sold seat alone, got %s", s.Status)
	}
}

func TestReleaseRacesSale(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	ctx := context.Background()
	ids := []string{"R01-S01", "R01-S02"}

	if ok, _ := f.manager.Reserve(ctx, "ev-1", ids, "buyer1"); !ok {
		t.Fatalf("reserve failed")
	}
	if err := f.manager.Release(ctx, "ev-1", []string{"R01-S02"}); err != nil {
		t.Fatalf("release: %v", err)
	}

	err := f.manager.MarkSold(ctx, "ev-1", ids, "buyer1")
	var conflict *SaleConflictError
	if !errors.As(err, &conflict) {
		t.Fatalf("expected *SaleConflictError, got %v", err)
	}
	if len(conflict.SeatIDs) != 1 || conflict.SeatIDs[0] != "R01-S02" {
		t.Fatalf("expected conflict on R01-S02, got %v", conflict.SeatIDs)
	}
	if s := f.seat(t, "R01-S01"); s.Status != model.SeatReserved {
		t.Fatalf("expected R01-S01 still reserved, got %s", s.Status)
	}
}

func TestMarkSoldTrustsUnsweptExpiredLock(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	ctx := context.Background()

	if ok, _ := f.manager.Reserve(ctx, "ev-1", []string{"R03-S03"}, "buyer1"); !ok {
		t.Fatalf("reserve failed")
	}
	f.clock.Advance(20 * time.Minute)
	if err := f.manager.MarkSold(ctx, "ev-1", []string{"R03-S03"}, "buyer1"); err != nil {
		t.Fatalf("expected lenient sale, got %v", err)
	}
}

func TestReserveRejectsBadInput(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	ctx := context.Background()
	cases := []struct {
		name  string
		event string
		ids   []string
		buyer string
	}{
		{"no seats", "ev-1", nil, "b"},
		{"blank seats", "ev-1", []string{""}, "b"},
		{"no buyer", "ev-1", []string{"R01-S01"}, ""},
		{"no event", "", []string{"R01-S01"}, "b"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := f.manager.Reserve(ctx, tc.event, tc.ids, tc.buyer); !errors.Is(err, ErrInvalidRequest) {
				t.Fatalf("expected ErrInvalidRequest, got %v", err)
			}
		})
	}
	if _, err := f.manager.Reserve(ctx, "ev-1", []string{"R99-S99"}, "b"); !errors.Is(err, repository.ErrSeatNotFound) {
		t.Fatalf("expected ErrSeatNotFound, got %v", err)
	}
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []queue.SeatsSoldEvent
	err    error
}

func (p *recordingPublisher) PublishSeatsSold(_ context.Context, ev queue.SeatsSoldEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, ev)
	return p.err
}

func TestMarkSoldPublishesSale(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	pub := &recordingPublisher{err: errors.New("broker down")}
	f.manager = NewReservationManager(f.store, f.clock, WithSalePublisher(pub), WithReservationLogger(quietLogger()))
	ctx := context.Background()
	ids := []string{"R01-S01", "R06-S01", "R01-S01"}

	if ok, _ := f.manager.Reserve(ctx, "ev-1", ids, "buyer1"); !ok {
		t.Fatalf("reserve failed")
	}
	if err := f.manager.MarkSold(ctx, "ev-1", ids, "buyer1"); err != nil {
		t.Fatalf("publisher failure must not fail the sale, got %v", err)
	}
	if len(pub.events) != 1 {
		t.Fatalf("expected 1 event, got %d", len(pub.events))
	}
	ev := pub.events[0]
	if ev.TotalPrice != 150 || len(ev.SeatIDs) != 2 || ev.BuyerID != "buyer1" {
		t.Fatalf("unexpected event %+v", ev)
	}
}
