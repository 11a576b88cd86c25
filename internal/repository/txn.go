package repository

import (
	"context"
	"errors"
	"fmt"
	"time"
)

const (
	defaultTxnAttempts = 5
	defaultTxnBackoff  = 5 * time.Millisecond
)

// TxnOptions bound the optimistic retry loop.
type TxnOptions struct {
	Attempts int           // total commit attempts, default 5
	Backoff  time.Duration // linear backoff step between attempts
}

func (o TxnOptions) withDefaults() TxnOptions {
	if o.Attempts <= 0 {
		o.Attempts = defaultTxnAttempts
	}
	if o.Backoff < 0 {
		o.Backoff = 0
	} else if o.Backoff == 0 {
		o.Backoff = defaultTxnBackoff
	}
	return o
}

// TxnFunc evaluates a precondition over the seats it was handed and returns
// the writes to apply.  Returning an error aborts the transaction with no
// writes; returning no writes commits nothing and succeeds.
type TxnFunc func(read []VersionedSeat) ([]VersionedSeat, error)

// RunTxn runs fn as an optimistic multi-key transaction over seatIDs: read
// every seat, evaluate fn, commit all writes against the versions read.  A
// concurrent writer touching any of the seats makes the commit stale and
// the whole cycle is retried.  After opts.Attempts stale commits the call
// fails with ErrTransientStore.
func RunTxn(ctx context.Context, store SeatStore, eventID string, seatIDs []string, opts TxnOptions, fn TxnFunc) error {
	opts = opts.withDefaults()
	for attempt := 1; attempt <= opts.Attempts; attempt++ {
		read, err := store.Load(ctx, eventID, seatIDs)
		if err != nil {
			return err
		}
		writes, err := fn(read)
		if err != nil {
			return err
		}
		if len(writes) == 0 {
			return nil
		}
		err = store.Commit(ctx, eventID, writes)
		if err == nil {
			return nil
		}
		if !errors.Is(err, ErrStale) {
			return err
		}
		if attempt == opts.Attempts {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Duration(attempt) * opts.Backoff):
		}
	}
	return fmt.Errorf("%w: %d attempts on event %s", ErrTransientStore, opts.Attempts, eventID)
}
