// Package repository defines the seat store contract, the optimistic
// multi-key transaction runner built on top of it and the concrete stores
// (in-memory, MySQL, Redis).  Sentinel errors below let services tell a
// lost race apart from an exhausted retry budget.
package repository

import "errors"

// ErrStale is returned by Commit when at least one seat changed since it
// was read.  No write from the batch is applied.
var ErrStale = errors.New("stale seat version")

// ErrTransientStore is returned by RunTxn once the retry budget is spent.
// Callers should surface it as "try again" to the buyer.
var ErrTransientStore = errors.New("transient store error")

// ErrSeatNotFound is returned when a requested seat id does not exist for
// the event.
var ErrSeatNotFound = errors.New("seat not found")
