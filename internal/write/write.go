// Package write implements WriteCoordinator: the single entry point for a
// locally authored mutation. It owns the writer-connection lock's lifetime
// for one transaction, turns whatever F touched into a Changeset, and
// hands the result to the broadcaster and the subscription hook (spec.md
// §4.D).
package write

import (
	"context"
	"log"
	"time"

	"github.com/ripple-db/ripple/internal/actor"
	"github.com/ripple-db/ripple/internal/bookie"
	"github.com/ripple-db/ripple/internal/changeset"
	"github.com/ripple-db/ripple/internal/clock"
	"github.com/ripple-db/ripple/internal/rerr"
	"github.com/ripple-db/ripple/internal/store"
)

// Broadcaster is the narrow slice of internal/broadcast.Broadcaster that
// WriteCoordinator needs, kept as an interface here so this package never
// imports internal/transport or internal/membership transitively.
type Broadcaster interface {
	AddBroadcast(msg changeset.Message) error
}

// SubscriptionPublisher receives the impactful projection of a write —
// just the RowChanges that actually changed something — for whatever
// observes local state (spec.md §4.D step 10, decision pinned in
// SPEC_FULL.md §4).
type SubscriptionPublisher interface {
	Publish(changes []changeset.RowChange)
}

// Coordinator is the WriteCoordinator. One instance is shared by every
// caller that wants to make a local write; its only exclusive resource is
// the store's single writer connection, acquired for the duration of one
// call to Execute.
type Coordinator struct {
	Store       *store.Store
	Bookie      *bookie.Bookie
	Clock       *clock.Clock
	Actor       actor.ID
	Broadcast   Broadcaster
	Subscribers SubscriptionPublisher
	// MaxRowsImpacted caps how many change-log rows a single transaction
	// may touch before it is aborted with TooManyRowsImpacted.
	MaxRowsImpacted int
}

// Execute runs f against a fresh writer transaction, commits it, and
// broadcasts the resulting changeset. T is whatever value the caller's
// closure wants to return alongside the written rows (e.g. a generated id).
func Execute[T any](ctx context.Context, c *Coordinator, f func(tx *store.Tx) (T, error)) (T, time.Duration, error) {
	var zero T
	started := time.Now()

	tx, err := c.Store.AcquireWriter(ctx)
	if err != nil {
		return zero, time.Since(started), err
	}

	startVersion, err := c.Store.CurrentDbVersion(ctx, tx)
	if err != nil {
		tx.Rollback()
		return zero, time.Since(started), err
	}

	result, err := f(tx)
	if err != nil {
		tx.Rollback()
		return zero, time.Since(started), err
	}

	if c.MaxRowsImpacted > 0 && tx.RowsImpacted() > c.MaxRowsImpacted {
		tx.Rollback()
		return zero, time.Since(started), rerr.Wrap(rerr.TooManyRowsImpacted, nil,
			"transaction touched %d rows, cap is %d", tx.RowsImpacted(), c.MaxRowsImpacted)
	}

	changes, endVersion, err := c.Store.DrainLocalChanges(ctx, tx, startVersion, c.Actor)
	if err != nil {
		tx.Rollback()
		return zero, time.Since(started), err
	}

	ts := c.Clock.Now()
	version := c.nextVersion()

	if len(changes) > 0 {
		dbv := endVersion
		if err := c.Store.InsertBookkeeping(ctx, tx, c.Actor, version, &dbv, ts); err != nil {
			tx.Rollback()
			return zero, time.Since(started), err
		}
	} else {
		if err := c.Store.InsertBookkeeping(ctx, tx, c.Actor, version, nil, ts); err != nil {
			tx.Rollback()
			return zero, time.Since(started), err
		}
	}

	if err := tx.Commit(); err != nil {
		return zero, time.Since(started), err
	}

	if len(changes) > 0 {
		c.Bookie.Insert(c.Actor, version, version, bookie.Current)
		cs := changeset.Changeset{Kind: changeset.KindFull, Actor: c.Actor, Start: version, End: version, Changes: changes, Ts: ts}
		if c.Broadcast != nil {
			// Broadcast failure is logged here, never surfaced: the write
			// is already durable and anti-entropy will carry it to peers
			// eventually (spec.md §4.D).
			if err := c.Broadcast.AddBroadcast(changeset.Message{Kind: changeset.MessageChange, Change: &cs}); err != nil {
				log.Printf("write: queueing broadcast of version %d: %v", version, err)
			}
		}
		if c.Subscribers != nil {
			c.Subscribers.Publish(changes)
		}
	} else {
		c.Bookie.Insert(c.Actor, version, version, bookie.Cleared)
	}

	return result, time.Since(started), nil
}

func (c *Coordinator) nextVersion() uint64 {
	last, ok := c.Bookie.Last(c.Actor)
	if !ok {
		return 1
	}
	return last + 1
}
