// Package ingest implements Ingestor: applying a received Change message,
// idempotently, and deciding whether it is new enough to rebroadcast
// (spec.md §4.E).
package ingest

import (
	"context"

	"github.com/ripple-db/ripple/internal/bookie"
	"github.com/ripple-db/ripple/internal/changeset"
	"github.com/ripple-db/ripple/internal/clock"
	"github.com/ripple-db/ripple/internal/store"
)

// SubscriptionPublisher mirrors internal/write's interface of the same
// name: the impactful projection only, never the raw wire message.
type SubscriptionPublisher interface {
	Publish(changes []changeset.RowChange)
}

// Ingestor applies changesets received over broadcast or sync.
type Ingestor struct {
	Store       *store.Store
	Bookie      *bookie.Bookie
	Clock       *clock.Clock
	Subscribers SubscriptionPublisher
}

// Apply ingests one Change message. It returns (msg, true) if the message
// was new and should be rebroadcast unmodified, or (zero, false) if
// (actor, version) was already known — a no-op, not an error.
func (in *Ingestor) Apply(ctx context.Context, msg changeset.Message) (changeset.Message, bool, error) {
	cs := msg.Change
	if in.Bookie.Contains(cs.Actor, cs.Start) {
		return changeset.Message{}, false, nil
	}

	tx, err := in.Store.AcquireWriter(ctx)
	if err != nil {
		return changeset.Message{}, false, err
	}

	startVersion, err := in.Store.CurrentDbVersion(ctx, tx)
	if err != nil {
		tx.Rollback()
		return changeset.Message{}, false, err
	}

	var impactful []changeset.RowChange
	for _, rc := range cs.Changes {
		impacted, err := in.Store.ApplyRemoteChange(ctx, tx, rc)
		if err != nil {
			tx.Rollback()
			return changeset.Message{}, false, err
		}
		if impacted > 0 {
			impactful = append(impactful, rc)
		}
	}

	// endVersion is this node's own db_version counter after applying the
	// change, not the wire-level rc.DbVersion the originating node reported
	// — the two are unrelated counters on different nodes, and comparing
	// against the wire value would mark a change Cleared even when it
	// really advanced this node's engine.
	endVersion, err := in.Store.CurrentDbVersion(ctx, tx)
	if err != nil {
		tx.Rollback()
		return changeset.Message{}, false, err
	}

	cleared := endVersion == startVersion
	if cleared {
		if err := in.Store.InsertBookkeeping(ctx, tx, cs.Actor, cs.Start, nil, cs.Ts); err != nil {
			tx.Rollback()
			return changeset.Message{}, false, err
		}
	} else {
		dbv := endVersion
		if err := in.Store.InsertBookkeeping(ctx, tx, cs.Actor, cs.Start, &dbv, cs.Ts); err != nil {
			tx.Rollback()
			return changeset.Message{}, false, err
		}
	}

	if err := tx.Commit(); err != nil {
		return changeset.Message{}, false, err
	}

	if err := in.Clock.Update(cs.Ts); err != nil {
		// A rejected skew never aborts ingestion: the change is already
		// committed. It only means our own clock doesn't advance past it.
		_ = err
	}

	if cleared {
		in.Bookie.Insert(cs.Actor, cs.Start, cs.End, bookie.Cleared)
	} else {
		in.Bookie.Insert(cs.Actor, cs.Start, cs.End, bookie.Current)
	}

	if len(impactful) > 0 && in.Subscribers != nil {
		in.Subscribers.Publish(impactful)
	}

	// Return the original, unprojected message: downstream peers must see
	// the full CRDT history, not just what happened to be impactful here
	// (spec.md §4.E step 10).
	return msg, true, nil
}
