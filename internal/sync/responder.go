package sync

import (
	"context"
	"io"
	"log"

	"github.com/ripple-db/ripple/internal/actor"
	"github.com/ripple-db/ripple/internal/changeset"
	"github.com/ripple-db/ripple/internal/clock"
	"github.com/ripple-db/ripple/internal/rerr"
	"github.com/ripple-db/ripple/internal/store"
	"github.com/ripple-db/ripple/internal/transport"
)

// StoreReader is the subset of store.Store the sync responder needs to
// answer a peer's summary with whatever changesets it is missing.
type StoreReader interface {
	LoadBookkeeping(ctx context.Context) ([]store.BookkeepingRow, error)
	ReconstructChangeset(ctx context.Context, a actor.ID, version, dbVersion uint64, ts clock.Timestamp) (changeset.Changeset, error)
}

// Responder answers inbound POST /v1/sync requests: for every (actor,
// version) the requester's summary shows a gap for, stream back the
// reconstructed changeset (spec.md §4.I).
type Responder struct {
	store StoreReader
	clock *clock.Clock
}

// NewResponder builds a Responder. clk folds the request's ripple-clock
// header into the local HLC before replying, the same way any other
// peer-observed timestamp would be.
func NewResponder(s StoreReader, clk *clock.Clock) *Responder {
	return &Responder{store: s, clock: clk}
}

var _ transport.SyncHandler = (*Responder)(nil)

// HandleSync implements transport.SyncHandler.
func (r *Responder) HandleSync(ctx context.Context, summary transport.SyncSummary, clockHeader string, w io.Writer) error {
	if clockHeader != "" {
		if remote, err := clock.ParseTimestamp(clockHeader); err == nil {
			if err := r.clock.Update(remote); err != nil {
				log.Printf("sync: rejecting ripple-clock header %q: %v", clockHeader, err)
			}
		} else {
			log.Printf("sync: malformed ripple-clock header %q: %v", clockHeader, err)
		}
	}

	rows, err := r.store.LoadBookkeeping(ctx)
	if err != nil {
		return rerr.Wrap(rerr.EngineFailure, err, "loading bookkeeping to answer sync request")
	}

	need := make(map[string]map[uint64]bool, len(summary.Need))
	for actorStr, ranges := range summary.Need {
		set := make(map[uint64]bool)
		for _, rg := range ranges {
			for v := rg[0]; v <= rg[1]; v++ {
				set[v] = true
			}
		}
		need[actorStr] = set
	}

	var toSend []store.BookkeepingRow
	for _, row := range rows {
		actorStr := row.Actor.String()
		if set, ok := need[actorStr]; ok {
			if set[row.Version] {
				toSend = append(toSend, row)
			}
			continue
		}
		// The requester named no explicit need for this actor at all,
		// meaning their summary never saw it: fall back to comparing
		// against their reported head, if any.
		if head, ok := summary.Heads[actorStr]; ok {
			if row.Version > head {
				toSend = append(toSend, row)
			}
			continue
		}
		// Requester has never heard of this actor at all.
		toSend = append(toSend, row)
	}

	msgs := make([]changeset.Message, 0, len(toSend))
	for _, row := range toSend {
		if row.DbVersion == nil {
			// This version touched no rows; tell the peer it's Cleared
			// rather than leaving it looking like a permanent gap.
			cs := changeset.Changeset{Kind: changeset.KindCleared, Actor: row.Actor, Start: row.Version, End: row.Version, Ts: row.Ts}
			msgs = append(msgs, changeset.Message{Kind: changeset.MessageChange, Change: &cs})
			continue
		}
		cs, err := r.store.ReconstructChangeset(ctx, row.Actor, row.Version, *row.DbVersion, row.Ts)
		if err != nil {
			log.Printf("sync: reconstructing changeset for actor %s version %d: %v", row.Actor, row.Version, err)
			continue
		}
		msgs = append(msgs, changeset.Message{Kind: changeset.MessageChange, Change: &cs})
	}

	return transport.WriteFrames(w, msgs)
}
