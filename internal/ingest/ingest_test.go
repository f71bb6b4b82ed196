package ingest

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/ripple-db/ripple/internal/actor"
	"github.com/ripple-db/ripple/internal/bookie"
	"github.com/ripple-db/ripple/internal/changeset"
	"github.com/ripple-db/ripple/internal/clock"
	"github.com/ripple-db/ripple/internal/store"
)

type fakeSubscribers struct {
	published [][]changeset.RowChange
}

func (f *fakeSubscribers) Publish(changes []changeset.RowChange) {
	f.published = append(f.published, changes)
}

func newTestIngestor(t *testing.T) (*Ingestor, *fakeSubscribers) {
	t.Helper()
	s, err := store.Open(store.Config{Path: filepath.Join(t.TempDir(), "state.sqlite")})
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })

	subs := &fakeSubscribers{}
	in := &Ingestor{
		Store:       s,
		Bookie:      bookie.New(),
		Clock:       clock.New(actor.New(), 300*time.Millisecond),
		Subscribers: subs,
	}
	return in, subs
}

func sampleChangeMessage(remote actor.ID, version uint64) changeset.Message {
	cs := changeset.Changeset{
		Kind:  changeset.KindFull,
		Actor: remote,
		Start: version,
		End:   version,
		Ts:    clock.Timestamp{Physical: time.Now().UnixNano(), Actor: remote},
		Changes: []changeset.RowChange{
			{Table: "todos", PK: "1", ColumnID: "title", Value: "hi", ColumnVersion: 1, SiteID: remote},
		},
	}
	return changeset.Message{Kind: changeset.MessageChange, Change: &cs}
}

func TestApplyNewChangeIsRebroadcastAndPublished(t *testing.T) {
	ctx := context.Background()
	in, subs := newTestIngestor(t)
	remote := actor.New()
	msg := sampleChangeMessage(remote, 1)

	got, isNew, err := in.Apply(ctx, msg)
	if err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if !isNew {
		t.Fatal("expected the first application to be new")
	}
	if got.Change.Actor != remote || got.Change.Start != 1 {
		t.Fatalf("expected the original message returned unmodified, got %+v", got.Change)
	}
	if len(subs.published) != 1 || len(subs.published[0]) != 1 {
		t.Fatalf("expected one impactful projection published, got %v", subs.published)
	}
	if !in.Bookie.Contains(remote, 1) {
		t.Fatal("expected Bookie to record version 1 for the remote actor")
	}
}

func TestApplySameVersionTwiceIsIdempotent(t *testing.T) {
	ctx := context.Background()
	in, subs := newTestIngestor(t)
	remote := actor.New()
	msg := sampleChangeMessage(remote, 1)

	if _, isNew, err := in.Apply(ctx, msg); err != nil || !isNew {
		t.Fatalf("first apply: isNew=%v err=%v", isNew, err)
	}
	_, isNew, err := in.Apply(ctx, msg)
	if err != nil {
		t.Fatalf("second apply: %v", err)
	}
	if isNew {
		t.Fatal("expected the second application of the same (actor, version) to be a no-op")
	}
	if len(subs.published) != 1 {
		t.Fatalf("expected no additional publish on the idempotent replay, got %d", len(subs.published))
	}
}

func TestApplyAfterPriorLocalActivityStillRecordsCurrent(t *testing.T) {
	ctx := context.Background()
	in, subs := newTestIngestor(t)
	remote := actor.New()

	// Advance this node's own db_version well past anything the remote
	// reports on the wire, so a wire-vs-local db_version mixup would show
	// up as a false Cleared here.
	for i := 0; i < 5; i++ {
		tx, err := in.Store.AcquireWriter(ctx)
		if err != nil {
			t.Fatalf("AcquireWriter: %v", err)
		}
		if err := tx.Set(ctx, "local", "row", "col", i); err != nil {
			t.Fatalf("Set: %v", err)
		}
		if err := tx.Commit(); err != nil {
			t.Fatalf("Commit: %v", err)
		}
	}

	msg := sampleChangeMessage(remote, 1)
	got, isNew, err := in.Apply(ctx, msg)
	if err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if !isNew {
		t.Fatal("expected the first application to be new")
	}
	if len(subs.published) != 1 || len(subs.published[0]) != 1 {
		t.Fatalf("expected one impactful projection published, got %v", subs.published)
	}

	rows, err := in.Store.LoadBookkeeping(ctx)
	if err != nil {
		t.Fatalf("LoadBookkeeping: %v", err)
	}
	var found *store.BookkeepingRow
	for i := range rows {
		if rows[i].Actor == remote && rows[i].Version == 1 {
			found = &rows[i]
		}
	}
	if found == nil {
		t.Fatal("expected a bookkeeping row for (remote, 1)")
	}
	if found.DbVersion == nil {
		t.Fatal("expected a Current bookkeeping row with a non-nil db_version, got Cleared")
	}

	cs, err := in.Store.ReconstructChangeset(ctx, remote, got.Change.Start, *found.DbVersion, got.Change.Ts)
	if err != nil {
		t.Fatalf("ReconstructChangeset: %v", err)
	}
	if len(cs.Changes) != 1 {
		t.Fatalf("expected the reconstructed changeset to carry the applied row, got %d changes", len(cs.Changes))
	}
}

func TestApplyClearedMessageRecordsClearedState(t *testing.T) {
	ctx := context.Background()
	in, subs := newTestIngestor(t)
	remote := actor.New()

	cs := changeset.Changeset{
		Kind:  changeset.KindCleared,
		Actor: remote,
		Start: 1,
		End:   1,
		Ts:    clock.Timestamp{Physical: time.Now().UnixNano(), Actor: remote},
	}
	msg := changeset.Message{Kind: changeset.MessageChange, Change: &cs}

	_, isNew, err := in.Apply(ctx, msg)
	if err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if !isNew {
		t.Fatal("expected a fresh Cleared message to be new")
	}
	if len(subs.published) != 0 {
		t.Fatalf("expected no publish for an empty changeset, got %v", subs.published)
	}
	state, ok := in.Bookie.StateAt(remote, 1)
	if !ok || state != bookie.Cleared {
		t.Fatalf("expected version 1 to be recorded Cleared, got %v (ok=%v)", state, ok)
	}
}
