package write

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

type fakeBroadcaster struct {
	msgs []changeset.Message
}

func (f *fakeBroadcaster) AddBroadcast(msg changeset.Message) error {
	f.msgs = append(f.msgs, msg)
	return nil
}

type fakeSubscribers struct {
	published [][]changeset.RowChange
}

func (f *fakeSubscribers) Publish(changes []changeset.RowChange) {
	f.published = append(f.published, changes)
}

func newTestCoordinator(t *testing.T) (*Coordinator, *fakeBroadcaster, *fakeSubscribers) {
	t.Helper()
	s, err := store.Open(store.Config{Path: filepath.Join(t.TempDir(), "state.sqlite")})
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })

	bc := &fakeBroadcaster{}
	subs := &fakeSubscribers{}
	c := &Coordinator{
		Store:           s,
		Bookie:          bookie.New(),
		Clock:           clock.New(actor.New(), 300*time.Millisecond),
		Actor:           actor.New(),
		Broadcast:       bc,
		Subscribers:     subs,
		MaxRowsImpacted: 100,
	}
	return c, bc, subs
}

func TestExecuteNonEmptyWriteBroadcastsAndAdvancesVersion(t *testing.T) {
	ctx := context.Background()
	c, bc, subs := newTestCoordinator(t)

	_, _, err := Execute(ctx, c, func(tx *store.Tx) (struct{}, error) {
		if err := tx.Set(ctx, "todos", "1", "title", "buy milk"); err != nil {
			return struct{}{}, err
		}
		return struct{}{}, nil
	})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}

	if len(bc.msgs) != 1 {
		t.Fatalf("expected exactly one broadcast, got %d", len(bc.msgs))
	}
	if bc.msgs[0].Change.Kind != changeset.KindFull {
		t.Fatalf("expected a Full changeset broadcast, got %v", bc.msgs[0].Change.Kind)
	}
	if len(subs.published) != 1 || len(subs.published[0]) != 1 {
		t.Fatalf("expected one impactful projection of one row, got %v", subs.published)
	}

	last, ok := c.Bookie.Last(c.Actor)
	if !ok || last != 1 {
		t.Fatalf("expected Bookie to record version 1, got %d (ok=%v)", last, ok)
	}
}

func TestExecuteEmptyWriteRecordsClearedWithoutBroadcast(t *testing.T) {
	ctx := context.Background()
	c, bc, subs := newTestCoordinator(t)

	_, _, err := Execute(ctx, c, func(tx *store.Tx) (struct{}, error) {
		return struct{}{}, nil
	})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}

	if len(bc.msgs) != 0 {
		t.Fatalf("expected no broadcast for an empty write, got %d", len(bc.msgs))
	}
	if len(subs.published) != 0 {
		t.Fatalf("expected no subscription publish for an empty write, got %v", subs.published)
	}

	last, ok := c.Bookie.Last(c.Actor)
	if !ok || last != 1 {
		t.Fatalf("expected an empty write to still consume version 1, got %d (ok=%v)", last, ok)
	}
	state, ok := c.Bookie.StateAt(c.Actor, 1)
	if !ok || state != bookie.Cleared {
		t.Fatalf("expected version 1 to be Cleared, got %v (ok=%v)", state, ok)
	}
}

func TestExecuteRowImpactCapRollsBackAndDoesNotVersion(t *testing.T) {
	ctx := context.Background()
	c, bc, _ := newTestCoordinator(t)
	c.MaxRowsImpacted = 1

	_, _, err := Execute(ctx, c, func(tx *store.Tx) (struct{}, error) {
		if err := tx.Set(ctx, "todos", "1", "title", "a"); err != nil {
			return struct{}{}, err
		}
		if err := tx.Set(ctx, "todos", "1", "done", false); err != nil {
			return struct{}{}, err
		}
		return struct{}{}, nil
	})
	if err == nil {
		t.Fatal("expected TooManyRowsImpacted error")
	}
	if len(bc.msgs) != 0 {
		t.Fatal("expected no broadcast after a rolled-back transaction")
	}
	if _, ok := c.Bookie.Last(c.Actor); ok {
		t.Fatal("expected no version to be recorded after rollback")
	}
}
