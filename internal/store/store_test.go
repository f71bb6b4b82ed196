package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/ripple-db/ripple/internal/actor"
	"github.com/ripple-db/ripple/internal/changeset"
	"github.com/ripple-db/ripple/internal/clock"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(Config{Path: filepath.Join(t.TempDir(), "state.sqlite")})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestLocalWriteDrainAndBookkeeping(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)
	me := actor.New()

	tx, err := s.AcquireWriter(ctx)
	if err != nil {
		t.Fatalf("AcquireWriter: %v", err)
	}
	start, err := s.CurrentDbVersion(ctx, tx)
	if err != nil {
		t.Fatalf("CurrentDbVersion: %v", err)
	}
	if err := tx.Set(ctx, "todos", "1", "title", "buy milk"); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if err := tx.Set(ctx, "todos", "1", "done", false); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if tx.RowsImpacted() != 2 {
		t.Fatalf("expected 2 rows impacted, got %d", tx.RowsImpacted())
	}

	changes, maxDbVersion, err := s.DrainLocalChanges(ctx, tx, start, me)
	if err != nil {
		t.Fatalf("DrainLocalChanges: %v", err)
	}
	if len(changes) != 2 {
		t.Fatalf("expected 2 drained changes, got %d", len(changes))
	}
	if maxDbVersion <= start {
		t.Fatalf("expected max_db_version > start (%d), got %d", start, maxDbVersion)
	}
	for _, c := range changes {
		if c.SiteID != me {
			t.Fatalf("expected drained change to be stamped with local actor, got %s", c.SiteID)
		}
	}

	ts := clock.Timestamp{Physical: time.Now().UnixNano(), Actor: me}
	if err := s.InsertBookkeeping(ctx, tx, me, 1, &maxDbVersion, ts); err != nil {
		t.Fatalf("InsertBookkeeping: %v", err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatalf("Commit: %v", err)
	}

	rows, err := s.LoadBookkeeping(ctx)
	if err != nil {
		t.Fatalf("LoadBookkeeping: %v", err)
	}
	if len(rows) != 1 || rows[0].Actor != me || rows[0].Version != 1 {
		t.Fatalf("unexpected bookkeeping rows: %+v", rows)
	}
	if rows[0].DbVersion == nil || *rows[0].DbVersion != maxDbVersion {
		t.Fatalf("expected persisted db_version %d, got %+v", maxDbVersion, rows[0].DbVersion)
	}
}

func TestApplyRemoteChangeHigherColumnVersionWins(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)
	remote := actor.New()

	tx, err := s.AcquireWriter(ctx)
	if err != nil {
		t.Fatalf("AcquireWriter: %v", err)
	}
	rc := changeset.RowChange{Table: "todos", PK: "1", ColumnID: "title", Value: "v1", ColumnVersion: 1, SiteID: remote}
	impacted, err := s.ApplyRemoteChange(ctx, tx, rc)
	if err != nil {
		t.Fatalf("ApplyRemoteChange: %v", err)
	}
	if impacted != 1 {
		t.Fatalf("expected first apply to impact 1 row, got %d", impacted)
	}
	if err := tx.Commit(); err != nil {
		t.Fatalf("Commit: %v", err)
	}

	tx2, err := s.AcquireWriter(ctx)
	if err != nil {
		t.Fatalf("AcquireWriter: %v", err)
	}
	stale := changeset.RowChange{Table: "todos", PK: "1", ColumnID: "title", Value: "stale", ColumnVersion: 1, SiteID: remote}
	impacted, err = s.ApplyRemoteChange(ctx, tx2, stale)
	if err != nil {
		t.Fatalf("ApplyRemoteChange (stale): %v", err)
	}
	if impacted != 0 {
		t.Fatalf("expected a same-version replay to impact 0 rows, got %d", impacted)
	}

	newer := changeset.RowChange{Table: "todos", PK: "1", ColumnID: "title", Value: "v2", ColumnVersion: 2, SiteID: remote}
	impacted, err = s.ApplyRemoteChange(ctx, tx2, newer)
	if err != nil {
		t.Fatalf("ApplyRemoteChange (newer): %v", err)
	}
	if impacted != 1 {
		t.Fatalf("expected a higher column_version to impact 1 row, got %d", impacted)
	}
	if err := tx2.Commit(); err != nil {
		t.Fatalf("Commit: %v", err)
	}
}

func TestMembersAndSubscriptionsRoundTrip(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)
	peer := actor.New()

	if err := s.UpsertMember(ctx, MemberRecord{ID: peer, Address: "10.0.0.2:7946", State: "active"}); err != nil {
		t.Fatalf("UpsertMember: %v", err)
	}
	members, err := s.ListMembers(ctx)
	if err != nil {
		t.Fatalf("ListMembers: %v", err)
	}
	if len(members) != 1 || members[0].ID != peer {
		t.Fatalf("unexpected members: %+v", members)
	}

	old := clock.Timestamp{Physical: 100, Actor: peer}
	applied, err := s.UpsertSubscription(ctx, SubscriptionRecord{Actor: peer, ID: "sub-1", Filter: "done = false", Ts: old})
	if err != nil || !applied {
		t.Fatalf("UpsertSubscription (initial): applied=%v err=%v", applied, err)
	}

	stale := clock.Timestamp{Physical: 50, Actor: peer}
	applied, err = s.UpsertSubscription(ctx, SubscriptionRecord{Actor: peer, ID: "sub-1", Filter: "done = true", Ts: stale})
	if err != nil {
		t.Fatalf("UpsertSubscription (stale): %v", err)
	}
	if applied {
		t.Fatal("expected a stale timestamp to be rejected")
	}

	subs, err := s.ListSubscriptions(ctx)
	if err != nil {
		t.Fatalf("ListSubscriptions: %v", err)
	}
	if len(subs) != 1 || subs[0].Filter != "done = false" {
		t.Fatalf("expected the original filter to survive a stale upsert, got %+v", subs)
	}
}
