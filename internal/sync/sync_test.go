package sync

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ripple-db/ripple/internal/actor"
	"github.com/ripple-db/ripple/internal/bookie"
	"github.com/ripple-db/ripple/internal/changeset"
	"github.com/ripple-db/ripple/internal/clock"
	"github.com/ripple-db/ripple/internal/membership"
	"github.com/ripple-db/ripple/internal/store"
	"github.com/ripple-db/ripple/internal/transport"
)

type fakeBookie struct {
	head uint64
	need []bookie.VersionRange
}

func (f *fakeBookie) Snapshot() map[actor.ID]uint64 { return nil }
func (f *fakeBookie) Need(a actor.ID, upTo uint64) []bookie.VersionRange { return f.need }

type fakeMemberSource struct {
	members []membership.Member
}

func (f *fakeMemberSource) RandomSubset(n int) []membership.Member {
	if n > len(f.members) {
		n = len(f.members)
	}
	return append([]membership.Member(nil), f.members[:n]...)
}

type fakeIngestor struct {
	mu      sync.Mutex
	applied []changeset.Message
}

func (f *fakeIngestor) Apply(ctx context.Context, msg changeset.Message) (changeset.Message, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.applied = append(f.applied, msg)
	return msg, true, nil
}

func (f *fakeIngestor) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.applied)
}

func TestEnginePullsFramesFromPeerAndApplies(t *testing.T) {
	peerActor := actor.New()
	cs := changeset.Changeset{Kind: changeset.KindCleared, Actor: peerActor, Start: 1, End: 1, Ts: clock.Timestamp{Actor: peerActor}}
	framed, err := changeset.EncodeMessage(changeset.Message{Kind: changeset.MessageChange, Change: &cs})
	if err != nil {
		t.Fatalf("EncodeMessage: %v", err)
	}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/octet-stream")
		w.Write(framed)
	}))
	defer srv.Close()

	self := actor.New()
	c := clock.New(self, time.Second)
	ingestor := &fakeIngestor{}
	members := &fakeMemberSource{members: []membership.Member{{ID: peerActor, Addr: strings.TrimPrefix(srv.URL, "http://")}}}

	e := New(self, c, &fakeBookie{}, members, ingestor, time.Hour)
	if err := e.cycle(context.Background()); err != nil {
		t.Fatalf("cycle: %v", err)
	}
	if ingestor.count() != 1 {
		t.Fatalf("expected 1 applied message, got %d", ingestor.count())
	}
}

func TestResponderAnswersGapsAndCleared(t *testing.T) {
	cfg := store.Config{Path: t.TempDir() + "/ripple.db"}
	s, err := store.Open(cfg)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer s.Close()

	self := actor.New()
	clk := clock.New(self, time.Second)
	responder := NewResponder(s, clk)

	tx, err := s.AcquireWriter(context.Background())
	if err != nil {
		t.Fatalf("AcquireWriter: %v", err)
	}
	if err := tx.Set(context.Background(), "widgets", "1", "name", "gizmo"); err != nil {
		t.Fatalf("Set: %v", err)
	}
	changes, endVersion, err := s.DrainLocalChanges(context.Background(), tx, 0, self)
	if err != nil {
		t.Fatalf("DrainLocalChanges: %v", err)
	}
	ts := clk.Now()
	if err := s.InsertBookkeeping(context.Background(), tx, self, 1, &endVersion, ts); err != nil {
		t.Fatalf("InsertBookkeeping: %v", err)
	}
	// Version 2 touched no rows: recorded with a NULL db_version.
	if err := s.InsertBookkeeping(context.Background(), tx, self, 2, nil, clk.Now()); err != nil {
		t.Fatalf("InsertBookkeeping (cleared): %v", err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatalf("Commit: %v", err)
	}
	if len(changes) == 0 {
		t.Fatal("expected at least one drained change")
	}

	summary := transport.SyncSummary{
		ActorID: actor.New().String(),
		Heads:   map[string]uint64{},
		Need:    map[string][][2]uint64{self.String(): {{1, 2}}},
	}

	var buf strings.Builder
	if err := responder.HandleSync(context.Background(), summary, ts.String(), &buf); err != nil {
		t.Fatalf("HandleSync: %v", err)
	}
	frames, err := changeset.SplitFrames([]byte(buf.String()))
	if err != nil {
		t.Fatalf("SplitFrames: %v", err)
	}
	if len(frames) != 2 {
		t.Fatalf("expected 2 changesets (one Full, one Cleared), got %d", len(frames))
	}
	byVersion := make(map[uint64]*changeset.Changeset)
	for _, f := range frames {
		msg, err := changeset.DecodeMessage(f)
		if err != nil {
			t.Fatalf("DecodeMessage: %v", err)
		}
		if msg.Change.Actor != self {
			t.Fatalf("unexpected reconstructed changeset: %+v", msg.Change)
		}
		byVersion[msg.Change.Start] = msg.Change
	}
	if cs := byVersion[1]; cs == nil || cs.Kind != changeset.KindFull || len(cs.Changes) == 0 {
		t.Fatalf("expected version 1 as a Full changeset with its row, got %+v", cs)
	}
	if cs := byVersion[2]; cs == nil || cs.Kind != changeset.KindCleared {
		t.Fatalf("expected version 2 as a Cleared changeset, got %+v", cs)
	}
}
