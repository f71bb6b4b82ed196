package bookie

import (
	"reflect"
	"testing"

	"github.com/ripple-db/ripple/internal/actor"
)

func TestInsertAndContains(t *testing.T) {
	b := New()
	a := actor.New()

	if b.Contains(a, 1) {
		t.Fatal("expected nothing recorded yet")
	}
	b.Insert(a, 1, 5, Current)
	for v := uint64(1); v <= 5; v++ {
		if !b.Contains(a, v) {
			t.Fatalf("expected version %d to be recorded", v)
		}
	}
	if b.Contains(a, 6) {
		t.Fatal("did not expect version 6 to be recorded")
	}
	last, ok := b.Last(a)
	if !ok || last != 5 {
		t.Fatalf("expected last == 5, got %d (ok=%v)", last, ok)
	}
}

func TestInsertMergesAdjacentSameState(t *testing.T) {
	b := New()
	a := actor.New()
	b.Insert(a, 1, 5, Current)
	b.Insert(a, 6, 10, Current)

	got := b.Need(a, 10)
	if len(got) != 0 {
		t.Fatalf("expected no gaps after contiguous insert, got %v", got)
	}
	last, _ := b.Last(a)
	if last != 10 {
		t.Fatalf("expected merged span to report last == 10, got %d", last)
	}
}

func TestNeedReportsGapsAndPartial(t *testing.T) {
	b := New()
	a := actor.New()
	b.Insert(a, 2, 3, Current)
	b.Insert(a, 7, 8, Current)
	b.Insert(a, 9, 10, Partial)

	got := b.Need(a, 10)
	want := []VersionRange{{1, 1}, {4, 6}, {9, 10}}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("Need mismatch:\n got  %v\n want %v", got, want)
	}
}

func TestPartialUpgradedToCurrentWithoutLoss(t *testing.T) {
	b := New()
	a := actor.New()
	b.Insert(a, 1, 10, Partial)
	b.Insert(a, 3, 5, Current)

	if got := b.Need(a, 10); !reflect.DeepEqual(got, []VersionRange{{1, 2}, {6, 10}}) {
		t.Fatalf("unexpected Need after partial upgrade: %v", got)
	}
	state, ok := b.StateAt(a, 4)
	if !ok || state != Current {
		t.Fatalf("expected version 4 to be Current, got %v (ok=%v)", state, ok)
	}
	state, ok = b.StateAt(a, 1)
	if !ok || state != Partial {
		t.Fatalf("expected version 1 to remain Partial, got %v (ok=%v)", state, ok)
	}
}

func TestCurrentNeverDowngradedByStalePartial(t *testing.T) {
	b := New()
	a := actor.New()
	b.Insert(a, 1, 5, Current)
	b.Insert(a, 1, 5, Partial) // a stale SyncSummary notice for versions we already have

	for v := uint64(1); v <= 5; v++ {
		state, ok := b.StateAt(a, v)
		if !ok || state != Current {
			t.Fatalf("version %d: expected Current to survive a stale Partial insert, got %v", v, state)
		}
	}
}

func TestNeedLenMatchesNeedRangeTotal(t *testing.T) {
	b := New()
	a := actor.New()
	b.Insert(a, 5, 8, Current)

	if got, want := b.NeedLen(a, 10), uint64(6); got != want {
		t.Fatalf("NeedLen: got %d, want %d", got, want)
	}
}

func TestSnapshotReportsHeadPerActor(t *testing.T) {
	b := New()
	a1, a2 := actor.New(), actor.New()
	b.Insert(a1, 1, 3, Current)
	b.Insert(a2, 1, 9, Current)

	snap := b.Snapshot()
	if snap[a1] != 3 || snap[a2] != 9 {
		t.Fatalf("unexpected snapshot: %v", snap)
	}
}
