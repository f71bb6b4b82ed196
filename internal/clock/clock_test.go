package clock

import (
	"testing"
	"time"

	"github.com/ripple-db/ripple/internal/actor"
)

func TestNowIsMonotonic(t *testing.T) {
	c := New(actor.New(), 300*time.Millisecond)
	prev := c.Now()
	for i := 0; i < 1000; i++ {
		next := c.Now()
		if !prev.Less(next) {
			t.Fatalf("clock went backwards or stalled: %s -> %s", prev, next)
		}
		prev = next
	}
}

func TestCompareTieBreaksOnActor(t *testing.T) {
	a1, a2 := actor.New(), actor.New()
	if a1.String() > a2.String() {
		a1, a2 = a2, a1
	}
	low := Timestamp{Physical: 10, Logical: 0, Actor: a1}
	high := Timestamp{Physical: 10, Logical: 0, Actor: a2}
	if !low.Less(high) {
		t.Fatalf("expected %s < %s", low, high)
	}
}

func TestUpdateRejectsExcessiveSkew(t *testing.T) {
	c := New(actor.New(), 10*time.Millisecond)
	future := Timestamp{Physical: time.Now().Add(time.Hour).UnixNano()}
	if err := c.Update(future); err == nil {
		t.Fatal("expected an error for a timestamp far in the future")
	}
}

func TestParseTimestampRoundTrip(t *testing.T) {
	ts := Timestamp{Physical: 1700000000000000000, Logical: 42, Actor: actor.New()}
	parsed, err := ParseTimestamp(ts.String())
	if err != nil {
		t.Fatalf("ParseTimestamp: %v", err)
	}
	if parsed.Compare(ts) != 0 {
		t.Fatalf("expected parsed timestamp to equal original, got %s want %s", parsed, ts)
	}
}

func TestParseTimestampRejectsMalformed(t *testing.T) {
	for _, s := range []string{"", "123", "123.4", "123@" + actor.New().String(), "abc.4@" + actor.New().String()} {
		if _, err := ParseTimestamp(s); err == nil {
			t.Fatalf("expected an error parsing %q", s)
		}
	}
}

func TestUpdateAdvancesPastRemote(t *testing.T) {
	c := New(actor.New(), time.Second)
	remote := Timestamp{Physical: time.Now().Add(500 * time.Millisecond).UnixNano(), Logical: 5}
	if err := c.Update(remote); err != nil {
		t.Fatalf("Update: %v", err)
	}
	next := c.Now()
	if !remote.Less(next) {
		t.Fatalf("expected clock to advance past remote timestamp %s, got %s", remote, next)
	}
}
