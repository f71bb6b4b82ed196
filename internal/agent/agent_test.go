package agent

import (
	"context"
	"testing"
	"time"

	"github.com/ripple-db/ripple/internal/config"
	"github.com/ripple-db/ripple/internal/store"
	"github.com/ripple-db/ripple/internal/write"
)

func newTestAgent(t *testing.T) *Agent {
	t.Helper()
	cfg := config.Config{
		BasePath:   t.TempDir(),
		GossipAddr: "127.0.0.1:0",
		APIAddr:    "",
	}
	a, err := New(cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { a.Close() })
	return a
}

func TestTwoAgentsGossipAWrite(t *testing.T) {
	a := newTestAgent(t)
	b := newTestAgent(t)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go a.Run(ctx)
	go b.Run(ctx)

	a.Membership.Join(ctx, b.Actor, b.Transport.LocalAddr().String())
	b.Membership.Join(ctx, a.Actor, a.Transport.LocalAddr().String())

	_, _, err := write.Execute(ctx, a.Write, func(tx *store.Tx) (struct{}, error) {
		return struct{}{}, tx.Set(ctx, "widgets", "1", "name", "gizmo")
	})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}

	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if b.Bookie.Contains(a.Actor, 1) {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatal("timed out waiting for agent b to observe agent a's write via gossip broadcast")
}
