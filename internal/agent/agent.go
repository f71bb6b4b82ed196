// Package agent wires Clock, Bookie, ChangeStore, WriteCoordinator,
// Ingestor, Membership, Transport, Broadcaster, and SyncEngine into one
// running node, and supervises their background loops (spec.md §5).
package agent

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/robfig/cron/v3"
	"golang.org/x/sync/errgroup"

	"github.com/ripple-db/ripple/internal/actor"
	"github.com/ripple-db/ripple/internal/bookie"
	"github.com/ripple-db/ripple/internal/broadcast"
	"github.com/ripple-db/ripple/internal/changeset"
	"github.com/ripple-db/ripple/internal/clock"
	"github.com/ripple-db/ripple/internal/config"
	"github.com/ripple-db/ripple/internal/ingest"
	"github.com/ripple-db/ripple/internal/membership"
	"github.com/ripple-db/ripple/internal/store"
	syncengine "github.com/ripple-db/ripple/internal/sync"
	"github.com/ripple-db/ripple/internal/transport"
	"github.com/ripple-db/ripple/internal/write"
)

// syncInterval is the steady-state anti-entropy tick; SyncEngine's own
// internal backoff governs retries within a cycle (spec.md §4.I).
const syncInterval = 10 * time.Second

// Agent is one running ripple node: every component spec.md §4 names,
// already wired to each other.
type Agent struct {
	cfg config.Config

	Store      *store.Store
	Bookie     *bookie.Bookie
	Clock      *clock.Clock
	Actor      actor.ID
	Write      *write.Coordinator
	Ingest     *ingest.Ingestor
	Membership *membership.Membership
	Transport  *transport.Transport
	Broadcast  *broadcast.Broadcaster
	Sync       *syncengine.Engine

	bootstrapTick *cron.Cron
}

// New opens the local engine, re-seeds Bookie and Membership from
// persisted state, and wires every component together. It does not start
// any background loop; call Run for that.
func New(cfg config.Config) (*Agent, error) {
	cfg = cfg.Defaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	self, err := actor.LoadOrCreate(cfg.BasePath)
	if err != nil {
		return nil, fmt.Errorf("agent: loading site id: %w", err)
	}

	st, err := store.Open(store.Config{
		Path:            cfg.BasePath + "/state/ripple.sqlite",
		CheckpointEvery: cfg.CheckpointEvery,
	})
	if err != nil {
		return nil, fmt.Errorf("agent: opening store: %w", err)
	}

	if cfg.SchemaPath != "" {
		if err := st.ApplySchema(cfg.SchemaPath, false); err != nil {
			st.Close()
			return nil, fmt.Errorf("agent: applying schema: %w", err)
		}
	}

	clk := clock.New(self, cfg.MaxSkew)

	bk := bookie.New()
	rows, err := st.LoadBookkeeping(context.Background())
	if err != nil {
		st.Close()
		return nil, fmt.Errorf("agent: loading bookkeeping: %w", err)
	}
	for _, r := range rows {
		state := bookie.Current
		if r.DbVersion == nil {
			state = bookie.Cleared
		}
		bk.Insert(r.Actor, r.Version, r.Version, state)
	}

	persister := &storeMemberPersister{store: st}
	pinger := &transportPingerProxy{}
	mem := membership.New(self, cfg.GossipAddr, pinger, persister)

	ing := &ingest.Ingestor{Store: st, Bookie: bk, Clock: clk, Subscribers: noopPublisher{}}

	inbound := &inboundBroadcasts{ingest: ing}

	responder := syncengine.NewResponder(st, clk)

	tr, err := transport.New(cfg.GossipAddr, mem, inbound, responder)
	if err != nil {
		st.Close()
		return nil, fmt.Errorf("agent: binding transport: %w", err)
	}
	pinger.transport = tr

	bc := broadcast.New(self, tr, mem, 0)
	inbound.broadcast = bc

	coord := &write.Coordinator{
		Store:           st,
		Bookie:          bk,
		Clock:           clk,
		Actor:           self,
		Broadcast:       bc,
		Subscribers:     noopPublisher{},
		MaxRowsImpacted: cfg.MaxRowsImpacted,
	}

	se := syncengine.New(self, clk, bk, mem, ing, syncInterval)

	return &Agent{
		cfg:        cfg,
		Store:      st,
		Bookie:     bk,
		Clock:      clk,
		Actor:      self,
		Write:      coord,
		Ingest:     ing,
		Membership: mem,
		Transport:  tr,
		Broadcast:  bc,
		Sync:       se,
	}, nil
}

// Run seeds membership from persisted peers and bootstrap entries, then
// supervises every background loop until ctx is canceled or one of them
// fails outright.
func (a *Agent) Run(ctx context.Context) error {
	if err := a.seedMembers(ctx); err != nil {
		log.Printf("agent: seeding membership: %v", err)
	}
	if len(a.cfg.Bootstrap) > 0 {
		if err := a.Membership.Bootstrap(ctx, a.cfg.Bootstrap); err != nil {
			log.Printf("agent: initial bootstrap: %v", err)
		}
	}

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error { return a.Transport.Serve(ctx) })
	g.Go(func() error { return a.Broadcast.Run(ctx) })
	g.Go(func() error { return a.Sync.Run(ctx) })
	g.Go(func() error { return a.drainNotifications(ctx) })

	if len(a.cfg.Bootstrap) > 0 {
		a.bootstrapTick = cron.New()
		spec := fmt.Sprintf("@every %s", a.cfg.BootstrapEvery)
		if _, err := a.bootstrapTick.AddFunc(spec, func() {
			if err := a.Membership.Bootstrap(ctx, a.cfg.Bootstrap); err != nil {
				log.Printf("agent: periodic bootstrap: %v", err)
			}
		}); err != nil {
			return fmt.Errorf("agent: scheduling bootstrap tick: %w", err)
		}
		a.bootstrapTick.Start()
		defer a.bootstrapTick.Stop()
	}

	if a.cfg.APIAddr != "" {
		g.Go(func() error { return a.serveAPI(ctx) })
	}

	return g.Wait()
}

// drainNotifications logs membership transitions; SPEC_FULL.md's excluded
// surfaces (metrics, the query API) would otherwise consume these, but
// draining keeps the channel from filling up, at which point Membership
// drops new notifications.
func (a *Agent) drainNotifications(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case n := <-a.Membership.Notifications():
			log.Printf("agent: membership %s -> %s", n.Actor, n.Event)
		}
	}
}

// serveAPI exposes the peer-facing sync surface over HTTP. The
// user-facing query/CLI surface is out of scope (SPEC_FULL.md Non-goals);
// this mux only ever carries /v1/sync and /v1/broadcast.
func (a *Agent) serveAPI(ctx context.Context) error {
	srv := &http.Server{Addr: a.cfg.APIAddr, Handler: a.Transport.Mux()}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("agent: HTTP API server: %w", err)
	}
	return nil
}

func (a *Agent) seedMembers(ctx context.Context) error {
	records, err := a.Store.ListMembers(ctx)
	if err != nil {
		return err
	}
	for _, r := range records {
		a.Membership.Join(ctx, r.ID, r.Address)
	}
	return nil
}

// Close releases the store and any still-running cron ticks.
func (a *Agent) Close() error {
	if a.bootstrapTick != nil {
		a.bootstrapTick.Stop()
	}
	a.Transport.Close()
	return a.Store.Close()
}

// storeMemberPersister adapts *store.Store's MemberRecord-typed methods to
// membership.Persister's primitive-typed contract.
type storeMemberPersister struct {
	store *store.Store
}

func (p *storeMemberPersister) UpsertMember(ctx context.Context, id actor.ID, addr, state string) error {
	return p.store.UpsertMember(ctx, store.MemberRecord{ID: id, Address: addr, State: state})
}

func (p *storeMemberPersister) DeleteMember(ctx context.Context, id actor.ID) error {
	return p.store.DeleteMember(ctx, id)
}

func (p *storeMemberPersister) ListMembers(ctx context.Context) (map[actor.ID]string, error) {
	records, err := p.store.ListMembers(ctx)
	if err != nil {
		return nil, err
	}
	out := make(map[actor.ID]string, len(records))
	for _, r := range records {
		out[r.ID] = r.Address
	}
	return out, nil
}

// transportPingerProxy breaks the Membership<->Transport construction
// cycle: Membership needs a Pinger at construction time, but Transport
// needs Membership (as a SWIMHandler) to be built first. The proxy is
// handed to Membership empty and pointed at the real Transport right
// after it's bound.
type transportPingerProxy struct {
	transport *transport.Transport
}

func (p *transportPingerProxy) SendSWIM(ctx context.Context, addr string, payload []byte) error {
	return p.transport.SendSWIM(ctx, addr, payload)
}

// inboundBroadcasts implements transport.BroadcastHandler: every message a
// peer fans out to us is applied through the same Ingestor a sync pull
// would use, and rebroadcast on to our own fan-out set if it was new.
type inboundBroadcasts struct {
	ingest    *ingest.Ingestor
	broadcast *broadcast.Broadcaster
}

func (h *inboundBroadcasts) HandleBroadcast(ctx context.Context, msgs []changeset.Message) {
	for _, msg := range msgs {
		applied, isNew, err := h.ingest.Apply(ctx, msg)
		if err != nil {
			log.Printf("agent: applying inbound broadcast: %v", err)
			continue
		}
		if isNew && h.broadcast != nil {
			if err := h.broadcast.Rebroadcast(applied); err != nil {
				log.Printf("agent: rebroadcasting: %v", err)
			}
		}
	}
}

// noopPublisher is the SubscriptionPublisher used when no client-facing
// subscription surface is wired: the query/subscribe API is out of scope
// (SPEC_FULL.md Non-goals), so committed changes have nowhere else to go.
type noopPublisher struct{}

func (noopPublisher) Publish(changes []changeset.RowChange) {}
