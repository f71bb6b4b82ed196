// Package broadcast implements Broadcaster: batching locally produced and
// rebroadcast messages into UDP fan-out sends (spec.md §4.H).
package broadcast

import (
	"context"
	"log"
	"time"

	"github.com/dustin/go-humanize"
	"golang.org/x/time/rate"

	"github.com/ripple-db/ripple/internal/actor"
	"github.com/ripple-db/ripple/internal/changeset"
	"github.com/ripple-db/ripple/internal/membership"
	"github.com/ripple-db/ripple/internal/rerr"
	"github.com/ripple-db/ripple/internal/transport"
)

// inputCapacity is the bounded input channel size; overflow is a
// backpressure error the submitter logs and moves on from rather than
// blocking (spec.md §4.H).
const inputCapacity = 10240

// batchWindow and maxBatch bound one fan-out cycle.
const (
	batchWindow = 500 * time.Millisecond
	maxBatch    = 512
)

// Sender is the outbound half of the UDP transport Broadcaster needs.
type Sender interface {
	SendBroadcast(ctx context.Context, addr string, framedMessages []byte, priority bool) error
}

// MemberSource is the subset of Membership Broadcaster needs to choose
// fan-out recipients.
type MemberSource interface {
	Members() []membership.Member
	RandomSubset(n int) []membership.Member
}

// Broadcaster batches AddBroadcast/Rebroadcast input over a fixed window
// and fans each batch out over UDP to a subset of live members.
type Broadcaster struct {
	self    actor.ID
	sender  Sender
	members MemberSource

	input chan item

	// limiter shapes the rate of outbound UDP sends per fan-out cycle so
	// one batch fanning out to many members doesn't burst the local NIC;
	// grounded on the rest of the example pack's use of
	// golang.org/x/time/rate for exactly this kind of shaping.
	limiter *rate.Limiter
}

type item struct {
	msg      changeset.Message
	priority bool
}

// New builds a Broadcaster. sendsPerSecond bounds outbound UDP datagrams;
// pass 0 to disable shaping (e.g. in tests).
func New(self actor.ID, sender Sender, members MemberSource, sendsPerSecond float64) *Broadcaster {
	var limiter *rate.Limiter
	if sendsPerSecond > 0 {
		limiter = rate.NewLimiter(rate.Limit(sendsPerSecond), int(sendsPerSecond))
	}
	return &Broadcaster{
		self:    self,
		sender:  sender,
		members: members,
		input:   make(chan item, inputCapacity),
		limiter: limiter,
	}
}

// AddBroadcast queues a locally originated message for the next batch.
func (b *Broadcaster) AddBroadcast(msg changeset.Message) error {
	return b.enqueue(msg, false)
}

// Rebroadcast queues a message Ingestor determined was new, flagged
// priority: the datagram carrying it is sent as KindPriorityBroadcast. It
// joins the same batch as local writes and is not sent ahead of them.
func (b *Broadcaster) Rebroadcast(msg changeset.Message) error {
	return b.enqueue(msg, true)
}

func (b *Broadcaster) enqueue(msg changeset.Message, priority bool) error {
	select {
	case b.input <- item{msg: msg, priority: priority}:
		return nil
	default:
		return rerr.Wrap(rerr.EngineFailure, nil, "broadcast input channel full (capacity %d)", inputCapacity)
	}
}

// Run drains the input channel into batches every batchWindow (or sooner,
// once maxBatch messages have queued) until ctx is canceled. Meant to be
// supervised by an errgroup in internal/agent.
func (b *Broadcaster) Run(ctx context.Context) error {
	ticker := time.NewTicker(batchWindow)
	defer ticker.Stop()

	var batch []item
	flush := func() {
		if len(batch) == 0 {
			return
		}
		b.fanOut(ctx, batch)
		batch = batch[:0]
	}

	for {
		select {
		case <-ctx.Done():
			flush()
			return ctx.Err()
		case <-ticker.C:
			flush()
		case it := <-b.input:
			batch = append(batch, it)
			if len(batch) >= maxBatch {
				flush()
			}
		}
	}
}

func (b *Broadcaster) fanOut(ctx context.Context, batch []item) {
	datagrams, _ := b.buildDatagrams(batch)
	if len(datagrams) == 0 {
		return
	}

	targets := b.selectTargets()
	log.Printf("broadcast: fanning out %d message(s) as %s to %d recipient(s)",
		len(batch), humanize.Bytes(uint64(totalLen(datagrams))), len(targets))

	for _, dg := range datagrams {
		for _, t := range targets {
			if dg.hasOrigin && t.ID == dg.origin {
				continue // never send a changeset's own author their own write back
			}
			if b.limiter != nil {
				if err := b.limiter.Wait(ctx); err != nil {
					return
				}
			}
			if err := b.sender.SendBroadcast(ctx, t.Addr, dg.payload, dg.priority); err != nil {
				log.Printf("broadcast: sending to %s: %v", t.Addr, err)
			}
		}
	}
}

type datagram struct {
	payload   []byte
	priority  bool
	origin    actor.ID
	hasOrigin bool
}

// buildDatagrams groups batch items by origin actor (so the "suppress the
// originator" rule can be applied per datagram) and packs each group's
// frames into one or more datagrams no larger than transport.FragmentsAt;
// a single frame larger than that goes out alone in its own datagram.
func (b *Broadcaster) buildDatagrams(batch []item) ([]datagram, map[actor.ID]bool) {
	type group struct {
		origin    actor.ID
		hasOrigin bool
		priority  bool
		frames    [][]byte
	}
	groups := make(map[actor.ID]*group)
	var ungrouped []*group

	for _, it := range batch {
		frame, err := changeset.EncodeMessage(it.msg)
		if err != nil {
			log.Printf("broadcast: encoding message: %v", err)
			continue
		}
		var key actor.ID
		hasOrigin := it.msg.Kind == changeset.MessageChange && it.msg.Change != nil
		if hasOrigin {
			key = it.msg.Change.Actor
		}
		g, ok := groups[key]
		if !hasOrigin || !ok {
			g = &group{origin: key, hasOrigin: hasOrigin, priority: it.priority}
			if hasOrigin {
				groups[key] = g
			} else {
				ungrouped = append(ungrouped, g)
			}
		}
		if it.priority {
			g.priority = true
		}
		g.frames = append(g.frames, frame)
	}

	all := make([]*group, 0, len(groups)+len(ungrouped))
	for _, g := range groups {
		all = append(all, g)
	}
	all = append(all, ungrouped...)

	recipients := make(map[actor.ID]bool)
	var out []datagram
	for _, g := range all {
		var cur []byte
		flush := func() {
			if len(cur) == 0 {
				return
			}
			out = append(out, datagram{payload: cur, priority: g.priority, origin: g.origin, hasOrigin: g.hasOrigin})
			cur = nil
		}
		for _, f := range g.frames {
			if len(cur)+len(f) > transport.FragmentsAt && len(cur) > 0 {
				flush()
			}
			cur = append(cur, f...)
		}
		flush()
		if g.hasOrigin {
			recipients[g.origin] = true
		}
	}
	return out, recipients
}

func (b *Broadcaster) selectTargets() []membership.Member {
	if b.members == nil {
		return nil
	}
	size := len(b.members.Members())
	fanout := membership.RandomNodesChoices
	if size < fanout {
		fanout = size
	}
	return b.members.RandomSubset(fanout)
}

func totalLen(datagrams []datagram) int {
	total := 0
	for _, d := range datagrams {
		total += len(d.payload)
	}
	return total
}
