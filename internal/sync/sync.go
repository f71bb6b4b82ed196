// Package sync implements SyncEngine: the periodic anti-entropy loop that
// pulls whatever a peer's gossip-relayed changes missed (spec.md §4.I).
package sync

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"math/rand"
	"net/http"
	"time"

	"github.com/ripple-db/ripple/internal/actor"
	"github.com/ripple-db/ripple/internal/bookie"
	"github.com/ripple-db/ripple/internal/changeset"
	"github.com/ripple-db/ripple/internal/clock"
	"github.com/ripple-db/ripple/internal/membership"
	"github.com/ripple-db/ripple/internal/rerr"
	"github.com/ripple-db/ripple/internal/transport"
)

// retryMinBackoff/retryMaxBackoff bound the intra-cycle retry loop against
// a 503-shedding peer, with full jitter (spec.md §4.I).
const (
	retryMinBackoff = 100 * time.Millisecond
	retryMaxBackoff = time.Second
)

// cycleMinBackoff/cycleMaxBackoff bound the steady-state tick itself: on
// consecutive cycle failures the next cycle is delayed further, up to
// cycleMaxBackoff, resetting to cycleMinBackoff once a cycle succeeds
// (spec.md §4.I).
const (
	cycleMinBackoff = time.Second
	cycleMaxBackoff = 60 * time.Second
)

// maxRetriesPerCycle bounds how many times a single cycle will retry a
// 503-shedding peer before giving up and waiting for the next tick.
const maxRetriesPerCycle = 5

// Bookie is the subset of bookie.Bookie SyncEngine needs to build a
// summary of what it has and what it still needs.
type Bookie interface {
	Snapshot() map[actor.ID]uint64
	Need(a actor.ID, upTo uint64) []bookie.VersionRange
}

// MemberSource is the subset of Membership SyncEngine needs to pick a
// peer to sync against.
type MemberSource interface {
	RandomSubset(n int) []membership.Member
}

// Ingestor is satisfied by ingest.Ingestor: SyncEngine feeds every message
// the peer streams back through the same apply path a broadcast would.
type Ingestor interface {
	Apply(ctx context.Context, msg changeset.Message) (changeset.Message, bool, error)
}

// Engine runs the anti-entropy loop against a random live peer on an
// interval, pulling changesets the local Bookie shows gaps for.
type Engine struct {
	self    actor.ID
	clock   *clock.Clock
	bookie  Bookie
	members MemberSource
	ingest  Ingestor
	client  *http.Client

	interval time.Duration
}

// New builds a SyncEngine. interval is the steady-state tick; actual
// retries on failure use exponential backoff independent of it.
func New(self actor.ID, c *clock.Clock, b Bookie, members MemberSource, ingest Ingestor, interval time.Duration) *Engine {
	return &Engine{
		self:     self,
		clock:    c,
		bookie:   b,
		members:  members,
		ingest:   ingest,
		client:   &http.Client{Timeout: 10 * time.Second},
		interval: interval,
	}
}

// Run ticks forever until ctx is canceled, running one sync cycle per
// tick. A cycle that fails outright (not just a shed 503, which is
// already retried within cycle) pushes the next tick out within
// [cycleMinBackoff, cycleMaxBackoff]; a successful cycle resets the timer
// back to the steady-state interval.
func (e *Engine) Run(ctx context.Context) error {
	backoff := cycleMinBackoff
	timer := time.NewTimer(e.interval)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timer.C:
			if err := e.cycle(ctx); err != nil {
				log.Printf("sync: cycle failed: %v", err)
				delay := backoff + jitter(backoff)
				if delay > cycleMaxBackoff {
					delay = cycleMaxBackoff
				}
				timer.Reset(delay)
				backoff *= 2
				if backoff > cycleMaxBackoff {
					backoff = cycleMaxBackoff
				}
				continue
			}
			backoff = cycleMinBackoff
			timer.Reset(e.interval)
		}
	}
}

// cycle picks one peer with pickPeer and pulls from it, retrying on 503
// with backoff.
func (e *Engine) cycle(ctx context.Context) error {
	peer, err := e.pickPeer()
	if err != nil {
		return err
	}

	backoff := retryMinBackoff
	var lastErr error
	for attempt := 0; attempt < maxRetriesPerCycle; attempt++ {
		err := e.pullFrom(ctx, peer)
		if err == nil {
			return nil
		}
		lastErr = err
		if !errors.Is(err, rerr.PeerUnavailable) {
			return err
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(jitter(backoff)):
		}
		backoff *= 2
		if backoff > retryMaxBackoff {
			backoff = retryMaxBackoff
		}
	}
	return lastErr
}

func jitter(d time.Duration) time.Duration {
	if d <= 0 {
		return 0
	}
	return time.Duration(rand.Int63n(int64(d)))
}

func (e *Engine) pickPeer() (membership.Member, error) {
	candidates := e.members.RandomSubset(membership.RandomNodesChoices)
	if len(candidates) == 0 {
		return membership.Member{}, rerr.Wrap(rerr.NoGoodCandidate, nil, "no live members to sync against")
	}

	snapshot := e.bookie.Snapshot()
	best := candidates[0]
	bestNeed := uint64(0)
	for _, c := range candidates {
		if c.ID == e.self {
			continue
		}
		need := e.needLenAgainst(c, snapshot)
		if need > bestNeed {
			best, bestNeed = c, need
		}
	}
	if best.ID == e.self && len(candidates) > 1 {
		best = candidates[rand.Intn(len(candidates))]
	}
	return best, nil
}

// needLenAgainst sums this node's own gap length, up to its current head,
// over every actor it knows. Without the peer's own heads there is no
// per-peer figure, so the result does not depend on c: every candidate
// scores the same, and pickPeer keeps the first candidate that is not
// self. Real gap resolution happens once the peer's reply names versions
// we are missing.
func (e *Engine) needLenAgainst(c membership.Member, snapshot map[actor.ID]uint64) uint64 {
	var total uint64
	for a, head := range snapshot {
		for _, r := range e.bookie.Need(a, head) {
			total += r.End - r.Start + 1
		}
	}
	return total
}

func (e *Engine) pullFrom(ctx context.Context, peer membership.Member) error {
	summary := e.buildSummary()
	body, err := json.Marshal(summary)
	if err != nil {
		return rerr.Wrap(rerr.EngineFailure, err, "marshaling sync summary")
	}

	url := fmt.Sprintf("http://%s/v1/sync", peer.Addr)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return rerr.Wrap(rerr.EngineFailure, err, "building sync request")
	}
	req.Header.Set("ripple-clock", e.clock.Now().String())

	resp, err := e.client.Do(req)
	if err != nil {
		return rerr.Wrap(rerr.RequestTimedOut, err, "syncing with %s", peer.Addr)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusServiceUnavailable {
		return rerr.Wrap(rerr.PeerUnavailable, nil, "peer %s shed the sync request", peer.Addr)
	}
	if resp.StatusCode != http.StatusOK {
		return rerr.Wrap(rerr.EngineFailure, nil, "peer %s returned status %d", peer.Addr, resp.StatusCode)
	}

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return rerr.Wrap(rerr.EngineFailure, err, "reading sync response from %s", peer.Addr)
	}
	frames, err := changeset.SplitFrames(raw)
	if err != nil {
		return rerr.Wrap(rerr.DecodeError, err, "splitting sync response frames from %s", peer.Addr)
	}

	applied := 0
	for _, f := range frames {
		msg, err := changeset.DecodeMessage(f)
		if err != nil {
			log.Printf("sync: dropping undecodable frame from %s: %v", peer.Addr, err)
			continue
		}
		if _, _, err := e.ingest.Apply(ctx, msg); err != nil {
			log.Printf("sync: applying change from %s: %v", peer.Addr, err)
			continue
		}
		applied++
	}
	if applied > 0 {
		log.Printf("sync: pulled %d changeset(s) from %s", applied, peer.Addr)
	}
	return nil
}

func (e *Engine) buildSummary() transport.SyncSummary {
	heads := make(map[string]uint64)
	need := make(map[string][][2]uint64)
	for a, head := range e.bookie.Snapshot() {
		heads[a.String()] = head
		var ranges [][2]uint64
		for _, r := range e.bookie.Need(a, head) {
			ranges = append(ranges, [2]uint64{r.Start, r.End})
		}
		if len(ranges) > 0 {
			need[a.String()] = ranges
		}
	}
	return transport.SyncSummary{ActorID: e.self.String(), Heads: heads, Need: need}
}
